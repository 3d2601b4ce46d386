package tel

import (
	"expvar"
	"time"
)

// IntExp is an expvar.Int that also tracks when it was last touched, so a
// caller can tell a stale counter from a silent one without wiring a
// separate timestamp metric for every counter it publishes.
type IntExp struct {
	expvar.Int
	LastUse time.Time
}

func (v *IntExp) Add(delta int64) {
	v.Int.Add(delta)
	v.LastUse = time.Now()
}

func (v *IntExp) Set(delta int64) {
	v.Int.Set(delta)
	v.LastUse = time.Now()
}
