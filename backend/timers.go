package backend

import "time"

// Timer wraps a time.Timer with its configured interval so it can be
// re-armed with the same duration repeatedly, matching spec.md §4.2 ("all
// timers are repeating: re-arming uses the stored interval").
type Timer struct {
	d      time.Duration
	t      *time.Timer
	active bool
}

// NewInertTimer builds a Timer that is not yet running; call Arm to start
// it. Using a stopped, undrained time.Timer as the base avoids allocating a
// new one on every Arm/Stop cycle.
func NewInertTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	if !t.Stop() {
		<-t.C
	}
	return &Timer{d: d, t: t}
}

// C returns the timer's fire channel. Selecting on it when the timer is not
// active simply never fires, which is what the event loop wants: timers
// that are not armed contribute nothing to the select.
func (tm *Timer) C() <-chan time.Time { return tm.t.C }

// Arm (re)starts the timer using its stored interval.
func (tm *Timer) Arm() {
	if tm.active {
		tm.stopNoDrain()
	}
	tm.t.Reset(tm.d)
	tm.active = true
}

// Stop halts the timer. Safe to call when already stopped.
func (tm *Timer) Stop() {
	if !tm.active {
		return
	}
	tm.stopNoDrain()
	tm.active = false
}

func (tm *Timer) stopNoDrain() {
	if !tm.t.Stop() {
		// Timer already fired; drain the pending value so Reset doesn't race
		// a stale receive.
		select {
		case <-tm.t.C:
		default:
		}
	}
}

// Active reports whether the timer is currently armed.
func (tm *Timer) Active() bool { return tm.active }

// Fired is called by the event loop after a receive from C(); it clears the
// active bookkeeping (the underlying time.Timer is already spent).
func (tm *Timer) Fired() { tm.active = false }

// Timers bundles the timers owned by a Session (spec.md §4.2): the
// inter-frame read-activity timer, the SETTINGS-ACK timeout, and the
// connection-health timer. Each reuses the same *Timer value across
// activations, as required by the spec. There is no Write timer: write
// timeouts are a deadline on the syscall itself (TransportDriver.Write's
// SetWriteDeadline), not an event the select loop waits on, so a repeating
// Timer has nothing to arm it against; DESIGN.md records the tradeoff.
type Timers struct {
	Read        *Timer
	SettingsAck *Timer
	Health      *Timer
}

// NewTimers builds the timers from Config, using the fixed 10s/5s constants
// for SETTINGS-ACK and health per spec.md §4.2.
func NewTimers(cfg *Config) *Timers {
	return &Timers{
		Read:        NewInertTimer(cfg.ReadTimeout),
		SettingsAck: NewInertTimer(SettingsAckTimeout),
		Health:      NewInertTimer(HealthTimeout),
	}
}

// StopAll disarms every timer; called from Disconnect.
func (t *Timers) StopAll() {
	t.Read.Stop()
	t.SettingsAck.Stop()
	t.Health.Stop()
}
