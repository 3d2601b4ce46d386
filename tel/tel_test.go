package tel

import (
	"expvar"
	"testing"
	"time"
)

func TestIntExpTracksLastUse(t *testing.T) {
	v := &IntExp{}
	if !v.LastUse.IsZero() {
		t.Fatalf("LastUse should start zero, got %v", v.LastUse)
	}

	before := time.Now()
	v.Add(1)
	if v.Value() != 1 {
		t.Fatalf("Value: got %d, want 1", v.Value())
	}
	if v.LastUse.Before(before) {
		t.Fatalf("LastUse not updated by Add: got %v, want >= %v", v.LastUse, before)
	}

	before = time.Now()
	v.Set(5)
	if v.Value() != 5 {
		t.Fatalf("Value: got %d, want 5", v.Value())
	}
	if v.LastUse.Before(before) {
		t.Fatalf("LastUse not updated by Set: got %v, want >= %v", v.LastUse, before)
	}
}

func TestIntExpPublishable(t *testing.T) {
	v := &IntExp{}
	expvar.Publish("tel_test_int_exp_total", v)
	v.Add(3)

	got := expvar.Get("tel_test_int_exp_total")
	if got == nil {
		t.Fatalf("expvar.Get did not find the published IntExp")
	}
	if got.(*IntExp).Value() != 3 {
		t.Fatalf("published value: got %d, want 3", got.(*IntExp).Value())
	}
}
