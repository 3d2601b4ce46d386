package backend

import (
	"testing"
	"time"
)

func TestTimerArmFiresOnce(t *testing.T) {
	tm := NewInertTimer(20 * time.Millisecond)
	if tm.Active() {
		t.Fatalf("a fresh timer must start inactive")
	}

	tm.Arm()
	if !tm.Active() {
		t.Fatalf("Arm should mark the timer active")
	}

	select {
	case <-tm.C():
		tm.Fired()
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	if tm.Active() {
		t.Fatalf("Fired should clear the active flag")
	}
}

func TestTimerStopBeforeFire(t *testing.T) {
	tm := NewInertTimer(50 * time.Millisecond)
	tm.Arm()
	tm.Stop()
	if tm.Active() {
		t.Fatalf("Stop should clear the active flag")
	}

	select {
	case <-tm.C():
		t.Fatal("a stopped timer must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimerReArmReplacesDeadline(t *testing.T) {
	tm := NewInertTimer(30 * time.Millisecond)
	tm.Arm()
	time.Sleep(10 * time.Millisecond)
	tm.Arm() // restart the clock before the first deadline

	start := time.Now()
	select {
	case <-tm.C():
		tm.Fired()
	case <-time.After(time.Second):
		t.Fatal("timer never fired after re-arm")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("re-arm should have restarted the full interval, fired after only %v", elapsed)
	}
}

func TestTimersStopAll(t *testing.T) {
	cfg := DefaultConfig()
	tms := NewTimers(cfg)
	tms.Read.Arm()
	tms.SettingsAck.Arm()
	tms.Health.Arm()

	tms.StopAll()

	if tms.Read.Active() || tms.SettingsAck.Active() || tms.Health.Active() {
		t.Fatalf("StopAll should disarm every timer")
	}
}
