package archon

import (
	"context"
	"testing"
	"time"
)

// TestExposeWithoutReadoutSettlesIdleReadoutPending exercises the S4
// scenario: a short exposure with readout disabled should end up in
// IDLE|READOUT_PENDING shortly after the integration time elapses.
func TestExposeWithoutReadoutSettlesIdleReadoutPending(t *testing.T) {
	// Reset(autoflush=false, restartTiming=false) sends HOLDTIMING,
	// AutoFlush, Exposures, ReadOut, AbortExposure, DoFlush, WaitCount
	// (7 commands), then STATUS to refresh POWERBAD. Expose() then
	// sends ReadOut, IntMS, Exposures, HorizontalBinning,
	// VerticalBinning, RESETTIMING, RELEASETIMING (7 more).
	replies := make([]string, 0, 16)
	for i := 0; i < 7; i++ {
		replies = append(replies, "<00OK\n")
	}
	replies = append(replies, "<00POWERGOOD=1\n")
	for i := 0; i < 7; i++ {
		replies = append(replies, "<00OK\n")
	}

	ctrl := newTestController(t, replies)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	task, err := ctrl.Expose(ctx, 10*time.Millisecond, 1, false)
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("exposure task never completed")
	}
	if err := task.Err(); err != nil {
		t.Fatalf("exposure task error: %v", err)
	}

	want := StatusIdle | StatusReadoutPending
	if got := ctrl.Status(); got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
}

func TestExposeRejectsWhenReadoutPending(t *testing.T) {
	ctrl := newTestController(t, nil)
	_ = ctrl.status.Update(StatusReadoutPending, ModeOn, true)

	if _, err := ctrl.Expose(context.Background(), time.Millisecond, 1, true); err == nil {
		t.Fatal("expected error when a readout is already pending")
	}
}

func TestAbortRequiresExposing(t *testing.T) {
	ctrl := newTestController(t, nil)
	if err := ctrl.Abort(context.Background(), false); err == nil {
		t.Fatal("expected error aborting while not exposing")
	}
}
