package archon

import (
	"context"
	"testing"
	"time"
)

func TestStatusIdleActiveMutualExclusion(t *testing.T) {
	tr := NewStatusTracker()

	if err := tr.Update(StatusActive|StatusIdle, ModeOn, true); err == nil {
		t.Fatal("expected error setting IDLE and ACTIVE together")
	}

	if err := tr.Update(StatusActive, ModeOn, true); err != nil {
		t.Fatalf("Update ACTIVE: %v", err)
	}
	if !tr.Current().Has(StatusActive) {
		t.Fatal("expected ACTIVE set")
	}

	if err := tr.Update(StatusIdle, ModeOn, true); err != nil {
		t.Fatalf("Update IDLE: %v", err)
	}
	cur := tr.Current()
	if !cur.Has(StatusIdle) {
		t.Fatal("expected IDLE set")
	}
	if cur.Has(StatusActive) {
		t.Fatal("setting IDLE should have cleared ACTIVE")
	}
}

func TestStatusActiveClearsIdle(t *testing.T) {
	tr := NewStatusTracker()
	_ = tr.Update(StatusIdle, ModeOn, true)
	_ = tr.Update(StatusActive, ModeOn, true)

	cur := tr.Current()
	if cur.Has(StatusIdle) {
		t.Fatal("setting ACTIVE should have cleared IDLE")
	}
	if !cur.Has(StatusActive) {
		t.Fatal("expected ACTIVE set")
	}
}

func TestStatusSubscribeCoalescesAndEdgeTriggers(t *testing.T) {
	tr := NewStatusTracker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch := tr.Subscribe(ctx)

	first := <-ch
	if first != StatusUnknown {
		t.Fatalf("expected initial status StatusUnknown, got %s", first)
	}

	_ = tr.Update(StatusIdle, ModeOn, true)
	_ = tr.Update(StatusIdle, ModeOn, true) // no-op, must not emit a second notification

	select {
	case got := <-ch:
		if !got.Has(StatusIdle) {
			t.Fatalf("expected IDLE in status, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a status update")
	}

	select {
	case got, ok := <-ch:
		if ok {
			t.Fatalf("expected no further update from a no-op Update, got %s", got)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusSetReplacesMaskOutright(t *testing.T) {
	tr := NewStatusTracker()
	_ = tr.Update(StatusError, ModeOn, true)
	_ = tr.Update(StatusFlushing, ModeOn, true)

	tr.Set(StatusIdle, true)

	cur := tr.Current()
	if cur != StatusIdle {
		t.Fatalf("expected Set to replace the mask entirely, got %s", cur)
	}
}
