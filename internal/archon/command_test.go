package archon

import (
	"context"
	"testing"
	"time"
)

func TestCommandRaw(t *testing.T) {
	cmd := NewCommand(0x1A, "system", 1, 0, nil)
	if got, want := cmd.Raw(), ">1ASYSTEM"; got != want {
		t.Fatalf("Raw() = %q, want %q", got, want)
	}
}

func TestCommandSucceedsAfterExpectedReplies(t *testing.T) {
	var released uint8
	var releaseCalled bool
	cmd := NewCommand(0x02, "status", 1, 0, func(c *Command) {
		released = c.ID
		releaseCalled = true
	})

	cmd.ProcessReply(&Reply{ID: 0x02, Kind: ReplyOK, Payload: []byte("POWERGOOD=1")})

	select {
	case <-cmd.Done():
	case <-time.After(time.Second):
		t.Fatal("command never reached terminal state")
	}

	if !cmd.Succeeded() {
		t.Fatalf("expected success, status=%s", cmd.Status())
	}
	if !releaseCalled || released != 0x02 {
		t.Fatalf("onTerminal callback not invoked correctly: called=%v id=%d", releaseCalled, released)
	}
}

func TestCommandFailsOnErrorReply(t *testing.T) {
	cmd := NewCommand(0x03, "badcmd", 1, 0, nil)
	cmd.ProcessReply(&Reply{ID: 0x03, Kind: ReplyError})

	<-cmd.Done()
	if cmd.Status() != StatusFailed {
		t.Fatalf("expected StatusFailed, got %s", cmd.Status())
	}
	if cmd.Succeeded() {
		t.Fatal("Succeeded() should be false for a failed command")
	}
}

func TestCommandTimesOut(t *testing.T) {
	cmd := NewCommand(0x04, "slow", 1, 20*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := cmd.Wait(ctx)
	if err != ErrCommandTimedOut {
		t.Fatalf("expected ErrCommandTimedOut, got %v", err)
	}
	if status != StatusTimedOut {
		t.Fatalf("expected StatusTimedOut, got %s", status)
	}
}

func TestCommandSubscribeStreamsReplies(t *testing.T) {
	cmd := NewCommand(0x05, "fetch", 2, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	replies := cmd.Subscribe(ctx)

	cmd.ProcessReply(&Reply{ID: 0x05, Kind: ReplyBinary, Payload: []byte("a")})
	cmd.ProcessReply(&Reply{ID: 0x05, Kind: ReplyOK, Payload: []byte("done")})

	var got []string
	for r := range replies {
		got = append(got, string(r.Payload))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "done" {
		t.Fatalf("unexpected subscription stream: %v", got)
	}
}

func TestCommandExpectedRepliesZeroWaitsForExplicitFinish(t *testing.T) {
	cmd := NewCommand(0x06, "fetch", 0, 0, nil)
	cmd.ProcessReply(&Reply{ID: 0x06, Kind: ReplyBinary, Payload: []byte("chunk")})

	select {
	case <-cmd.Done():
		t.Fatal("command with ExpectedReplies=0 should not finish on its own")
	case <-time.After(20 * time.Millisecond):
	}

	cmd.Finish()
	<-cmd.Done()
	if !cmd.Succeeded() {
		t.Fatalf("expected success after explicit Finish, got %s", cmd.Status())
	}
}
