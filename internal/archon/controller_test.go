package archon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sdss/archon/internal/logging"
)

// scriptedDevice replies to each received command line with the next
// entry in replies, in order, ignoring the command text but substituting
// the id the id pool actually assigned (IDPool.Acquire has no ordering
// guarantee, so a reply template's placeholder "00" id is rewritten to
// whatever two hex digits the request line actually carried). Good
// enough to exercise Controller's parsing without modelling the full
// Archon firmware.
func scriptedDevice(t *testing.T, replies []string) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	go func() {
		r := newLineReader(server)
		for _, reply := range replies {
			line, err := r.readLine()
			if err != nil {
				return
			}
			if _, err := server.Write([]byte(withReplyID(reply, line))); err != nil {
				return
			}
		}
	}()
	return client
}

// withReplyID rewrites reply's placeholder id (the two hex digits right
// after its leading '<' or '?') to the id the controller actually sent
// in requestLine (">%02X<command>").
func withReplyID(reply, requestLine string) string {
	if len(requestLine) < 3 || len(reply) < 3 {
		return reply
	}
	return reply[:1] + requestLine[1:3] + reply[3:]
}

// lineReader is a tiny test-only helper to read one '\n'-terminated
// command line at a time off the pipe.
type lineReader struct {
	conn net.Conn
}

func newLineReader(conn net.Conn) *lineReader { return &lineReader{conn: conn} }

func (r *lineReader) readLine() (string, error) {
	buf := make([]byte, 0, 256)
	one := make([]byte, 1)
	for {
		n, err := r.conn.Read(one)
		if n > 0 {
			buf = append(buf, one[0])
			if one[0] == '\n' {
				return string(buf), nil
			}
		}
		if err != nil {
			return string(buf), err
		}
	}
}

func newTestController(t *testing.T, replies []string) *Controller {
	t.Helper()
	conn := scriptedDevice(t, replies)
	c := &Connection{
		ids:      NewIDPool(),
		conn:     conn,
		inflight: make(map[uint8]*Command),
		logger:   logging.DiscardLogger(),
		done:     make(chan struct{}),
	}
	go c.receiveLoop()
	return &Controller{
		Name:     "test",
		Settings: DefaultSettings(),
		conn:     c,
		status:   NewStatusTracker(),
		logger:   logging.DiscardLogger(),
	}
}

func TestControllerGetSystem(t *testing.T) {
	ctrl := newTestController(t, []string{"<00MOD1_TYPE=2 MOD2_TYPE=16 BACKPLANE_TYPE=1\n"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sys, err := ctrl.GetSystem(ctx)
	if err != nil {
		t.Fatalf("GetSystem: %v", err)
	}
	if sys.ModNames[1] != ModAD {
		t.Fatalf("expected mod1 to be AD, got %s", sys.ModNames[1])
	}
	if sys.ModNames[2] != ModUnknown {
		t.Fatalf("expected mod2 to be UNKNOWN, got %s", sys.ModNames[2])
	}
}

func TestControllerGetDeviceStatusSetsPowerBad(t *testing.T) {
	ctrl := newTestController(t, []string{"<00POWERGOOD=0 OTHER=3\n"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := ctrl.GetDeviceStatus(ctx); err != nil {
		t.Fatalf("GetDeviceStatus: %v", err)
	}
	if !ctrl.Status().Has(StatusPowerBad) {
		t.Fatal("expected POWERBAD to be set when powergood != 1")
	}
}

func TestControllerSetParamFailurePropagates(t *testing.T) {
	ctrl := newTestController(t, []string{"?00failed\n"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := ctrl.SetParam(ctx, "AutoFlush", 1); err == nil {
		t.Fatal("expected error when FASTLOADPARAM fails")
	}
}
