package archon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/sdss/archon/internal/logging"
)

// ReconnectPolicy configures automatic reconnection after the TCP
// connection to the controller drops. The retry loop itself is delegated
// to github.com/cenkalti/backoff's exponential backoff rather than a
// hand-rolled doubling loop.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration // 0 means retry forever
	OnReconnect     func(*Connection) error
}

func (p *ReconnectPolicy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsedTime
	return eb
}

// ConnectionMetrics tracks counters exposed by the diagnostics endpoint.
type ConnectionMetrics struct {
	mu             sync.Mutex
	CommandsSent   uint64
	CommandsFailed uint64
	ReconnectCount uint64
	ConnectedAt    time.Time
}

func (m *ConnectionMetrics) snapshot() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionMetrics{
		CommandsSent:   m.CommandsSent,
		CommandsFailed: m.CommandsFailed,
		ReconnectCount: m.ReconnectCount,
		ConnectedAt:    m.ConnectedAt,
	}
}

// Connection owns the single TCP socket to an Archon controller: one
// reader goroutine demultiplexing replies by command id into an
// in-flight table, and a write path serialized behind a mutex (the
// controller only ever processes one command line at a time). This is
// the Go analogue of the Python controller's `_listen` loop plus
// `__track_commands`, folded together since Go has no separate event
// loop to schedule them on.
type Connection struct {
	addr     string
	dialTO   time.Duration
	reconect *ReconnectPolicy
	logger   logging.Logger

	ids *IDPool

	writeMu sync.Mutex
	conn    net.Conn

	tableMu  sync.Mutex
	inflight map[uint8]*Command
	closed   bool

	binaryMu       sync.Mutex
	binaryExpected int
	binaryReceived int
	binaryBuf      []byte

	metrics ConnectionMetrics

	done chan struct{}
}

// Dial opens the TCP connection and starts the receiver goroutine.
func Dial(ctx context.Context, addr string, reconnect *ReconnectPolicy, logger logging.Logger) (*Connection, error) {
	if logger == nil {
		logger = logging.Default()
	}
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("archon: dial %s: %w", addr, err)
	}
	c := &Connection{
		addr:     addr,
		dialTO:   dialer.Timeout,
		reconect: reconnect,
		logger:   logger,
		ids:      NewIDPool(),
		conn:     conn,
		inflight: make(map[uint8]*Command),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectedAt = time.Now()
	go c.receiveLoop()
	return c, nil
}

// Send writes commandString to the wire under a freshly acquired id and
// returns the Command tracking its replies.
func (c *Connection) Send(commandString string, expectedReplies int, timeout time.Duration) (*Command, error) {
	id, err := c.ids.Acquire()
	if err != nil {
		return nil, err
	}

	cmd := NewCommand(id, commandString, expectedReplies, timeout, c.release)

	c.tableMu.Lock()
	if c.closed {
		c.tableMu.Unlock()
		c.ids.Release(id)
		return nil, ErrNotConnected
	}
	c.inflight[id] = cmd
	c.tableMu.Unlock()

	line := cmd.Raw() + "\n"
	c.writeMu.Lock()
	_, err = io.WriteString(c.conn, line)
	c.writeMu.Unlock()
	if err != nil {
		cmd.markDone(StatusFailed, fmt.Errorf("archon: write command: %w", err))
		return cmd, err
	}

	c.metrics.mu.Lock()
	c.metrics.CommandsSent++
	c.metrics.mu.Unlock()
	c.logger.Debug("sent command", logging.Field{Key: "raw", Value: line[:len(line)-1]})
	return cmd, nil
}

// release returns a terminal command's id to the pool and drops it from
// the in-flight table.
func (c *Connection) release(cmd *Command) {
	c.tableMu.Lock()
	delete(c.inflight, cmd.ID)
	c.tableMu.Unlock()
	c.ids.Release(cmd.ID)
	if cmd.Status() != StatusDone {
		c.metrics.mu.Lock()
		c.metrics.CommandsFailed++
		c.metrics.mu.Unlock()
	}
}

// Metrics returns a point-in-time snapshot of connection counters.
func (c *Connection) Metrics() ConnectionMetrics { return c.metrics.snapshot() }

// Close terminates the connection and fails every in-flight command.
func (c *Connection) Close() error {
	c.tableMu.Lock()
	if c.closed {
		c.tableMu.Unlock()
		return nil
	}
	c.closed = true
	c.tableMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Connection) receiveLoop() {
	defer close(c.done)
	framer := NewFramer(c.conn)
	for {
		reply, err := framer.ReadReply()
		if err != nil {
			if errors.Is(err, ErrMalformedReply) {
				c.logger.Warn("dropping malformed reply", logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			c.handleReadError(err, &framer)
			if framer == nil {
				return
			}
			continue
		}
		c.dispatch(reply)
	}
}

// ExpectBinaryChunks declares that the next n 1024-byte binary chunks
// belong to a single logical reply and should be reassembled before
// being handed to a command, matching set_binary_reply_size: the wire
// protocol gives no way to tell the last chunk of a transfer from an
// intermediate one except by knowing the expected total length up
// front.
func (c *Connection) ExpectBinaryChunks(n int) {
	c.binaryMu.Lock()
	c.binaryExpected = n
	c.binaryReceived = 0
	c.binaryBuf = make([]byte, 0, n*binaryChunkSize)
	c.binaryMu.Unlock()
}

func (c *Connection) dispatch(reply *Reply) {
	if reply.Kind == ReplyBinary {
		c.binaryMu.Lock()
		if c.binaryExpected > 0 {
			c.binaryBuf = append(c.binaryBuf, reply.Payload...)
			c.binaryReceived++
			if c.binaryReceived < c.binaryExpected {
				c.binaryMu.Unlock()
				return
			}
			merged := &Reply{ID: reply.ID, Kind: ReplyBinary, Payload: c.binaryBuf}
			c.binaryExpected = 0
			c.binaryBuf = nil
			c.binaryMu.Unlock()
			reply = merged
		} else {
			c.binaryMu.Unlock()
		}
	}

	c.tableMu.Lock()
	cmd, ok := c.inflight[reply.ID]
	c.tableMu.Unlock()
	if !ok {
		c.logger.Warn("reply to unknown command id", logging.Field{Key: "id", Value: reply.ID})
		return
	}
	cmd.ProcessReply(reply)
}

// handleReadError fails every in-flight command and, if a reconnect
// policy is configured, blocks (via backoff) until the socket is
// re-established, swapping *framer for a fresh one reading the new
// conn. framer is set to nil to signal the caller to stop.
func (c *Connection) handleReadError(err error, framer **Framer) {
	c.tableMu.Lock()
	wasClosed := c.closed
	pending := make([]*Command, 0, len(c.inflight))
	for id, cmd := range c.inflight {
		delete(c.inflight, id)
		pending = append(pending, cmd)
	}
	c.tableMu.Unlock()
	// markDone runs the command's release callback, which takes tableMu
	// itself, so the commands are failed only after the lock is dropped.
	for _, cmd := range pending {
		cmd.markDone(StatusFailed, fmt.Errorf("archon: connection lost: %w", err))
	}

	if wasClosed || c.reconect == nil {
		*framer = nil
		return
	}

	c.logger.Warn("connection lost, reconnecting", logging.Field{Key: "error", Value: err.Error()})
	newConn, dialErr := c.reconnectWithBackoff()
	if dialErr != nil {
		c.logger.Error("reconnect exhausted", logging.Field{Key: "error", Value: dialErr.Error()})
		*framer = nil
		return
	}

	c.writeMu.Lock()
	c.conn = newConn
	c.writeMu.Unlock()
	c.metrics.mu.Lock()
	c.metrics.ReconnectCount++
	c.metrics.ConnectedAt = time.Now()
	c.metrics.mu.Unlock()

	if c.reconect.OnReconnect != nil {
		if err := c.reconect.OnReconnect(c); err != nil {
			c.logger.Error("reconnect callback failed", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	*framer = NewFramer(newConn)
}

func (c *Connection) reconnectWithBackoff() (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		dialer := net.Dialer{Timeout: c.dialTO}
		newConn, err := dialer.Dial("tcp", c.addr)
		if err != nil {
			return err
		}
		conn = newConn
		return nil
	}
	if err := backoff.Retry(op, c.reconect.backOff()); err != nil {
		return nil, err
	}
	return conn, nil
}
