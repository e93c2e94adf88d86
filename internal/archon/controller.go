package archon

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sdss/archon/internal/logging"
)

// Controller is the façade a caller drives: it owns the Connection, the
// status bitmask, and the higher-level procedures translated from the
// Python ArchonController (get_system, get_device_status, get_frame,
// read/write_config, set_param, reset, expose, abort, flush, readout,
// fetch). Where the Python class inherited its TCP plumbing from `clu`'s
// Device, Controller composes a Connection instead.
type Controller struct {
	Name     string
	Settings Settings

	conn   *Connection
	status *StatusTracker
	logger logging.Logger

	mu        sync.Mutex
	acfLoaded string
	autoFlush *bool
	reporter  TelemetryReporter
}

// TelemetryReporter receives lifecycle events from a Controller. It is
// satisfied by an adapter wrapping telemetry.Hub; Controller stays
// unaware of the HTTP/SSE machinery built on top of it.
type TelemetryReporter interface {
	ReportEvent(event, message string, status Status)
}

// SetReporter attaches a telemetry sink. Passing nil disables reporting.
func (c *Controller) SetReporter(r TelemetryReporter) {
	c.mu.Lock()
	c.reporter = r
	c.mu.Unlock()
}

func (c *Controller) report(event, message string) {
	c.mu.Lock()
	r := c.reporter
	c.mu.Unlock()
	if r != nil {
		r.ReportEvent(event, message, c.Status())
	}
}

// Connect dials addr and returns a ready Controller. Unlike the Python
// constructor, which defers the TCP connection to a separate start()
// call, Connect performs both steps at once since Go has no implicit
// event loop to schedule a deferred start on.
func Connect(ctx context.Context, name, addr string, settings Settings, reconnect *ReconnectPolicy, logger logging.Logger) (*Controller, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.Field{Key: "controller", Value: name})

	conn, err := Dial(ctx, addr, reconnect, logger)
	if err != nil {
		return nil, newControllerError(name, "connect", err)
	}

	return &Controller{
		Name:     name,
		Settings: settings,
		conn:     conn,
		status:   NewStatusTracker(),
		logger:   logger,
	}, nil
}

// Close releases the underlying connection.
func (c *Controller) Close() error { return c.conn.Close() }

// Status returns the current status bitmask.
func (c *Controller) Status() Status { return c.status.Current() }

// Subscribe streams status changes; see StatusTracker.Subscribe.
func (c *Controller) Subscribe(ctx context.Context) <-chan Status { return c.status.Subscribe(ctx) }

// ACFLoaded returns the path last recorded by MarkACFLoaded, or "" if
// none has been recorded since Connect. WriteConfig alone does not set it.
func (c *Controller) ACFLoaded() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acfLoaded
}

func (c *Controller) err(op string, err error) error {
	return newControllerError(c.Name, op, err)
}

func (c *Controller) warn(message string, fields ...logging.Field) {
	c.logger.Warn(message, fields...)
}

// SendCommand sends commandString and blocks until it reaches a terminal
// state or ctx is cancelled.
func (c *Controller) SendCommand(ctx context.Context, commandString string, timeout time.Duration) (*Command, error) {
	cmd, err := c.conn.Send(commandString, 1, timeout)
	if err != nil {
		return nil, c.err("send_command", err)
	}
	if _, err := cmd.Wait(ctx); err != nil {
		return cmd, c.err("send_command", err)
	}
	return cmd, nil
}

// SendMany sends cmdStrs in chunks of at most maxChunk, waiting for each
// chunk to finish before sending the next. It stops at the first chunk
// containing a failed or timed-out command and returns everything
// completed so far split into done and failed, mirroring send_many's
// "done+pending can be fewer than len(cmd_strs)" contract.
func (c *Controller) SendMany(ctx context.Context, cmdStrs []string, maxChunk int, timeout time.Duration) (done, failed []*Command, err error) {
	if maxChunk <= 0 {
		maxChunk = 100
	}
	remaining := cmdStrs
	for len(remaining) > 0 {
		chunkSize := maxChunk
		if len(remaining) < chunkSize {
			chunkSize = len(remaining)
		}
		chunk := remaining[:chunkSize]
		remaining = remaining[chunkSize:]

		pending := make([]*Command, 0, len(chunk))
		for _, s := range chunk {
			cmd, sendErr := c.conn.Send(s, 1, timeout)
			if sendErr != nil {
				return done, failed, c.err("send_many", sendErr)
			}
			pending = append(pending, cmd)
		}
		var chunkFailed []*Command
		for _, cmd := range pending {
			if _, waitErr := cmd.Wait(ctx); waitErr != nil {
				chunkFailed = append(chunkFailed, cmd)
				continue
			}
			if cmd.Succeeded() {
				done = append(done, cmd)
			} else {
				chunkFailed = append(chunkFailed, cmd)
			}
		}
		if len(chunkFailed) > 0 {
			return done, chunkFailed, nil
		}
	}
	return done, nil, nil
}

var modTypeKeyRE = regexp.MustCompile(`(?i)^MOD([0-9]{1,2})_TYPE$`)

// SystemInfo is the parsed SYSTEM reply: raw keywords plus the module
// type name derived from each MODn_TYPE value.
type SystemInfo struct {
	Keywords Keywords
	ModNames map[int]ModType
}

// GetSystem sends SYSTEM and decodes its keyword reply, resolving every
// MODn_TYPE value into a ModType the way the Python property added a
// synthetic "modN_name" key.
func (c *Controller) GetSystem(ctx context.Context) (*SystemInfo, error) {
	cmd, err := c.SendCommand(ctx, "SYSTEM", c.Settings.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if !cmd.Succeeded() {
		return nil, c.err("get_system", fmt.Errorf("command finished with status %s", cmd.Status()))
	}
	line := replyText(cmd)
	kw, err := parseKeywords(line)
	if err != nil {
		return nil, c.err("get_system", err)
	}

	info := &SystemInfo{Keywords: kw, ModNames: map[int]ModType{}}
	for k, v := range kw {
		m := modTypeKeyRE.FindStringSubmatch(strings.ToUpper(k))
		if m == nil {
			continue
		}
		var n, code int
		fmt.Sscanf(m[1], "%d", &n)
		fmt.Sscanf(v, "%d", &code)
		info.ModNames[n] = ModType(code)
	}
	return info, nil
}

// GetDeviceStatus sends STATUS, decodes its keyword reply and updates
// the POWERBAD status bit from the powergood field.
func (c *Controller) GetDeviceStatus(ctx context.Context) (Keywords, error) {
	cmd, err := c.SendCommand(ctx, "STATUS", c.Settings.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if !cmd.Succeeded() {
		return nil, c.err("get_device_status", fmt.Errorf("command finished with status %s", cmd.Status()))
	}
	kw, err := parseKeywords(replyText(cmd))
	if err != nil {
		return nil, c.err("get_device_status", err)
	}

	powerGood, err := kw.Number("powergood")
	if err != nil {
		return nil, c.err("get_device_status", err)
	}
	if powerGood != 1 {
		_ = c.status.Update(StatusPowerBad, ModeOn, true)
	} else {
		_ = c.status.Update(StatusPowerBad, ModeOff, true)
	}
	return kw, nil
}

// GetFrame sends FRAME and decodes its keyword reply into a FrameInfo.
func (c *Controller) GetFrame(ctx context.Context) (*FrameInfo, error) {
	cmd, err := c.SendCommand(ctx, "FRAME", c.Settings.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if !cmd.Succeeded() {
		return nil, c.err("get_frame", fmt.Errorf("command FRAME failed with status %s", cmd.Status()))
	}
	kw, err := parseKeywords(replyText(cmd))
	if err != nil {
		return nil, c.err("get_frame", err)
	}
	return newFrameInfo(kw)
}

// SetParam sets param to value via FASTLOADPARAM.
func (c *Controller) SetParam(ctx context.Context, param string, value int) (*Command, error) {
	cmd, err := c.SendCommand(ctx, fmt.Sprintf("FASTLOADPARAM %s %d", param, value), c.Settings.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if !cmd.Succeeded() {
		return nil, c.err("set_param", fmt.Errorf("failed setting parameter %q (%s)", param, cmd.Status()))
	}
	return cmd, nil
}

// SetAutoflush enables or disables the AutoFlush parameter.
func (c *Controller) SetAutoflush(ctx context.Context, mode bool) error {
	v := 0
	if mode {
		v = 1
	}
	if _, err := c.SetParam(ctx, "AutoFlush", v); err != nil {
		return err
	}
	c.mu.Lock()
	c.autoFlush = &mode
	c.mu.Unlock()
	return nil
}

// Reset holds timing, resets the standard parameters (and any
// configured default parameters), optionally restarts timing, marks the
// controller IDLE and refreshes the POWERBAD bit.
func (c *Controller) Reset(ctx context.Context, autoflush, restartTiming bool) error {
	if _, err := c.SendCommand(ctx, "HOLDTIMING", c.Settings.CommandTimeout); err != nil {
		return err
	}
	if err := c.SetAutoflush(ctx, autoflush); err != nil {
		return err
	}
	for _, p := range []struct {
		name  string
		value int
	}{
		{"Exposures", 0},
		{"ReadOut", 0},
		{"AbortExposure", 0},
		{"DoFlush", 0},
		{"WaitCount", 0},
	} {
		if _, err := c.SetParam(ctx, p.name, p.value); err != nil {
			return err
		}
	}
	for name, value := range c.Settings.DefaultParameters {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
			continue
		}
		if _, err := c.SetParam(ctx, name, n); err != nil {
			return err
		}
	}

	if restartTiming {
		for _, cmdStr := range []string{"RELEASETIMING", "RESETTIMING"} {
			cmd, err := c.SendCommand(ctx, cmdStr, c.Settings.CommandTimeout)
			if err != nil || !cmd.Succeeded() {
				_ = c.status.Update(StatusError, ModeOn, true)
				return c.err("reset", fmt.Errorf("failed sending %s (%s)", cmdStr, statusOrErr(cmd, err)))
			}
		}
	}

	c.status.Set(StatusIdle, true)
	if _, err := c.GetDeviceStatus(ctx); err != nil {
		return err
	}
	return nil
}

func statusOrErr(cmd *Command, err error) string {
	if cmd != nil {
		return cmd.Status().String()
	}
	return err.Error()
}

// replyText concatenates a finished command's text replies, trimmed,
// mirroring `str(cmd.replies[0])`.
func replyText(cmd *Command) string {
	replies := cmd.Replies()
	if len(replies) == 0 {
		return ""
	}
	return strings.TrimSpace(string(replies[0].Payload))
}
