package archon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sdss/archon/internal/acfio"
)

// MaxConfigLines bounds the RCONFIG/WCONFIG burst: the line index is a
// 4-hex-digit field ("RCONFIG%04X"), so the wire format itself allows up
// to 0xFFFF, but no shipped timing script comes anywhere near that; this
// is a practical ceiling on how many RCONFIG round trips read_config
// will attempt before giving up on an empty tail.
const MaxConfigLines = 4096

// ReadConfig streams RCONFIG<line> for every line index in
// [0, MaxConfigLines), dropping every empty line (the controller pads
// the lines past the end of its configuration with empty replies), and returns the result as an acfio.Document
// alongside the current SYSTEM snapshot. Persisting the document to an
// ".acf" file on disk is the caller's choice: acfio.Encode plus a plain
// os.WriteFile does that without the driver needing filesystem
// permissions it doesn't otherwise use.
func (c *Controller) ReadConfig(ctx context.Context) (*acfio.Document, error) {
	if _, err := c.SendCommand(ctx, "POLLOFF", c.Settings.CommandTimeout); err != nil {
		return nil, err
	}

	cmdStrs := make([]string, MaxConfigLines)
	for n := 0; n < MaxConfigLines; n++ {
		cmdStrs[n] = fmt.Sprintf("RCONFIG%04X", n)
	}
	done, failed, err := c.SendMany(ctx, cmdStrs, 100, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	if _, sendErr := c.SendCommand(ctx, "POLLON", c.Settings.CommandTimeout); sendErr != nil {
		return nil, sendErr
	}

	if len(failed) > 0 {
		return nil, c.err("read_config", fmt.Errorf("an RCONFIG command returned with status %s", failed[0].Status()))
	}

	lines := make([]string, 0, len(done))
	for _, cmd := range done {
		replies := cmd.Replies()
		if len(replies) != 1 {
			return nil, c.err("read_config", fmt.Errorf("command %s did not get exactly one reply", cmd.Raw()))
		}
		line := strings.TrimSpace(string(replies[0].Payload))
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	sys, err := c.GetSystem(ctx)
	if err != nil {
		return nil, err
	}

	doc := &acfio.Document{System: map[string]string{}}
	for k, v := range sys.Keywords {
		if strings.Contains(strings.ToLower(k), "_name") {
			continue
		}
		doc.System[strings.ToUpper(k)] = v
	}
	for _, line := range lines {
		kv, err := acfio.ParseKeywordLine(line)
		if err != nil {
			return nil, c.err("read_config", err)
		}
		doc.Config = append(doc.Config, kv)
	}
	return doc, nil
}

// WriteConfig loads doc's CONFIG section onto the controller:
// CLEARCONFIG, then one WCONFIG per line with an inter-line delay, then
// optionally APPLYALL and POWERON, then a Reset. notify, if non-nil, is
// called with a human-readable description of the step in progress,
// the Go translation of the Python API's `notifier` callback used to
// report progress to an operator.
func (c *Controller) WriteConfig(ctx context.Context, doc *acfio.Document, applyAll, powerOn bool, notify func(string)) error {
	if notify == nil {
		notify = func(string) {}
	}
	if len(doc.Config) == 0 {
		return c.err("write_config", fmt.Errorf("the config document has no CONFIG section"))
	}

	notify("Clearing previous configuration")
	if cmd, err := c.SendCommand(ctx, "CLEARCONFIG", c.Settings.WriteConfigTimeout); err != nil || !cmd.Succeeded() {
		_ = c.status.Update(StatusError, ModeOn, true)
		return c.err("write_config", fmt.Errorf("failed running CLEARCONFIG"))
	}

	notify("Sending configuration lines")
	if _, err := c.SendCommand(ctx, "POLLOFF", c.Settings.CommandTimeout); err != nil {
		return err
	}

	lines := doc.Lines()
	for n, line := range lines {
		cmdStr := fmt.Sprintf("WCONFIG%04X%s", n, line)
		cmd, err := c.SendCommand(ctx, cmdStr, c.Settings.WriteConfigTimeout)
		if err != nil || !cmd.Succeeded() {
			_ = c.status.Update(StatusError, ModeOn, true)
			_, _ = c.SendCommand(ctx, "POLLON", c.Settings.CommandTimeout)
			return c.err("write_config", fmt.Errorf("failed sending line %d (%s)", n, statusOrErr(cmd, err)))
		}
		sleepCtx(ctx, c.Settings.WriteConfigDelay)
	}

	notify("Successfully sent config lines")
	if _, err := c.SendCommand(ctx, "POLLON", c.Settings.CommandTimeout); err != nil {
		return err
	}

	if applyAll {
		notify("Sending APPLYALL")
		cmd, err := c.SendCommand(ctx, "APPLYALL", 5*time.Second)
		if err != nil || !cmd.Succeeded() {
			_ = c.status.Update(StatusError, ModeOn, true)
			return c.err("write_config", fmt.Errorf("failed sending APPLYALL (%s)", statusOrErr(cmd, err)))
		}
		if powerOn {
			notify("Sending POWERON")
			cmd, err := c.SendCommand(ctx, "POWERON", c.Settings.WriteConfigTimeout)
			if err != nil || !cmd.Succeeded() {
				_ = c.status.Update(StatusError, ModeOn, true)
				return c.err("write_config", fmt.Errorf("failed sending POWERON (%s)", statusOrErr(cmd, err)))
			}
		}
	}

	return c.Reset(ctx, true, true)
}

// MarkACFLoaded records path as the source of the most recently loaded
// configuration. WriteConfig does not call this itself, since it accepts
// a parsed Document rather than a path; a caller loading from a file
// should call it after a successful WriteConfig.
func (c *Controller) MarkACFLoaded(path string) {
	c.mu.Lock()
	c.acfLoaded = path
	c.mu.Unlock()
}
