package archon

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sdss/archon/internal/logging"
)

// ExposureTask tracks the background timer started by Expose: the
// integration runs for its requested duration and then, unless the
// exposure was aborted in the meantime, transitions the controller into
// READING (or IDLE|READOUT_PENDING for a no-readout exposure). It is the
// Go translation of the asyncio.Task that `expose()` returns.
type ExposureTask struct {
	done chan struct{}
	err  error
}

// Done is closed once the background transition has run to completion.
func (t *ExposureTask) Done() <-chan struct{} { return t.done }

// Err returns the terminal error, if any, once Done is closed.
func (t *ExposureTask) Err() error { return t.err }

func (t *ExposureTask) finish(err error) {
	t.err = err
	close(t.done)
}

// settleToIdle clears bits and sets IDLE as a single observable
// transition: IDLE is applied first without notifying, and the call
// that clears bits (which callers have just set) publishes the final
// mask, so a Subscribe listener never sees the intermediate state and
// still sees the change when IDLE was already set.
func (c *Controller) settleToIdle(bits Status) {
	_ = c.status.Update(StatusIdle, ModeOn, false)
	_ = c.status.Update(bits, ModeOff, true)
}

// Expose resets the controller, arms the exposure and binning
// parameters, releases timing, and marks EXPOSING|READOUT_PENDING. It
// returns immediately; the returned ExposureTask resolves once the
// wall-clock integration time elapses (or the context is cancelled) and
// the post-integration status transition has been applied.
func (c *Controller) Expose(ctx context.Context, exposureTime time.Duration, binning int, readout bool) (*ExposureTask, error) {
	if c.Status().Has(StatusReadoutPending) {
		return nil, c.err("expose", fmt.Errorf("controller has a readout pending; read the device or flush"))
	}

	if err := c.Reset(ctx, false, false); err != nil {
		return nil, err
	}

	readoutParam := 0
	if readout {
		readoutParam = 1
	}
	if _, err := c.SetParam(ctx, "ReadOut", readoutParam); err != nil {
		return nil, err
	}
	if _, err := c.SetParam(ctx, "IntMS", int(exposureTime.Milliseconds())); err != nil {
		return nil, err
	}
	if _, err := c.SetParam(ctx, "Exposures", 1); err != nil {
		return nil, err
	}
	if _, err := c.SetParam(ctx, "HorizontalBinning", binning); err != nil {
		return nil, err
	}
	if _, err := c.SetParam(ctx, "VerticalBinning", binning); err != nil {
		return nil, err
	}

	if _, err := c.SendCommand(ctx, "RESETTIMING", c.Settings.CommandTimeout); err != nil {
		return nil, err
	}
	if _, err := c.SendCommand(ctx, "RELEASETIMING", c.Settings.CommandTimeout); err != nil {
		return nil, err
	}

	_ = c.status.Update(StatusExposing|StatusReadoutPending, ModeOn, true)
	c.report("exposure_started", fmt.Sprintf("%s exposure, binning %d, readout=%t", exposureTime, binning, readout))

	task := &ExposureTask{done: make(chan struct{})}
	go c.runExposureTimer(ctx, task, exposureTime, readout)
	return task, nil
}

func (c *Controller) runExposureTimer(ctx context.Context, task *ExposureTask, exposureTime time.Duration, readout bool) {
	sleepCtx(ctx, exposureTime)
	if ctx.Err() != nil {
		task.finish(ctx.Err())
		c.report("exposure_error", ctx.Err().Error())
		return
	}
	if !c.Status().Has(StatusExposing) {
		// Aborted externally; abort() already applied its own transition.
		task.finish(nil)
		return
	}
	if !readout {
		c.settleIdleReadoutPending()
		task.finish(nil)
		c.report("exposure_completed", "integration finished, readout disabled")
		return
	}

	frame, err := c.GetFrame(ctx)
	if err != nil {
		task.finish(err)
		c.report("exposure_error", err.Error())
		return
	}
	if !frame.Complete(frame.WBuf) {
		_ = c.status.Update(StatusExposing|StatusReadoutPending, ModeOff, false)
		_ = c.status.Update(StatusReading, ModeOn, true)
		task.finish(nil)
		c.report("exposure_completed", "integration finished, reading out")
		return
	}
	finishErr := c.err("expose", fmt.Errorf("controller is not reading"))
	task.finish(finishErr)
	c.report("exposure_error", finishErr.Error())
}

func (c *Controller) settleIdleReadoutPending() {
	_ = c.status.Update(StatusIdle|StatusReadoutPending, ModeOn, false)
	_ = c.status.Update(StatusExposing, ModeOff, true)
}

// Abort aborts the current exposure. Requires EXPOSING to be set.
// Charge is not flushed; if readout is true the detector transitions
// directly into READING instead of idling.
func (c *Controller) Abort(ctx context.Context, readout bool) error {
	if !c.Status().Has(StatusExposing) {
		return c.err("abort", fmt.Errorf("controller is not exposing"))
	}

	readoutParam := 0
	if readout {
		readoutParam = 1
	}
	if _, err := c.SetParam(ctx, "ReadOut", readoutParam); err != nil {
		return err
	}
	if _, err := c.SetParam(ctx, "AbortExposure", 1); err != nil {
		return err
	}

	if readout {
		_ = c.status.Update(StatusExposing|StatusReadoutPending, ModeOff, false)
		_ = c.status.Update(StatusReading, ModeOn, true)
	} else {
		c.settleIdleReadoutPending()
	}
	return nil
}

// Flush resets the controller and flushes the detector for count
// cycles, blocking until the flush duration elapses.
func (c *Controller) Flush(ctx context.Context, count int, waitFor time.Duration) error {
	if err := c.Reset(ctx, true, true); err != nil {
		return err
	}
	if _, err := c.SendCommand(ctx, "HOLDTIMING", c.Settings.CommandTimeout); err != nil {
		return err
	}
	if _, err := c.SetParam(ctx, "FlushCount", count); err != nil {
		return err
	}
	if _, err := c.SetParam(ctx, "DoFlush", 1); err != nil {
		return err
	}
	if _, err := c.SendCommand(ctx, "RELEASETIMING", c.Settings.CommandTimeout); err != nil {
		return err
	}

	_ = c.status.Update(StatusFlushing, ModeOn, true)
	if waitFor <= 0 {
		waitFor = c.Settings.FlushingPerCount
	}
	sleepCtx(ctx, time.Duration(count)*waitFor)
	c.settleToIdle(StatusFlushing)
	return nil
}

// Readout drives the detector into READING, optionally blocking until
// the active buffer reports complete.
func (c *Controller) Readout(ctx context.Context, force, block bool, delay int, waitFor time.Duration) error {
	expected := StatusReadoutPending | StatusIdle
	if !force && c.Status() != expected {
		return c.err("readout", fmt.Errorf("controller is not in a readable state"))
	}

	if _, err := c.SendCommand(ctx, "HOLDTIMING", c.Settings.CommandTimeout); err != nil {
		return err
	}
	if _, err := c.SetParam(ctx, "ReadOut", 1); err != nil {
		return err
	}
	if delay > 0 {
		if _, err := c.SetParam(ctx, "WaitCount", delay); err != nil {
			return err
		}
	}
	if _, err := c.SendCommand(ctx, "RESETTIMING", c.Settings.CommandTimeout); err != nil {
		return err
	}
	if _, err := c.SendCommand(ctx, "RELEASETIMING", c.Settings.CommandTimeout); err != nil {
		return err
	}

	_ = c.status.Update(StatusReadoutPending, ModeOff, false)
	_ = c.status.Update(StatusReading, ModeOn, true)

	if !block {
		return nil
	}

	maxWait := c.Settings.ReadoutMax
	if waitFor <= 0 {
		waitFor = 3 * time.Second
	}
	sleepCtx(ctx, waitFor)
	waited := waitFor

	frame, err := c.GetFrame(ctx)
	if err != nil {
		return err
	}
	wbuf := frame.WBuf

	for {
		if waited > maxWait {
			_ = c.status.Update(StatusError, ModeOn, true)
			return c.err("readout", fmt.Errorf("timed out waiting for controller to finish reading"))
		}
		frame, err = c.GetFrame(ctx)
		if err != nil {
			return err
		}
		if frame.Complete(wbuf) {
			c.status.Set(StatusIdle, true)
			return c.SetAutoflush(ctx, true)
		}
		waited += time.Second
		sleepCtx(ctx, time.Second)
	}
}

// Fetch reads a complete frame buffer off the controller and decodes it
// into a FrameBuffer. bufferNo selects which of [1,2,3] to read, or -1
// to pick whichever complete buffer has the most recent timestamp.
func (c *Controller) Fetch(ctx context.Context, bufferNo int, notify func(string), opts ...FetchOption) (*FrameBuffer, error) {
	if notify == nil {
		notify = func(string) {}
	}
	if c.Status().Has(StatusFetching) {
		return nil, c.err("fetch", fmt.Errorf("controller is already fetching"))
	}

	cfg := &fetchOptions{}
	for _, o := range opts {
		o(cfg)
	}

	frameInfo, err := c.GetFrame(ctx)
	if err != nil {
		return nil, err
	}

	switch bufferNo {
	case 1, 2, 3:
		if !frameInfo.Complete(bufferNo) {
			return nil, c.err("fetch", fmt.Errorf("buffer frame %d cannot be read", bufferNo))
		}
	case -1:
		bufferNo, err = frameInfo.LatestComplete()
		if err != nil {
			return nil, c.err("fetch", err)
		}
	default:
		return nil, c.err("fetch", fmt.Errorf("invalid frame buffer %d", bufferNo))
	}

	_ = c.status.Update(StatusFetching, ModeOn, true)

	notify(fmt.Sprintf("Locking buffer %d", bufferNo))
	if _, err := c.SendCommand(ctx, fmt.Sprintf("LOCK%d", bufferNo), c.Settings.CommandTimeout); err != nil {
		c.settleToIdle(StatusFetching)
		return nil, err
	}

	width, height, sample, base, err := frameInfo.Geometry(bufferNo)
	if err != nil {
		c.settleToIdle(StatusFetching)
		return nil, err
	}
	bytesPerPixel := 2
	if sample != Sample16Bit {
		bytesPerPixel = 4
	}
	nBytes := width * height * bytesPerPixel
	nBlocks := int(math.Ceil(float64(nBytes) / float64(binaryChunkSize)))

	notify("Reading frame buffer")
	c.conn.ExpectBinaryChunks(nBlocks)

	cmd, err := c.conn.Send(fmt.Sprintf("FETCH%08X%08X", base, nBlocks), 1, 0)
	if err != nil {
		c.settleToIdle(StatusFetching)
		return nil, err
	}
	if _, err := cmd.Wait(ctx); err != nil {
		c.settleToIdle(StatusFetching)
		return nil, err
	}

	notify("Frame buffer readout complete, unlocking all buffers")
	if _, err := c.SendCommand(ctx, "LOCK0", c.Settings.CommandTimeout); err != nil {
		c.logger.Warn("failed to unlock buffers after fetch", logging.Field{Key: "error", Value: err.Error()})
	}

	if !cmd.Succeeded() {
		c.settleToIdle(StatusFetching)
		return nil, c.err("fetch", fmt.Errorf("FETCH command finished with status %s", cmd.Status()))
	}

	replies := cmd.Replies()
	if len(replies) == 0 {
		c.settleToIdle(StatusFetching)
		return nil, c.err("fetch", fmt.Errorf("FETCH returned no data"))
	}
	raw := replies[0].Payload
	if len(raw) > nBytes {
		raw = raw[:nBytes]
	}

	fb, err := newFrameBuffer(bufferNo, width, height, sample, raw)
	if err != nil {
		c.settleToIdle(StatusFetching)
		return nil, err
	}

	if cfg.writer != nil {
		if err := cfg.writer.WriteFrame(c.Name, fb, cfg.header, cfg.targetPath); err != nil {
			c.settleToIdle(StatusFetching)
			return nil, c.err("fetch", fmt.Errorf("frame writer: %w", err))
		}
	}
	if cfg.recovery != nil {
		if err := cfg.recovery.Record(c.Name, cfg.header, cfg.targetPath); err != nil {
			c.warn("failed recording exposure state", logging.Field{Key: "error", Value: err.Error()})
		}
	}

	c.settleToIdle(StatusFetching)
	c.report("fetch_completed", fmt.Sprintf("buffer %d, %dx%d", bufferNo, width, height))
	return fb, nil
}
