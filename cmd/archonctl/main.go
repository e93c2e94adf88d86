// Command archonctl is a thin operator CLI over the archon package: one
// subcommand per Controller verb, dispatched from flag-parsed arguments
// since a single Archon controller exposes many independent verbs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sdss/archon/internal/acfio"
	"github.com/sdss/archon/internal/archon"
	"github.com/sdss/archon/internal/discovery"
	"github.com/sdss/archon/internal/telemetry"
)

var dialController = archon.Connect

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, getenv func(string) string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: archonctl <status|expose|flush|readout|abort|fetch|readconfig|writeconfig|reset|serve|discover> [flags]")
	}

	defaultAddr := strings.TrimSpace(getenv("ARCHON_ADDR"))
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:4242"
	}

	verb := args[0]
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	addr := fs.String("addr", defaultAddr, "controller host:port address")
	name := fs.String("name", "archon", "controller name, used only in log fields and errors")
	timeout := fs.Duration("timeout", 10*time.Second, "connect/command timeout")

	var exposureTime time.Duration
	var binning int
	var readout bool
	var bufferNo int
	var outputPath string
	var count int
	var force bool
	var block bool
	var webAddr string

	switch verb {
	case "expose":
		fs.DurationVar(&exposureTime, "exptime", time.Second, "exposure time")
		fs.IntVar(&binning, "binning", 1, "horizontal/vertical binning factor")
		fs.BoolVar(&readout, "readout", true, "read out the detector after integration")
	case "fetch":
		fs.IntVar(&bufferNo, "buffer", -1, "frame buffer to fetch (1, 2, 3, or -1 for latest complete)")
		fs.StringVar(&outputPath, "out", "", "raw pixel output path (required)")
	case "flush":
		fs.IntVar(&count, "count", 1, "flush cycle count")
	case "readout":
		fs.BoolVar(&force, "force", false, "read out even if not in an IDLE|READOUT_PENDING state")
		fs.BoolVar(&block, "block", true, "block until the readout completes")
	case "writeconfig":
		fs.StringVar(&outputPath, "file", "", "ACF file to load (required)")
	case "readconfig":
		fs.StringVar(&outputPath, "file", "", "ACF file to write (required)")
	case "serve":
		fs.StringVar(&webAddr, "webaddr", ":8080", "telemetry HTTP server address")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if verb == "discover" {
		return cmdDiscover(context.Background(), out, *timeout)
	}

	connectCtx := context.Background()
	var cancel context.CancelFunc
	if verb != "serve" {
		connectCtx, cancel = context.WithTimeout(connectCtx, *timeout)
		defer cancel()
	}

	ctrl, err := dialController(connectCtx, *name, *addr, archon.DefaultSettings(), nil, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ctrl.Close()

	switch verb {
	case "status":
		return cmdStatus(connectCtx, out, ctrl)
	case "expose":
		return cmdExpose(connectCtx, out, ctrl, exposureTime, binning, readout)
	case "abort":
		return ctrl.Abort(connectCtx, readout)
	case "flush":
		return ctrl.Flush(connectCtx, count, 0)
	case "readout":
		return ctrl.Readout(connectCtx, force, block, 0, 0)
	case "fetch":
		return cmdFetch(connectCtx, out, ctrl, bufferNo, outputPath)
	case "readconfig":
		return cmdReadConfig(connectCtx, ctrl, outputPath)
	case "writeconfig":
		return cmdWriteConfig(connectCtx, out, ctrl, outputPath)
	case "reset":
		return ctrl.Reset(connectCtx, true, true)
	case "serve":
		return cmdServe(out, ctrl, webAddr)
	default:
		return fmt.Errorf("unknown subcommand %q", verb)
	}
}

// cmdServe wires a telemetry Hub to ctrl (via SetReporter, so every
// exposure/fetch lifecycle event gets recorded) and serves it over HTTP
// until interrupted.
func cmdServe(out io.Writer, ctrl *archon.Controller, webAddr string) error {
	hub := telemetry.NewHub(0, nil)
	ctrl.SetReporter(telemetry.NewControllerReporter(hub))

	ws := telemetry.NewWebServer(webAddr, hub, ctrl, nil)
	fmt.Fprintf(out, "serving telemetry on %s\n", webAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ws.Start(ctx)
	return nil
}

// cmdDiscover browses the local network for Archon controllers
// advertising themselves over mDNS and prints what it finds, including
// the firmware version and backplane id when the controller advertises
// them in its TXT record.
func cmdDiscover(ctx context.Context, out io.Writer, timeout time.Duration) error {
	start := time.Now()
	controllers, err := discovery.Discover(ctx, timeout)
	duration := time.Since(start)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	if len(controllers) == 0 {
		fmt.Fprintf(out, "no controllers found (%s)\n", duration.Truncate(time.Millisecond))
		return nil
	}

	fmt.Fprintf(out, "discovered %d controller(s) in %s\n", len(controllers), duration.Truncate(time.Millisecond))
	for i, c := range controllers {
		fmt.Fprintf(out, "controller #%d\n", i+1)
		fmt.Fprintf(out, "  instance  : %s\n", c.Instance)
		fmt.Fprintf(out, "  hostname  : %s\n", c.Hostname)
		fmt.Fprintf(out, "  port      : %d\n", c.Port)
		if c.FirmwareVersion != "" {
			fmt.Fprintf(out, "  firmware  : %s\n", c.FirmwareVersion)
		}
		if c.BackplaneID != "" {
			fmt.Fprintf(out, "  backplane : %s\n", c.BackplaneID)
		}
		if len(c.Addresses) == 0 {
			fmt.Fprintln(out, "  addresses : <none>")
		} else {
			fmt.Fprintln(out, "  addresses :")
			for _, ip := range c.Addresses {
				fmt.Fprintf(out, "    - %s\n", ip.String())
			}
		}
		fmt.Fprintln(out, "  connection hints:")
		for _, ip := range c.Addresses {
			if ip.To4() != nil {
				fmt.Fprintf(out, "    - tcp://%s:%d\n", ip.String(), c.Port)
			} else {
				fmt.Fprintf(out, "    - tcp://[%s]:%d\n", ip.String(), c.Port)
			}
		}
	}
	return nil
}

func cmdStatus(ctx context.Context, out io.Writer, ctrl *archon.Controller) error {
	kw, err := ctrl.GetDeviceStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "status: %s\n", ctrl.Status())
	for k, v := range kw {
		fmt.Fprintf(out, "  %s = %s\n", k, v)
	}
	return nil
}

func cmdExpose(ctx context.Context, out io.Writer, ctrl *archon.Controller, exposureTime time.Duration, binning int, readout bool) error {
	task, err := ctrl.Expose(ctx, exposureTime, binning, readout)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "exposure started: %s, binning %d, readout=%t\n", exposureTime, binning, readout)
	select {
	case <-task.Done():
		if err := task.Err(); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	fmt.Fprintf(out, "exposure finished, status: %s\n", ctrl.Status())
	return nil
}

func cmdFetch(ctx context.Context, out io.Writer, ctrl *archon.Controller, bufferNo int, outputPath string) error {
	if outputPath == "" {
		return fmt.Errorf("fetch requires -out")
	}
	fb, err := ctrl.Fetch(ctx, bufferNo, func(msg string) { fmt.Fprintln(out, msg) })
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "fetched buffer %d: %dx%d\n", fb.BufferNo, fb.Width, fb.Height)
	return os.WriteFile(outputPath, fb.Raw, 0o644)
}

func cmdReadConfig(ctx context.Context, ctrl *archon.Controller, outputPath string) error {
	if outputPath == "" {
		return fmt.Errorf("readconfig requires -file")
	}
	doc, err := ctrl.ReadConfig(ctx)
	if err != nil {
		return err
	}
	text, err := acfio.Encode(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte(text), 0o644)
}

func cmdWriteConfig(ctx context.Context, out io.Writer, ctrl *archon.Controller, path string) error {
	if path == "" {
		return fmt.Errorf("writeconfig requires -file")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := acfio.Decode(string(raw))
	if err != nil {
		return err
	}
	if err := ctrl.WriteConfig(ctx, doc, true, true, func(msg string) { fmt.Fprintln(out, msg) }); err != nil {
		return err
	}
	ctrl.MarkACFLoaded(path)
	return nil
}
