package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sdss/archon/internal/archon"
	"github.com/sdss/archon/internal/logging"
)

func TestRunParsesAddressFromFlagAndEnv(t *testing.T) {
	mockedDial := func(_ context.Context, _, addr string, _ archon.Settings, _ *archon.ReconnectPolicy, _ logging.Logger) (*archon.Controller, error) {
		return nil, errors.New(addr)
	}
	prev := dialController
	dialController = mockedDial
	defer func() { dialController = prev }()

	buf := &strings.Builder{}
	getenv := func(key string) string {
		if key == "ARCHON_ADDR" {
			return "env:1234"
		}
		return ""
	}

	err := run([]string{"status", "-addr", "flag:5678"}, buf, getenv)
	if err == nil || !strings.Contains(err.Error(), "flag:5678") {
		t.Fatalf("expected dial to receive flag address, got %v", err)
	}

	err = run([]string{"status"}, buf, getenv)
	if err == nil || !strings.Contains(err.Error(), "env:1234") {
		t.Fatalf("expected dial to receive env address, got %v", err)
	}
}

func TestRunRequiresASubcommand(t *testing.T) {
	if err := run(nil, &strings.Builder{}, func(string) string { return "" }); err == nil {
		t.Fatal("expected an error when no subcommand is given")
	}
}

func TestRunDiscoverBypassesDial(t *testing.T) {
	dialCalled := false
	mockedDial := func(_ context.Context, _, _ string, _ archon.Settings, _ *archon.ReconnectPolicy, _ logging.Logger) (*archon.Controller, error) {
		dialCalled = true
		return nil, errors.New("dial should not be reached for discover")
	}
	prev := dialController
	dialController = mockedDial
	defer func() { dialController = prev }()

	_ = run([]string{"discover", "-timeout", "1ms"}, &strings.Builder{}, func(string) string { return "" })
	if dialCalled {
		t.Fatal("expected discover to return before reaching dialController")
	}
}

func TestRunPropagatesDialError(t *testing.T) {
	mockedDial := func(_ context.Context, _, _ string, _ archon.Settings, _ *archon.ReconnectPolicy, _ logging.Logger) (*archon.Controller, error) {
		return nil, errors.New("connection refused")
	}
	prev := dialController
	dialController = mockedDial
	defer func() { dialController = prev }()

	err := run([]string{"status"}, &strings.Builder{}, func(string) string { return "" })
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected dial error to propagate, got %v", err)
	}
}
