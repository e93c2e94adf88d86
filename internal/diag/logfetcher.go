// Package diag provides a narrow, read-only maintenance channel to the
// host running the Archon's network interface box: tailing its system
// log over SSH. There is no attribute-write path here, since nothing in
// this driver's scope needs to mutate remote host state.
package diag

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// DialTimeout bounds how long connecting to the remote host may take.
const DialTimeout = 5 * time.Second

// LogFetcher tails a log file on the Archon interface host over SSH.
type LogFetcher struct {
	addr   string
	config *ssh.ClientConfig
}

// NewLogFetcher builds a fetcher that authenticates with the given SSH
// client config (typically ssh.ClientConfig populated from a key or
// agent auth method by the caller).
func NewLogFetcher(addr string, config *ssh.ClientConfig) *LogFetcher {
	return &LogFetcher{addr: addr, config: config}
}

// Tail runs `tail -n <lines> <path>` over a fresh SSH session and
// returns its stdout. Each call dials, runs, and closes; there is no
// persistent session to manage or leak.
func (f *LogFetcher) Tail(ctx context.Context, path string, lines int) (string, error) {
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return "", fmt.Errorf("diag: dial %s: %w", f.addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, f.addr, f.config)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("diag: ssh handshake with %s: %w", f.addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("diag: open session: %w", err)
	}
	defer session.Close()

	if deadline, ok := ctx.Deadline(); ok {
		timer := time.AfterFunc(time.Until(deadline), func() { _ = session.Close() })
		defer timer.Stop()
	}

	var stdout bytes.Buffer
	session.Stdout = &stdout

	cmd := fmt.Sprintf("tail -n %d %s", lines, shellQuote(path))
	if err := session.Run(cmd); err != nil {
		return "", fmt.Errorf("diag: run %q: %w", cmd, err)
	}
	return stdout.String(), nil
}

// shellQuote wraps path in single quotes for safe inclusion in the
// remote shell command, escaping any literal single quotes it contains.
func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
