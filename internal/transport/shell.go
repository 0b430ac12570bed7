package transport

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
)

// Shell commands the core is allowed to issue. Everything outside this
// vocabulary belongs to per-topic services, which carry their own
// allow-lists.
var allowedShellCommands = map[string]bool{
	"/system/resource/print":         true,
	"/system/identity/print":         true,
	"/export hide-sensitive compact": true,
}

// ShellClient runs allow-listed RouterOS commands over an SSH session.
type ShellClient struct {
	client  *ssh.Client
	timeout time.Duration
}

// Run executes a single allow-listed command and returns its combined
// output. The command is bounded by the client's timeout even when the
// caller's ctx has no deadline.
func (c *ShellClient) Run(ctx context.Context, command string) (string, error) {
	if !allowedShellCommands[command] {
		return "", ccerrors.New(ccerrors.Validation,
			fmt.Sprintf("shell command not in the core allow-list: %q", command))
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", ccerrors.Wrap(ccerrors.DeviceUnreachable, "opening shell session", err)
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", ccerrors.Wrap(ccerrors.DeviceUnreachable, "shell command failed", r.err)
		}
		return string(r.out), nil
	case <-ctx.Done():
		// Closing the session unblocks the CombinedOutput goroutine.
		session.Close()
		return "", ccerrors.Wrap(ccerrors.DeviceUnreachable, "shell command timed out", ctx.Err())
	}
}

func (c *ShellClient) Close() error {
	return c.client.Close()
}
