package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// EntryPoint moves the client entry point (a virtual ip, a dns record, a load
// balancer target) to the node holding the primary role.
type EntryPoint interface {
	// Claim points the entry point at the local node
	Claim(ctx context.Context) error
	// Release withdraws the local node from the entry point
	Release(ctx context.Context) error
}

// Noop is an entry point doing nothing, for clusters whose clients follow the role by themselves.
type Noop struct{}

func (Noop) Claim(context.Context) error   { return nil }
func (Noop) Release(context.Context) error { return nil }

const defaultCommandTimeout = 10 * time.Second

// CommandEntryPoint runs external commands to claim and release the entry point.
type CommandEntryPoint struct {
	ClaimCommand   []string
	ReleaseCommand []string
	// Timeout bounds each command, defaults to 10s
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c *CommandEntryPoint) Claim(ctx context.Context) error {
	return c.run(ctx, "claim", c.ClaimCommand)
}

func (c *CommandEntryPoint) Release(ctx context.Context) error {
	return c.run(ctx, "release", c.ReleaseCommand)
}

func (c *CommandEntryPoint) run(ctx context.Context, action string, command []string) error {
	if len(command) == 0 {
		return nil
	}
	if command[0] == "" {
		return fmt.Errorf("%s command is empty", action)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(execCtx, command[0], command[1:]...).CombinedOutput()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s command %q timed out after %s", action, strings.Join(command, " "), timeout)
	}
	if err != nil {
		return fmt.Errorf("run %s command %q: %w: %s", action, strings.Join(command, " "), err, strings.TrimSpace(string(out)))
	}
	if c.Logger != nil {
		c.Logger.Info("entry point command finished", "action", action, "output", strings.TrimSpace(string(out)))
	}
	return nil
}

var (
	_ EntryPoint = Noop{}
	_ EntryPoint = (*CommandEntryPoint)(nil)
)
