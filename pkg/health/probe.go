package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/danl5/goha/pkg/model"
)

// ProbeFunc runs one probe against target. A nil error means healthy.
// The context carries the check timeout.
type ProbeFunc func(ctx context.Context, target string) error

// pinger is implemented by model.Bus and model.Store
type pinger interface {
	Ping(ctx context.Context) error
}

// NetworkProbe checks tcp reachability of a host:port target.
func NetworkProbe(ctx context.Context, target string) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	return conn.Close()
}

// PingProbe adapts a bus or store Ping to a probe; the target is ignored.
func PingProbe(p pinger) ProbeFunc {
	return func(ctx context.Context, _ string) error {
		if p == nil {
			return errors.New("nothing to ping")
		}
		return p.Ping(ctx)
	}
}

// ScriptProbe runs the executable at target, exit code 0 is healthy.
func ScriptProbe(ctx context.Context, target string) error {
	path := strings.TrimSpace(target)
	if path == "" {
		return errors.New("health script path must not be empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("health script path must be absolute: %s", target)
	}

	out, err := exec.CommandContext(ctx, path).CombinedOutput()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New("health script timed out")
		}
		return ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("health script exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(out)))
		}
		return fmt.Errorf("health script execution failed: %w", err)
	}
	return nil
}

// defaultProbes are the probe kinds available without any dependency
func defaultProbes() map[model.CheckType]ProbeFunc {
	return map[model.CheckType]ProbeFunc{
		model.CheckNetwork: NetworkProbe,
		model.CheckScript:  ScriptProbe,
	}
}
