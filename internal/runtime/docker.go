// Package runtime executes engine invocations as isolated, resource-capped
// containers via the docker CLI. The gateway enforces the declared ceilings,
// guarantees removal of the unit after completion, and reaps orphans left by
// crashes.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/apiscan-orchestrator/internal/engine"
)

// ErrUnavailable means the container runtime itself is unreachable; no scans
// can be dispatched while it persists.
var ErrUnavailable = errors.New("container runtime unavailable")

const (
	labelScanID    = "apiscan.scan-id"
	labelNamespace = "apiscan.namespace"
)

// Result is the outcome of one engine run.
type Result struct {
	ExitCode int
	TimedOut bool
	Output   string
}

// Gateway is the execution primitive the coordinator depends on.
type Gateway interface {
	Run(ctx context.Context, inv *engine.Invocation) (*Result, error)
	Stop(ctx context.Context, scanID string) error
	Ping(ctx context.Context) error
}

// DockerGateway shells out to the docker CLI. Namespace separates deployment
// environments sharing one daemon: every unit is labeled with it and the
// reaper only touches its own namespace.
type DockerGateway struct {
	bin       string
	namespace string
	log       *zap.SugaredLogger
}

func NewDockerGateway(bin, namespace string, log *zap.SugaredLogger) *DockerGateway {
	if bin == "" {
		bin = "docker"
	}
	return &DockerGateway{bin: bin, namespace: namespace, log: log}
}

// Run executes the invocation and always removes the unit afterwards,
// regardless of outcome. An error return means the unit failed to start;
// engine-level failures surface as a non-zero ExitCode instead.
func (g *DockerGateway) Run(ctx context.Context, inv *engine.Invocation) (*Result, error) {
	name := containerName(inv)
	args := g.runArgs(inv, name)

	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	defer g.remove(name)

	cmd := exec.CommandContext(runCtx, g.bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := &Result{Output: out.String()}
	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// The docker binary itself could not run.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res.ExitCode = exitErr.ExitCode()
	// 125-127 are docker's own codes: daemon error, command not runnable,
	// command not found. The unit never started.
	if res.ExitCode >= 125 && res.ExitCode <= 127 {
		return nil, fmt.Errorf("start %s: docker exit %d: %s", inv.Engine, res.ExitCode, firstLine(res.Output))
	}
	return res, nil
}

func (g *DockerGateway) runArgs(inv *engine.Invocation, name string) []string {
	args := []string{
		"run",
		"--name", name,
		"--label", labelScanID + "=" + inv.ScanID,
		"--label", labelNamespace + "=" + g.namespace,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}
	for _, c := range inv.CapAdd {
		args = append(args, "--cap-add", c)
	}
	if inv.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(inv.MemoryMB)+"m")
	}
	if inv.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(inv.CPUs, 'f', -1, 64))
	}
	if inv.ArtifactDir != "" {
		args = append(args, "-v", inv.ArtifactDir+":/out")
	}
	for _, e := range inv.Env {
		args = append(args, "-e", e)
	}
	args = append(args, inv.Image)
	args = append(args, inv.Cmd...)
	return args
}

// Stop forcibly terminates every unit belonging to a scan.
func (g *DockerGateway) Stop(ctx context.Context, scanID string) error {
	ids, err := g.list(ctx, "--filter", "label="+labelScanID+"="+scanID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if out, err := g.docker(ctx, "rm", "-f", id); err != nil {
			g.log.Warnw("force remove failed", "container", id, "output", out)
		}
	}
	return nil
}

// Ping verifies the runtime is reachable.
func (g *DockerGateway) Ping(ctx context.Context) error {
	if _, err := g.docker(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ReapOrphans removes exited or created units in this gateway's namespace.
// Running units belong to in-flight scans and are left alone.
func (g *DockerGateway) ReapOrphans(ctx context.Context) (int, error) {
	var reaped int
	for _, status := range []string{"exited", "created", "dead"} {
		ids, err := g.list(ctx,
			"--filter", "label="+labelNamespace+"="+g.namespace,
			"--filter", "status="+status)
		if err != nil {
			return reaped, err
		}
		for _, id := range ids {
			if _, err := g.docker(ctx, "rm", "-f", id); err != nil {
				g.log.Warnw("reap failed", "container", id, "error", err)
				continue
			}
			reaped++
		}
	}
	return reaped, nil
}

// RunReaper cleans up orphaned units on a fixed interval until ctx ends.
func (g *DockerGateway) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := g.ReapOrphans(ctx)
			if err != nil {
				g.log.Warnw("reaper pass failed", "error", err)
			} else if n > 0 {
				g.log.Infow("reaped orphaned containers", "count", n)
			}
		}
	}
}

func (g *DockerGateway) list(ctx context.Context, filters ...string) ([]string, error) {
	args := append([]string{"ps", "-aq"}, filters...)
	out, err := g.docker(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

func (g *DockerGateway) docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func (g *DockerGateway) remove(name string) {
	// Best-effort removal with its own deadline so a wedged daemon cannot
	// block scan completion.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if out, err := g.docker(ctx, "rm", "-f", name); err != nil {
		g.log.Warnw("container removal failed", "container", name, "output", firstLine(out))
	}
}

func containerName(inv *engine.Invocation) string {
	id := inv.ScanID
	if len(id) > 8 {
		id = id[:8]
	}
	return "apiscan-" + id + "-" + inv.Engine
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
