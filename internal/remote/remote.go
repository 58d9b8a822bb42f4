// Package remote pushes the rendered configuration onto the freshly
// installed target over the forwarded SSH port and drives it to a graceful
// power-off.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/markim/hetz-prox/internal/run"
	"github.com/markim/hetz-prox/internal/templates"
)

// ErrConfigurationPush marks a failed file push. Unlike the command steps, a
// partial template set would leave the target with inconsistent network and
// identity files, so this aborts the run.
var ErrConfigurationPush = errors.New("configuration push failed")

// Runner is the remote channel primitive pair: command execution and file
// push. The production implementation speaks SSH/SFTP to the forwarded
// endpoint; tests substitute a recorder.
type Runner interface {
	Run(ctx context.Context, command string) (run.Result, error)
	Push(ctx context.Context, dest string, body []byte, mode os.FileMode) error
}

// Plan is everything the executor applies, already rendered.
type Plan struct {
	Files      []templates.Rendered // pushed verbatim to their destinations
	ResolvConf string               // written in place of the target's resolver config
	Hostname   string
}

// Executor applies a Plan as an ordered, non-parallel step sequence.
type Executor struct {
	logger *slog.Logger
	runner Runner
}

func NewExecutor(logger *slog.Logger, runner Runner) *Executor {
	return &Executor{logger: logger, runner: runner}
}

// InvalidateHostKey drops any stale known_hosts record for the forwarded
// endpoint. Every run boots a new host behind the same loopback port, so a
// record from a previous run would block the connection. Absence of a record
// is as good as removal; failures are ignored.
func InvalidateHostKey(ctx context.Context, logger *slog.Logger, endpoint string) {
	result, err := run.Command(ctx, "ssh-keygen", "-R", endpoint)
	if err != nil || result.Failed() {
		logger.Debug("host key invalidation skipped", "endpoint", endpoint, "error", err)
	}
}

// Apply runs the configuration sequence. File pushes are fatal; the
// state-correcting commands tolerate non-zero exits because the target may
// already be in the desired state.
func (e *Executor) Apply(ctx context.Context, plan Plan) error {
	for _, file := range plan.Files {
		e.logger.Info("pushing configuration file", "template", file.Name, "dest", file.Dest)
		if err := e.runner.Push(ctx, file.Dest, []byte(file.Body), 0o644); err != nil {
			return fmt.Errorf("%w: %s -> %s: %v", ErrConfigurationPush, file.Name, file.Dest, err)
		}
	}

	steps := []struct {
		name    string
		command string
	}{
		{
			"disable enterprise package sources",
			"rm -f /etc/apt/sources.list.d/pve-enterprise.list /etc/apt/sources.list.d/ceph.list",
		},
		{
			"overwrite name resolution",
			fmt.Sprintf("cat > /etc/resolv.conf <<'HETZPROX_EOF'\n%sHETZPROX_EOF", plan.ResolvConf),
		},
		{
			"set hostname",
			fmt.Sprintf("hostnamectl set-hostname %s", plan.Hostname),
		},
		{
			"disable rpcbind",
			"systemctl disable --now rpcbind rpcbind.socket",
		},
		{
			"request graceful power-off",
			"poweroff",
		},
	}

	for _, step := range steps {
		e.logger.Info("running remote step", "step", step.name)
		result, err := e.runner.Run(ctx, step.command)
		if err != nil {
			// Power-off tears the connection down under us; the
			// process-exit wait is the real completion signal.
			e.logger.Warn("remote step did not complete cleanly", "step", step.name, "error", err)
			continue
		}
		if result.Failed() {
			e.logger.Warn("remote step exited non-zero, continuing",
				"step", step.name, "exit_code", result.ExitCode, "output", result.OutputTail(5))
		}
	}
	return nil
}
