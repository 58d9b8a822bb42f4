// Package pipeline sequences one provisioning run: inventory, topology,
// answer artifact, install media, the two virtualization sessions and the
// remote configuration push. Phases run in a fixed order; the first fatal
// failure aborts the run after cleaning up live side effects.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/markim/hetz-prox/internal/answer"
	"github.com/markim/hetz-prox/internal/netinfo"
	"github.com/markim/hetz-prox/internal/profile"
	"github.com/markim/hetz-prox/internal/remote"
	"github.com/markim/hetz-prox/internal/templates"
	"github.com/markim/hetz-prox/internal/topology"
	"github.com/markim/hetz-prox/internal/vm"
)

// Phase names, in execution order.
type Phase string

const (
	PhaseInventory       Phase = "inventory"
	PhaseArtifact        Phase = "artifact"
	PhaseImage           Phase = "image"
	PhaseInstall         Phase = "install"
	PhaseConfigureVM     Phase = "configure-session"
	PhaseNetworkReady    Phase = "network-ready"
	PhaseRemoteConfigure Phase = "remote-configure"
	PhasePowerOff        Phase = "power-off"
)

// PhaseError reports which phase failed and carries any captured log.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func fail(phase Phase, err error) error {
	return &PhaseError{Phase: phase, Err: err}
}

// VMSession is the live configure-session handle the pipeline owns.
type VMSession interface {
	Wait() error
	Terminate() error
	Addr() string
}

// VMDriver abstracts the process lifecycle manager.
type VMDriver interface {
	UEFI() bool
	RunInstall(ctx context.Context, spec vm.StartSpec) error
	StartConfigure(ctx context.Context, spec vm.StartSpec) (VMSession, error)
	WaitReady(ctx context.Context, session VMSession) error
}

// ImagePreparer abstracts the install-media boundary.
type ImagePreparer interface {
	EnsurePackages(ctx context.Context, uefi bool) error
	FetchISO(ctx context.Context, path, url string) error
	PrepareEmbedded(ctx context.Context, isoPath, answerPath, outDir string) (string, error)
}

// Collaborators are the external boundaries, injectable for tests.
type Collaborators struct {
	Inventory   func(ctx context.Context) ([]topology.Disk, error)
	Network     func() (netinfo.HostNetwork, error)
	Preparer    ImagePreparer
	Driver      VMDriver
	DialRunner  func(addr, credential string) (remote.Runner, func() error, error)
	BuildVolume func(answerPath, outPath string) error
}

// Config is the fully collected input of one run.
type Config struct {
	Profile    profile.Profile
	Credential string
	Selection  topology.Selection
	Logger     *slog.Logger
}

// Pipeline executes one run. It is not reusable; create a new one per run.
type Pipeline struct {
	cfg    Config
	co     Collaborators
	logger *slog.Logger

	runID  string
	runDir string

	// artifacts produced along the way, validated at each phase entry
	decision   topology.Decision
	answerPath string
	plan       remote.Plan
	bootISO    string
	answerISO  string
}

// New validates the configuration and prepares a fresh run directory so a
// rerun never reuses a stale artifact or image.
func New(cfg Config, co Collaborators) (*Pipeline, error) {
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.Credential == "" {
		return nil, answer.ErrEmptyCredential
	}

	runID := uuid.NewString()
	runDir := filepath.Join(cfg.Profile.WorkDir, runID)
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	return &Pipeline{
		cfg:    cfg,
		co:     co,
		logger: cfg.Logger.With("run_id", runID),
		runID:  runID,
		runDir: runDir,
	}, nil
}

// RunDir exposes the per-run scratch directory.
func (p *Pipeline) RunDir() string { return p.runDir }

// Run drives the full phase sequence to completion or first fatal error.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.resolveInventory(ctx); err != nil {
		return err
	}
	if err := p.buildArtifact(); err != nil {
		return err
	}
	if err := p.prepareImage(ctx); err != nil {
		return err
	}
	if err := p.runInstall(ctx); err != nil {
		return err
	}
	return p.configureTarget(ctx)
}

func (p *Pipeline) resolveInventory(ctx context.Context) error {
	disks, err := p.co.Inventory(ctx)
	if err != nil {
		return fail(PhaseInventory, err)
	}

	decision, err := topology.Resolve(disks, p.cfg.Selection)
	if err != nil {
		return fail(PhaseInventory, err)
	}
	p.decision = decision

	p.logger.Info("topology resolved",
		"class", decision.Class,
		"assigned", len(decision.Assigned),
		"excluded", len(decision.Excluded),
	)
	for _, disk := range decision.Excluded {
		p.logger.Info("disk left untouched", "path", disk.Path, "size_bytes", disk.SizeBytes)
	}
	return nil
}

func (p *Pipeline) buildArtifact() error {
	if len(p.decision.Assigned) == 0 {
		return fail(PhaseArtifact, errors.New("precondition: no resolved topology"))
	}

	identity := answer.Identity{
		Keyboard:     p.cfg.Profile.Keyboard,
		Country:      p.cfg.Profile.Country,
		FQDN:         p.cfg.Profile.FQDN,
		Mailto:       p.cfg.Profile.Mailto,
		Timezone:     p.cfg.Profile.Timezone,
		RootPassword: p.cfg.Credential,
	}

	doc, err := answer.Build(identity, answer.Network{Source: p.cfg.Profile.NetworkSource}, p.decision)
	if err != nil {
		return fail(PhaseArtifact, err)
	}

	path, err := doc.WriteTo(p.runDir)
	if err != nil {
		return fail(PhaseArtifact, err)
	}
	p.answerPath = path
	p.logger.Info("answer artifact written", "path", path, "filesystem", doc.DiskSetup.Filesystem)

	// The remote plan is rendered now so a bad template table fails the
	// run before anything touches the disks.
	host, err := p.co.Network()
	if err != nil {
		return fail(PhaseArtifact, err)
	}
	set, err := templates.NewSet(host.TemplateValues(p.cfg.Profile.FQDN))
	if err != nil {
		return fail(PhaseArtifact, err)
	}
	rendered, err := set.RenderAll()
	if err != nil {
		return fail(PhaseArtifact, err)
	}

	plan := remote.Plan{Hostname: hostnameOf(p.cfg.Profile.FQDN)}
	for _, r := range rendered {
		if r.Name == "resolvconf" {
			plan.ResolvConf = r.Body
			continue
		}
		plan.Files = append(plan.Files, r)
	}
	p.plan = plan
	return nil
}

func (p *Pipeline) prepareImage(ctx context.Context) error {
	if p.answerPath == "" {
		return fail(PhaseImage, errors.New("precondition: no answer artifact"))
	}

	if err := p.co.Preparer.EnsurePackages(ctx, p.co.Driver.UEFI()); err != nil {
		return fail(PhaseImage, err)
	}
	if err := p.co.Preparer.FetchISO(ctx, p.cfg.Profile.ISOPath, p.cfg.Profile.ISOURL); err != nil {
		return fail(PhaseImage, err)
	}

	switch p.cfg.Profile.AnswerDelivery {
	case "volume":
		volume := filepath.Join(p.runDir, "answer.iso")
		if err := p.co.BuildVolume(p.answerPath, volume); err != nil {
			return fail(PhaseImage, err)
		}
		p.bootISO = p.cfg.Profile.ISOPath
		p.answerISO = volume
	default:
		derived, err := p.co.Preparer.PrepareEmbedded(ctx, p.cfg.Profile.ISOPath, p.answerPath, p.runDir)
		if err != nil {
			return fail(PhaseImage, err)
		}
		p.bootISO = derived
	}

	p.logger.Info("install media prepared", "boot_iso", p.bootISO, "answer_volume", p.answerISO)
	return nil
}

func (p *Pipeline) runInstall(ctx context.Context) error {
	if p.bootISO == "" {
		return fail(PhaseInstall, errors.New("precondition: no prepared image"))
	}

	spec := vm.StartSpec{
		BootISO:      p.bootISO,
		AnswerVolume: p.answerISO,
		Disks:        diskPaths(p.decision.Assigned),
		MemoryMB:     p.cfg.Profile.MemoryMB,
		CPUs:         p.cfg.Profile.CPUs,
		UEFI:         p.co.Driver.UEFI(),
		LogPath:      filepath.Join(p.runDir, "install.log"),
	}

	// Destructive from here on: the installer erases the assigned disks.
	if err := p.co.Driver.RunInstall(ctx, spec); err != nil {
		return fail(PhaseInstall, err)
	}
	return nil
}

func (p *Pipeline) configureTarget(ctx context.Context) (err error) {
	spec := vm.StartSpec{
		Disks:    diskPaths(p.decision.Assigned),
		MemoryMB: p.cfg.Profile.MemoryMB,
		CPUs:     p.cfg.Profile.CPUs,
		UEFI:     p.co.Driver.UEFI(),
		LogPath:  filepath.Join(p.runDir, "configure.log"),
	}

	session, err := p.co.Driver.StartConfigure(ctx, spec)
	if err != nil {
		return fail(PhaseConfigureVM, err)
	}
	defer func() {
		if termErr := session.Terminate(); termErr != nil {
			// The gated phases already ran; report but don't fail.
			p.logger.Warn("configure session teardown incomplete", "error", termErr)
		}
	}()

	if err := p.co.Driver.WaitReady(ctx, session); err != nil {
		return fail(PhaseNetworkReady, err)
	}

	remote.InvalidateHostKey(ctx, p.logger, fmt.Sprintf("[localhost]:%d", vm.HostForwardPort))

	runner, closeRunner, err := p.co.DialRunner(session.Addr(), p.cfg.Credential)
	if err != nil {
		return fail(PhaseRemoteConfigure, err)
	}
	defer func() {
		_ = closeRunner()
	}()

	executor := remote.NewExecutor(p.logger.With("component", "remote"), runner)
	if err := executor.Apply(ctx, p.plan); err != nil {
		return fail(PhaseRemoteConfigure, err)
	}

	p.logger.Info("waiting for target to power off")
	if err := session.Wait(); err != nil {
		return fail(PhasePowerOff, err)
	}

	p.logger.Info("pipeline complete", "run_dir", p.runDir)
	return nil
}

func diskPaths(disks []topology.Disk) []string {
	paths := make([]string, len(disks))
	for i, disk := range disks {
		paths[i] = disk.Path
	}
	return paths
}

func hostnameOf(fqdn string) string {
	for i := 0; i < len(fqdn); i++ {
		if fqdn[i] == '.' {
			return fqdn[:i]
		}
	}
	return fqdn
}
