package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/markim/hetz-prox/internal/answer"
	"github.com/markim/hetz-prox/internal/netinfo"
	"github.com/markim/hetz-prox/internal/profile"
	"github.com/markim/hetz-prox/internal/remote"
	"github.com/markim/hetz-prox/internal/run"
	"github.com/markim/hetz-prox/internal/topology"
	"github.com/markim/hetz-prox/internal/vm"
)

// ---- stubs ----

type stubPreparer struct {
	prepared []string
}

func (s *stubPreparer) EnsurePackages(ctx context.Context, uefi bool) error { return nil }

func (s *stubPreparer) FetchISO(ctx context.Context, path, url string) error { return nil }

func (s *stubPreparer) PrepareEmbedded(ctx context.Context, isoPath, answerPath, outDir string) (string, error) {
	s.prepared = append(s.prepared, answerPath)
	return filepath.Join(outDir, "derived.iso"), nil
}

type stubSession struct {
	terminated bool
	waited     bool
}

func (s *stubSession) Wait() error      { s.waited = true; return nil }
func (s *stubSession) Terminate() error { s.terminated = true; return nil }
func (s *stubSession) Addr() string     { return "127.0.0.1:5555" }

type stubDriver struct {
	uefi         bool
	installSpecs []vm.StartSpec
	installErr   error
	session      *stubSession
	waitReadyErr error
}

func (d *stubDriver) UEFI() bool { return d.uefi }

func (d *stubDriver) RunInstall(ctx context.Context, spec vm.StartSpec) error {
	d.installSpecs = append(d.installSpecs, spec)
	return d.installErr
}

func (d *stubDriver) StartConfigure(ctx context.Context, spec vm.StartSpec) (VMSession, error) {
	return d.session, nil
}

func (d *stubDriver) WaitReady(ctx context.Context, session VMSession) error {
	return d.waitReadyErr
}

type stubRunner struct {
	pushErrOn string
	pushed    []string
	commands  []string
}

func (s *stubRunner) Run(ctx context.Context, command string) (run.Result, error) {
	s.commands = append(s.commands, command)
	return run.Result{}, nil
}

func (s *stubRunner) Push(ctx context.Context, dest string, body []byte, mode os.FileMode) error {
	if s.pushErrOn != "" && dest == s.pushErrOn {
		return errors.New("transport error")
	}
	s.pushed = append(s.pushed, dest)
	return nil
}

type fixture struct {
	driver   *stubDriver
	preparer *stubPreparer
	runner   *stubRunner
	cfg      Config
	co       Collaborators
}

func newFixture(t *testing.T, disks []topology.Disk, selection topology.Selection) *fixture {
	t.Helper()

	prof := profile.Default()
	prof.FQDN = "pve.example.com"
	prof.Mailto = "root@example.com"
	prof.WorkDir = t.TempDir()

	f := &fixture{
		driver:   &stubDriver{session: &stubSession{}},
		preparer: &stubPreparer{},
		runner:   &stubRunner{},
	}
	f.cfg = Config{
		Profile:    prof,
		Credential: "hunter2",
		Selection:  selection,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	f.co = Collaborators{
		Inventory: func(ctx context.Context) ([]topology.Disk, error) { return disks, nil },
		Network: func() (netinfo.HostNetwork, error) {
			return netinfo.HostNetwork{
				Interface:   "eth0",
				IPv4:        "203.0.113.10",
				IPv4CIDR:    "203.0.113.10/32",
				GatewayIPv4: "203.0.113.1",
			}, nil
		},
		Preparer: f.preparer,
		Driver:   f.driver,
		DialRunner: func(addr, credential string) (remote.Runner, func() error, error) {
			return f.runner, func() error { return nil }, nil
		},
		BuildVolume: func(answerPath, outPath string) error { return nil },
	}
	return f
}

func mustRun(t *testing.T, f *fixture) *Pipeline {
	t.Helper()
	p, err := New(f.cfg, f.co)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("pipeline run failed: %v", err)
	}
	return p
}

// ---- scenarios ----

func TestPipelineSingleDisk(t *testing.T) {
	f := newFixture(t, []topology.Disk{
		{Path: "/dev/sda", SizeBytes: 512 << 30},
	}, topology.Selection{Mode: topology.SelectAll})

	p := mustRun(t, f)

	data, err := os.ReadFile(filepath.Join(p.RunDir(), answer.FileName))
	if err != nil {
		t.Fatalf("answer artifact not written: %v", err)
	}
	var doc answer.Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("artifact not valid TOML: %v", err)
	}
	if doc.DiskSetup.Filesystem != "ext4" || doc.DiskSetup.ZFS != nil {
		t.Fatalf("single disk must be plain ext4: %+v", doc.DiskSetup)
	}
	if len(doc.DiskSetup.DiskList) != 1 || doc.DiskSetup.DiskList[0] != "/dev/sda" {
		t.Fatalf("unexpected disk list: %v", doc.DiskSetup.DiskList)
	}

	if len(f.driver.installSpecs) != 1 {
		t.Fatalf("expected one install session, got %d", len(f.driver.installSpecs))
	}
	if got := f.driver.installSpecs[0].Disks; len(got) != 1 || got[0] != "/dev/sda" {
		t.Fatalf("install session disks: %v", got)
	}
	if !f.driver.session.waited || !f.driver.session.terminated {
		t.Fatal("configure session not fully torn down")
	}
}

func TestPipelineFourEqualDisks(t *testing.T) {
	disks := []topology.Disk{
		{Path: "/dev/sda", SizeBytes: 4 << 40},
		{Path: "/dev/sdb", SizeBytes: 4 << 40},
		{Path: "/dev/sdc", SizeBytes: 4 << 40},
		{Path: "/dev/sdd", SizeBytes: 4 << 40},
	}
	f := newFixture(t, disks, topology.Selection{Mode: topology.SelectAll})
	p := mustRun(t, f)

	data, err := os.ReadFile(filepath.Join(p.RunDir(), answer.FileName))
	if err != nil {
		t.Fatal(err)
	}
	var doc answer.Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.DiskSetup.ZFS == nil || doc.DiskSetup.ZFS.RAID != "raid10" {
		t.Fatalf("four equal disks must resolve to raid10: %+v", doc.DiskSetup)
	}
	if len(doc.DiskSetup.DiskList) != 4 {
		t.Fatalf("all four disks must be assigned: %v", doc.DiskSetup.DiskList)
	}
}

func TestPipelineSmallestPair(t *testing.T) {
	disks := []topology.Disk{
		{Path: "/dev/sda", SizeBytes: 8 << 40},
		{Path: "/dev/sdb", SizeBytes: 1 << 40},
		{Path: "/dev/sdc", SizeBytes: 16 << 40},
		{Path: "/dev/sdd", SizeBytes: 2 << 40},
		{Path: "/dev/sde", SizeBytes: 4 << 40},
	}
	f := newFixture(t, disks, topology.Selection{Mode: topology.SelectSmallestPair})
	f.cfg.Profile.AnswerDelivery = "volume"
	p := mustRun(t, f)

	data, err := os.ReadFile(filepath.Join(p.RunDir(), answer.FileName))
	if err != nil {
		t.Fatal(err)
	}
	var doc answer.Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.DiskSetup.ZFS == nil || doc.DiskSetup.ZFS.RAID != "mirror" {
		t.Fatalf("smallest-pair must mirror: %+v", doc.DiskSetup)
	}
	want := []string{"/dev/sdb", "/dev/sdd"}
	if len(doc.DiskSetup.DiskList) != 2 || doc.DiskSetup.DiskList[0] != want[0] || doc.DiskSetup.DiskList[1] != want[1] {
		t.Fatalf("expected the two smallest disks %v, got %v", want, doc.DiskSetup.DiskList)
	}
	// Volume delivery boots the stock ISO.
	if f.driver.installSpecs[0].BootISO != f.cfg.Profile.ISOPath {
		t.Fatalf("volume delivery must boot the stock ISO, got %s", f.driver.installSpecs[0].BootISO)
	}
	if f.driver.installSpecs[0].AnswerVolume == "" {
		t.Fatal("volume delivery must attach an answer volume")
	}
}

func TestPipelinePushFailureAborts(t *testing.T) {
	f := newFixture(t, []topology.Disk{{Path: "/dev/sda", SizeBytes: 1 << 40}},
		topology.Selection{Mode: topology.SelectAll})
	f.runner.pushErrOn = "/etc/hosts"

	p, err := New(f.cfg, f.co)
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())
	if !errors.Is(err, remote.ErrConfigurationPush) {
		t.Fatalf("expected ErrConfigurationPush, got %v", err)
	}

	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseRemoteConfigure {
		t.Fatalf("failure must name the remote-configure phase: %v", err)
	}

	for _, cmd := range f.runner.commands {
		if strings.Contains(cmd, "hostnamectl") || strings.Contains(cmd, "poweroff") {
			t.Fatalf("steps after a failed push must not run: %v", f.runner.commands)
		}
	}
	if !f.driver.session.terminated {
		t.Fatal("configure session must be torn down on abort")
	}
	if f.driver.session.waited {
		t.Fatal("pipeline must not wait for power-off after an aborted push")
	}
}

func TestPipelineUnreachableTargetTearsDownSession(t *testing.T) {
	f := newFixture(t, []topology.Disk{{Path: "/dev/sda", SizeBytes: 1 << 40}},
		topology.Selection{Mode: topology.SelectAll})
	f.driver.waitReadyErr = vm.ErrServiceUnreachable

	p, err := New(f.cfg, f.co)
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())
	if !errors.Is(err, vm.ErrServiceUnreachable) {
		t.Fatalf("expected ErrServiceUnreachable, got %v", err)
	}
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseNetworkReady {
		t.Fatalf("failure must name the network-ready phase: %v", err)
	}
	if !f.driver.session.terminated {
		t.Fatal("live session must be torn down before the error surfaces")
	}
	if len(f.runner.commands) != 0 || len(f.runner.pushed) != 0 {
		t.Fatal("remote configuration must not be attempted")
	}
}

func TestPipelineEmptyInventoryFailsEarly(t *testing.T) {
	f := newFixture(t, nil, topology.Selection{Mode: topology.SelectAll})

	p, err := New(f.cfg, f.co)
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())
	if !errors.Is(err, topology.ErrNoDisks) {
		t.Fatalf("expected ErrNoDisks, got %v", err)
	}
	if len(f.driver.installSpecs) != 0 {
		t.Fatal("no session may start without an inventory")
	}
}

func TestPipelineRejectsEmptyCredential(t *testing.T) {
	f := newFixture(t, []topology.Disk{{Path: "/dev/sda", SizeBytes: 1 << 40}},
		topology.Selection{Mode: topology.SelectAll})
	f.cfg.Credential = ""

	if _, err := New(f.cfg, f.co); !errors.Is(err, answer.ErrEmptyCredential) {
		t.Fatalf("expected ErrEmptyCredential, got %v", err)
	}
}

func TestPipelineInstallFailureStopsRun(t *testing.T) {
	f := newFixture(t, []topology.Disk{{Path: "/dev/sda", SizeBytes: 1 << 40}},
		topology.Selection{Mode: topology.SelectAll})
	f.driver.installErr = &vm.InstallError{ExitCode: 1, LogTail: "installer panicked"}

	p, err := New(f.cfg, f.co)
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())

	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseInstall {
		t.Fatalf("failure must name the install phase: %v", err)
	}
	var installErr *vm.InstallError
	if !errors.As(err, &installErr) || !strings.Contains(installErr.LogTail, "installer panicked") {
		t.Fatalf("install error must carry the captured log: %v", err)
	}
	if len(f.runner.pushed) != 0 {
		t.Fatal("remote configuration must not run after a failed install")
	}
}
