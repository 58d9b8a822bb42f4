// Package vm manages the transient QEMU processes that perform the install
// and the post-install configuration against the real disks.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/markim/hetz-prox/internal/retry"
)

const (
	// HostForwardPort is the fixed host port forwarded to the guest's SSH
	// port during the configure session.
	HostForwardPort = 5555
	// GuestSSHPort is the forwarded guest port.
	GuestSSHPort = 22

	// ReadyAttempts and ReadyInterval bound the readiness poll: 60
	// attempts at 5s spacing, 300s total.
	ReadyAttempts = 60
	ReadyInterval = 5 * time.Second

	qemuBinary   = "qemu-system-x86_64"
	ovmfFirmware = "/usr/share/ovmf/OVMF.fd"
	efiDir       = "/sys/firmware/efi"
	kvmDevice    = "/dev/kvm"
)

// ErrServiceUnreachable is returned when the readiness poll exhausts its
// bound without the forwarded port accepting a connection.
var ErrServiceUnreachable = errors.New("target service unreachable")

// InstallError carries the exit status and log tail of a failed install run.
type InstallError struct {
	ExitCode int
	LogTail  string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("unattended install exited with status %d\n%s", e.ExitCode, e.LogTail)
}

// Dialer abstracts the readiness probe connection; tests inject one that
// never accepts.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// StartSpec describes one QEMU launch.
type StartSpec struct {
	BootISO      string   // installer ISO; empty for the configure session (boots from disk)
	AnswerVolume string   // optional answer ISO attached as a second drive
	Disks        []string // raw device paths, passed through in order
	MemoryMB     int
	CPUs         int
	UEFI         bool
	LogPath      string
}

// Session is a live detached QEMU process. Exactly one exists at a time; it
// is owned by the Manager and invalidated by Terminate.
type Session struct {
	cmd      *exec.Cmd
	logFile  *os.File
	PID      int
	HostPort int
	LogPath  string
	UEFI     bool
}

// Manager starts and supervises the virtualization processes.
type Manager struct {
	logger *slog.Logger
	dialer Dialer
	sleep  retry.Sleeper

	// probes, replaceable in tests
	kvmProbe func() bool
	uefi     bool
}

// NewManager detects the host firmware mode once; both sessions of a run use
// the same mode.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger,
		dialer:   (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
		kvmProbe: kvmAvailable,
		uefi:     detectUEFI(),
	}
}

// UEFI reports the firmware mode detected at construction.
func (m *Manager) UEFI() bool { return m.uefi }

func detectUEFI() bool {
	info, err := os.Stat(efiDir)
	return err == nil && info.IsDir()
}

func kvmAvailable() bool {
	return unix.Access(kvmDevice, unix.R_OK|unix.W_OK) == nil
}

// buildArgs assembles the QEMU invocation. forwarded toggles the user-mode
// NIC with the fixed host port forward; without it the guest has no NIC.
func (m *Manager) buildArgs(spec StartSpec, forwarded bool) []string {
	args := []string{
		"-name", "hetzprox",
		"-display", "none",
		"-smp", strconv.Itoa(max(spec.CPUs, 1)),
		"-m", strconv.Itoa(max(spec.MemoryMB, 1024)),
	}

	if m.kvmProbe() {
		args = append(args, "-enable-kvm", "-cpu", "host")
	} else {
		m.logger.Warn("no virtualization acceleration device, falling back to emulation", "device", kvmDevice)
		args = append(args, "-cpu", "max")
	}

	if spec.UEFI {
		args = append(args, "-bios", ovmfFirmware)
	}

	if spec.BootISO != "" {
		args = append(args, "-cdrom", spec.BootISO, "-boot", "d")
	} else {
		args = append(args, "-boot", "c")
	}
	if spec.AnswerVolume != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=raw,media=cdrom", spec.AnswerVolume))
	}

	for _, disk := range spec.Disks {
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=raw,media=disk,if=virtio,cache=none", disk))
	}

	if forwarded {
		args = append(args,
			"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:%d", HostForwardPort, GuestSSHPort),
			"-device", "virtio-net-pci,netdev=net0",
		)
	} else {
		args = append(args, "-nic", "none")
	}

	return args
}

// RunInstall launches the install session and blocks until it exits. The
// process log is captured; a non-zero exit surfaces its tail, since a failed
// unattended install leaves the disks in an unknown state and must not be
// retried blindly.
func (m *Manager) RunInstall(ctx context.Context, spec StartSpec) error {
	logFile, err := os.Create(spec.LogPath)
	if err != nil {
		return fmt.Errorf("create install log: %w", err)
	}
	defer logFile.Close()

	args := m.buildArgs(spec, false)
	m.logger.Info("starting install session", "disks", len(spec.Disks), "uefi", spec.UEFI, "log", spec.LogPath)
	m.logger.Debug("qemu invocation", "args", args)

	cmd := exec.CommandContext(ctx, qemuBinary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &InstallError{
				ExitCode: exitErr.ExitCode(),
				LogTail:  logTail(spec.LogPath, 40),
			}
		}
		return fmt.Errorf("start install session: %w", err)
	}
	m.logger.Info("install session completed")
	return nil
}

// StartConfigure launches the configure session detached and returns a live
// handle. The caller polls readiness and eventually waits on exit; Terminate
// must run on every exit path.
func (m *Manager) StartConfigure(ctx context.Context, spec StartSpec) (*Session, error) {
	logFile, err := os.Create(spec.LogPath)
	if err != nil {
		return nil, fmt.Errorf("create configure log: %w", err)
	}

	args := m.buildArgs(spec, true)
	m.logger.Info("starting configure session", "forward_port", HostForwardPort, "uefi", spec.UEFI, "log", spec.LogPath)
	m.logger.Debug("qemu invocation", "args", args)

	cmd := exec.CommandContext(ctx, qemuBinary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start configure session: %w", err)
	}

	return &Session{
		cmd:      cmd,
		logFile:  logFile,
		PID:      cmd.Process.Pid,
		HostPort: HostForwardPort,
		LogPath:  spec.LogPath,
		UEFI:     spec.UEFI,
	}, nil
}

// WaitReady polls the forwarded port until it accepts a connection, up to
// ReadyAttempts at ReadyInterval spacing.
func (m *Manager) WaitReady(ctx context.Context, session *Session) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(session.HostPort))
	m.logger.Info("waiting for target to become reachable", "addr", addr, "attempts", ReadyAttempts, "interval", ReadyInterval)

	attempt := 0
	err := retry.Do(ctx, ReadyAttempts, ReadyInterval, m.sleep, func(ctx context.Context) error {
		attempt++
		conn, err := m.dialer(ctx, "tcp", addr)
		if err != nil {
			m.logger.Debug("target not reachable yet", "attempt", attempt, "error", err)
			return err
		}
		conn.Close()
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	m.logger.Info("target reachable", "attempt", attempt)
	return nil
}

// Wait blocks until the session process exits. There is no bound: after a
// graceful shutdown request the guest flushes to real disks, and the
// operator interrupts the run if it never returns.
func (s *Session) Wait() error {
	defer s.logFile.Close()
	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// QEMU exits non-zero when the guest powers off under
			// some firmware paths; the wait completing is the
			// signal that matters.
			return nil
		}
		return fmt.Errorf("wait for configure session: %w", err)
	}
	return nil
}

// Terminate force-stops the process if still running and invalidates the
// handle. Safe to call after Wait; failures are reported for logging but
// never block completion of a phase that already succeeded.
func (s *Session) Terminate() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	defer s.logFile.Close()

	if s.cmd.ProcessState != nil {
		return nil // already reaped
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill configure session pid %d: %w", s.PID, err)
	}
	_ = s.cmd.Wait()
	return nil
}

func logTail(path string, lines int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(log unavailable: %v)", err)
	}
	return tailLines(string(data), lines)
}

func tailLines(text string, n int) string {
	trimmed := strings.TrimRight(text, "\n")
	if trimmed == "" {
		return ""
	}
	all := strings.Split(trimmed, "\n")
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return strings.Join(all, "\n")
}
