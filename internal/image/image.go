// Package image prepares the bootable installer media: host tooling, the
// base ISO, and the answer-file delivery (embedded or attached volume).
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"

	"github.com/markim/hetz-prox/internal/run"
)

// Fatal preparation failures, all detected before any virtualization session
// starts.
var (
	ErrPackagePreparation = errors.New("package preparation failed")
	ErrImageDownload      = errors.New("image download failed")
	ErrImagePreparation   = errors.New("image preparation failed")
)

// DeliveryMode selects how the answer file reaches the installer.
type DeliveryMode string

const (
	// DeliveryEmbedded bakes the answer file into a derived ISO with the
	// external assistant tool.
	DeliveryEmbedded DeliveryMode = "embedded"
	// DeliveryVolume attaches a small ISO9660 volume labeled for the
	// installer's answer discovery and boots the stock ISO unmodified.
	DeliveryVolume DeliveryMode = "volume"
)

// answerVolumeLabel is the label the installer scans for when fetching the
// answer file from an attached partition.
const answerVolumeLabel = "PROXMOX-AIS"

// CommandFunc matches run.Command; tests substitute a recorder.
type CommandFunc func(ctx context.Context, name string, args ...string) (run.Result, error)

// Preparer wraps the external tooling boundary for image preparation.
type Preparer struct {
	logger  *slog.Logger
	command CommandFunc
}

func NewPreparer(logger *slog.Logger) *Preparer {
	return &Preparer{logger: logger, command: run.Command}
}

// EnsurePackages installs the host tools the run needs. The rescue system is
// throwaway, so installing is always safe; an already-installed package is a
// no-op for apt.
func (p *Preparer) EnsurePackages(ctx context.Context, uefi bool) error {
	packages := []string{"qemu-system-x86"}
	if uefi {
		packages = append(packages, "ovmf")
	}

	p.logger.Info("ensuring host packages", "packages", packages)
	args := append([]string{"install", "-y", "--no-install-recommends"}, packages...)
	result, err := p.command(ctx, "apt-get", args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPackagePreparation, err)
	}
	if result.Failed() {
		return fmt.Errorf("%w: apt-get exited with status %d: %s", ErrPackagePreparation, result.ExitCode, result.OutputTail(20))
	}
	return nil
}

// FetchISO makes sure the base installer ISO exists at path, downloading it
// from url when absent. An existing file is reused as-is.
func (p *Preparer) FetchISO(ctx context.Context, path, url string) error {
	if _, err := os.Stat(path); err == nil {
		p.logger.Info("using existing installer image", "path", path)
		return nil
	}
	if url == "" {
		return fmt.Errorf("%w: %s does not exist and no download URL configured", ErrImageDownload, path)
	}

	p.logger.Info("downloading installer image", "url", url, "path", path)
	result, err := p.command(ctx, "wget", "-q", "-O", path, url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageDownload, err)
	}
	if result.Failed() {
		// wget leaves a zero-byte file behind on failure.
		_ = os.Remove(path)
		return fmt.Errorf("%w: wget exited with status %d: %s", ErrImageDownload, result.ExitCode, result.OutputTail(10))
	}
	return nil
}

// PrepareEmbedded derives a bootable ISO with the answer file baked in via
// the external assistant and returns the derived image path.
func (p *Preparer) PrepareEmbedded(ctx context.Context, isoPath, answerPath, outDir string) (string, error) {
	p.logger.Info("preparing install image", "iso", isoPath, "answer", answerPath)

	result, err := p.command(ctx, "proxmox-auto-install-assistant", "prepare-iso", isoPath,
		"--fetch-from", "iso",
		"--answer-file", answerPath,
		"--output", outDir,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrImagePreparation, err)
	}
	if result.Failed() {
		return "", fmt.Errorf("%w: assistant exited with status %d: %s", ErrImagePreparation, result.ExitCode, result.OutputTail(20))
	}

	derived := derivedISOPath(isoPath, outDir)
	if _, err := os.Stat(derived); err != nil {
		return "", fmt.Errorf("%w: expected derived image %s missing: %v", ErrImagePreparation, derived, err)
	}
	return derived, nil
}

// derivedISOPath mirrors the assistant's "<name>-auto-from-iso.iso" naming.
func derivedISOPath(isoPath, outDir string) string {
	base := filepath.Base(isoPath)
	ext := filepath.Ext(base)
	return filepath.Join(outDir, base[:len(base)-len(ext)]+"-auto-from-iso"+ext)
}

// BuildAnswerVolume writes a one-file ISO9660 volume containing the answer
// document under the label the installer scans for. Used by the attached
// delivery mode; the stock installer ISO then boots unmodified.
func BuildAnswerVolume(answerPath, outPath string) error {
	src, err := os.Open(answerPath)
	if err != nil {
		return fmt.Errorf("%w: open answer file: %v", ErrImagePreparation, err)
	}
	defer src.Close()

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("%w: create iso writer: %v", ErrImagePreparation, err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(src, "answer.toml"); err != nil {
		return fmt.Errorf("%w: stage answer file: %v", ErrImagePreparation, err)
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create volume file: %v", ErrImagePreparation, err)
	}

	if err := writer.WriteTo(out, answerVolumeLabel); err != nil {
		out.Close()
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: write volume: %v", ErrImagePreparation, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: finalize volume: %v", ErrImagePreparation, err)
	}
	return nil
}
