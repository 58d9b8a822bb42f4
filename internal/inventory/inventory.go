// Package inventory enumerates the physical block devices attached to the
// host. Only whole devices are reported; partitions never reach the
// topology resolver.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/markim/hetz-prox/internal/run"
	"github.com/markim/hetz-prox/internal/topology"
)

// recognized whole-device name prefixes; everything else (dm-*, loop*,
// md*, zram*) is rescue-environment noise.
var devicePrefixes = []string{"sd", "nvme", "vd", "hd"}

type lsblkDevice struct {
	Name  string          `json:"name"`
	Size  json.RawMessage `json:"size"` // bytes with -b, string otherwise
	Model string          `json:"model"`
	Type  string          `json:"type"`
}

type lsblkReport struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// Enumerate lists whole block devices via lsblk. An empty result is not an
// error here; the resolver reports it as topology.ErrNoDisks.
func Enumerate(ctx context.Context, logger *slog.Logger) ([]topology.Disk, error) {
	result, err := run.MustSucceed(ctx, "lsblk", "-J", "-b", "-d", "-o", "NAME,SIZE,MODEL,TYPE")
	if err != nil {
		return nil, fmt.Errorf("enumerate block devices: %w", err)
	}
	disks, err := parseReport([]byte(result.Output))
	if err != nil {
		return nil, err
	}
	for _, disk := range disks {
		logger.Debug("found disk", "path", disk.Path, "size_bytes", disk.SizeBytes, "model", disk.Model)
	}
	return disks, nil
}

func parseReport(data []byte) ([]topology.Disk, error) {
	var report lsblkReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode lsblk output: %w", err)
	}

	var disks []topology.Disk
	for _, dev := range report.BlockDevices {
		if dev.Type != "disk" {
			continue
		}
		if !recognizedDevice(dev.Name) {
			continue
		}
		size, err := parseSize(dev.Size)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.Name, err)
		}
		disks = append(disks, topology.Disk{
			Path:      "/dev/" + dev.Name,
			SizeBytes: size,
			Model:     strings.TrimSpace(dev.Model),
		})
	}
	return disks, nil
}

// nvme0n1 is a whole namespace device; nvme0 is the controller and
// nvme0n1p1 a partition, neither of which is installable.
var nvmeDevicePattern = regexp.MustCompile(`^nvme\d+n\d+$`)

func recognizedDevice(name string) bool {
	for _, prefix := range devicePrefixes {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if prefix == "nvme" {
			return nvmeDevicePattern.MatchString(name)
		}
		return true
	}
	return false
}

// parseSize accepts both numeric (lsblk -b) and quoted-numeric forms; some
// lsblk builds quote every column in JSON mode.
func parseSize(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing size")
	}
	var asNumber uint64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return 0, fmt.Errorf("unparseable size %s", string(raw))
	}
	var parsed uint64
	if _, err := fmt.Sscanf(strings.TrimSpace(asString), "%d", &parsed); err != nil {
		return 0, fmt.Errorf("unparseable size %q", asString)
	}
	return parsed, nil
}
