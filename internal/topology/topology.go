// Package topology resolves a disk inventory into the redundancy layout used
// by the unattended install.
package topology

import (
	"errors"
	"fmt"
	"sort"
)

// Disk describes one whole block device as reported by the inventory.
type Disk struct {
	Path      string // stable device path, e.g. /dev/sda
	SizeBytes uint64
	Model     string
}

// Class is the data-protection layout applied across the assigned disks.
type Class string

const (
	ClassSingle Class = "single"
	ClassMirror Class = "mirror"
	ClassRAID10 Class = "raid10"
	ClassRAIDZ1 Class = "raidz-1"
	ClassRAIDZ2 Class = "raidz-2"
	ClassRAIDZ3 Class = "raidz-3"
)

// SelectionMode controls which disks are handed to the installer.
type SelectionMode string

const (
	// SelectAll assigns every enumerated disk.
	SelectAll SelectionMode = "all"
	// SelectSmallestPair assigns the two smallest disks as a mirrored
	// system target and leaves the rest untouched for later use.
	SelectSmallestPair SelectionMode = "smallest-pair"
	// SelectManual assigns exactly the disks named by 1-based indexes.
	SelectManual SelectionMode = "manual"
)

// Selection is the caller's disk-selection request.
type Selection struct {
	Mode    SelectionMode
	Indexes []int // 1-based, only for SelectManual
}

// Decision is the resolved topology. Assigned order is significant: the
// installer pairs and extends consecutive entries.
type Decision struct {
	Class    Class
	Assigned []Disk
	Excluded []Disk
}

var (
	// ErrNoDisks is returned when the inventory is empty.
	ErrNoDisks = errors.New("no disks found")
	// ErrInvalidSelection is returned for an empty or out-of-range
	// manual selection.
	ErrInvalidSelection = errors.New("invalid disk selection")
)

// classForCount maps the assigned-disk count to a redundancy class. The
// table is intentionally non-monotonic in fault tolerance: four disks favor
// striped mirrors for performance, five revert to single parity. Preserve
// the rows as-is; existing deployments depend on them.
func classForCount(n int) Class {
	switch {
	case n == 1:
		return ClassSingle
	case n == 2:
		return ClassMirror
	case n == 3:
		return ClassRAIDZ1
	case n == 4:
		return ClassRAID10
	case n == 5:
		return ClassRAIDZ1
	case n <= 9:
		return ClassRAIDZ2
	default:
		return ClassRAIDZ3
	}
}

// Resolve maps the inventory and selection to a Decision. It is pure: the
// caller enumerates disks once beforehand.
func Resolve(disks []Disk, sel Selection) (Decision, error) {
	if len(disks) == 0 {
		return Decision{}, ErrNoDisks
	}

	switch sel.Mode {
	case SelectSmallestPair:
		return resolveSmallestPair(disks)
	case SelectManual:
		return resolveManual(disks, sel.Indexes)
	case SelectAll, "":
		assigned := append([]Disk(nil), disks...)
		return Decision{
			Class:    classForCount(len(assigned)),
			Assigned: assigned,
		}, nil
	default:
		return Decision{}, fmt.Errorf("unknown selection mode %q", sel.Mode)
	}
}

func resolveSmallestPair(disks []Disk) (Decision, error) {
	if len(disks) < 2 {
		return Decision{}, fmt.Errorf("%w: smallest-pair needs at least two disks, have %d", ErrInvalidSelection, len(disks))
	}

	bySize := append([]Disk(nil), disks...)
	sort.SliceStable(bySize, func(i, j int) bool {
		return bySize[i].SizeBytes < bySize[j].SizeBytes
	})

	assigned := bySize[:2:2]
	excluded := append([]Disk(nil), bySize[2:]...)

	return Decision{
		Class:    ClassMirror,
		Assigned: assigned,
		Excluded: excluded,
	}, nil
}

func resolveManual(disks []Disk, indexes []int) (Decision, error) {
	if len(indexes) == 0 {
		return Decision{}, fmt.Errorf("%w: no indexes given", ErrInvalidSelection)
	}

	chosen := make(map[int]bool, len(indexes))
	assigned := make([]Disk, 0, len(indexes))
	for _, idx := range indexes {
		if idx < 1 || idx > len(disks) {
			return Decision{}, fmt.Errorf("%w: index %d out of range [1, %d]", ErrInvalidSelection, idx, len(disks))
		}
		if chosen[idx] {
			return Decision{}, fmt.Errorf("%w: index %d selected twice", ErrInvalidSelection, idx)
		}
		chosen[idx] = true
		assigned = append(assigned, disks[idx-1])
	}

	excluded := make([]Disk, 0, len(disks)-len(assigned))
	for i, disk := range disks {
		if !chosen[i+1] {
			excluded = append(excluded, disk)
		}
	}

	return Decision{
		Class:    classForCount(len(assigned)),
		Assigned: assigned,
		Excluded: excluded,
	}, nil
}
