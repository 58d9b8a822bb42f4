package topology

import (
	"errors"
	"fmt"
	"testing"
)

func makeDisks(sizes ...uint64) []Disk {
	disks := make([]Disk, len(sizes))
	for i, size := range sizes {
		disks[i] = Disk{
			Path:      fmt.Sprintf("/dev/sd%c", 'a'+i),
			SizeBytes: size,
		}
	}
	return disks
}

func TestResolveClassTable(t *testing.T) {
	cases := []struct {
		count int
		want  Class
	}{
		{1, ClassSingle},
		{2, ClassMirror},
		{3, ClassRAIDZ1},
		{4, ClassRAID10},
		{5, ClassRAIDZ1},
		{6, ClassRAIDZ2},
		{7, ClassRAIDZ2},
		{8, ClassRAIDZ2},
		{9, ClassRAIDZ2},
		{10, ClassRAIDZ3},
		{12, ClassRAIDZ3},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d", tc.count), func(t *testing.T) {
			sizes := make([]uint64, tc.count)
			for i := range sizes {
				sizes[i] = 1 << 40
			}

			decision, err := Resolve(makeDisks(sizes...), Selection{Mode: SelectAll})
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if decision.Class != tc.want {
				t.Fatalf("class for %d disks: got %q, want %q", tc.count, decision.Class, tc.want)
			}
			if len(decision.Assigned) != tc.count {
				t.Fatalf("expected all %d disks assigned, got %d", tc.count, len(decision.Assigned))
			}
			if len(decision.Excluded) != 0 {
				t.Fatalf("expected no excluded disks, got %d", len(decision.Excluded))
			}
		})
	}
}

func TestResolveEmptyInventory(t *testing.T) {
	if _, err := Resolve(nil, Selection{Mode: SelectAll}); !errors.Is(err, ErrNoDisks) {
		t.Fatalf("expected ErrNoDisks, got %v", err)
	}
}

func TestResolveManualSelection(t *testing.T) {
	disks := makeDisks(100, 200, 300, 400)

	decision, err := Resolve(disks, Selection{Mode: SelectManual, Indexes: []int{3, 1}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if decision.Class != ClassMirror {
		t.Fatalf("expected mirror for two disks, got %q", decision.Class)
	}
	if decision.Assigned[0].Path != "/dev/sdc" || decision.Assigned[1].Path != "/dev/sda" {
		t.Fatalf("selection order not preserved: %+v", decision.Assigned)
	}
	if len(decision.Excluded) != 2 {
		t.Fatalf("expected 2 excluded disks, got %d", len(decision.Excluded))
	}
}

func TestResolveManualSelectionOutOfRange(t *testing.T) {
	disks := makeDisks(100, 200)

	for _, indexes := range [][]int{nil, {0}, {3}, {1, 1}} {
		if _, err := Resolve(disks, Selection{Mode: SelectManual, Indexes: indexes}); !errors.Is(err, ErrInvalidSelection) {
			t.Fatalf("indexes %v: expected ErrInvalidSelection, got %v", indexes, err)
		}
	}
}

func TestResolveSmallestPair(t *testing.T) {
	// Five disks of differing sizes; the two smallest become the
	// mirrored system target.
	disks := makeDisks(4<<40, 1<<40, 8<<40, 2<<40, 16<<40)

	decision, err := Resolve(disks, Selection{Mode: SelectSmallestPair})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if decision.Class != ClassMirror {
		t.Fatalf("expected mirror, got %q", decision.Class)
	}
	if len(decision.Assigned) != 2 {
		t.Fatalf("expected 2 assigned, got %d", len(decision.Assigned))
	}
	if decision.Assigned[0].Path != "/dev/sdb" || decision.Assigned[1].Path != "/dev/sdd" {
		t.Fatalf("expected the two smallest disks, got %+v", decision.Assigned)
	}
	if len(decision.Excluded) != 3 {
		t.Fatalf("expected 3 excluded, got %d", len(decision.Excluded))
	}
}

func TestResolveCoversFullInventory(t *testing.T) {
	disks := makeDisks(100, 200, 300)

	decision, err := Resolve(disks, Selection{Mode: SelectManual, Indexes: []int{2}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	seen := map[string]bool{}
	for _, d := range decision.Assigned {
		seen[d.Path] = true
	}
	for _, d := range decision.Excluded {
		if seen[d.Path] {
			t.Fatalf("disk %s both assigned and excluded", d.Path)
		}
		seen[d.Path] = true
	}
	if len(seen) != len(disks) {
		t.Fatalf("assigned and excluded do not cover the inventory: %d of %d", len(seen), len(disks))
	}
}
