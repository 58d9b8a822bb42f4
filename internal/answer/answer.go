// Package answer builds the declarative unattended-install document consumed
// by the installer image preparation step.
package answer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/markim/hetz-prox/internal/topology"
)

// FileName is the well-known artifact name inside the run directory.
const FileName = "answer.toml"

// ErrEmptyCredential is returned when the administrative credential is
// missing at build time. The configure phase authenticates with it, so an
// empty value would only fail much later and much less clearly.
var ErrEmptyCredential = errors.New("administrative credential is empty")

// Identity holds the target machine's identity fields.
type Identity struct {
	Keyboard     string
	Country      string
	FQDN         string
	Mailto       string
	Timezone     string
	RootPassword string
}

// Network selects the installer's network source mode.
type Network struct {
	Source string // "from-dhcp" or "from-answer"
}

// Document is the rendered answer file. Field layout mirrors the TOML the
// image-preparation tooling parses; it is written once and never mutated.
type Document struct {
	Global    Global    `toml:"global"`
	Network   NetSource `toml:"network"`
	DiskSetup DiskSetup `toml:"disk-setup"`
}

type Global struct {
	Keyboard      string `toml:"keyboard"`
	Country       string `toml:"country"`
	FQDN          string `toml:"fqdn"`
	Mailto        string `toml:"mailto"`
	Timezone      string `toml:"timezone"`
	RootPassword  string `toml:"root_password"`
	RebootOnError bool   `toml:"reboot_on_error"`
}

type NetSource struct {
	Source string `toml:"source"`
}

type DiskSetup struct {
	Filesystem string   `toml:"filesystem"`
	ZFS        *ZFS     `toml:"zfs,omitempty"`
	DiskList   []string `toml:"disk_list"`
}

type ZFS struct {
	RAID string `toml:"raid"`
}

// Build renders the identity, network mode and topology decision into a
// Document. A single assigned disk installs onto plain ext4; anything else
// is a ZFS pool with the resolved redundancy class.
func Build(identity Identity, network Network, decision topology.Decision) (Document, error) {
	if identity.RootPassword == "" {
		return Document{}, ErrEmptyCredential
	}
	if len(decision.Assigned) == 0 {
		return Document{}, fmt.Errorf("topology decision has no assigned disks")
	}

	source := network.Source
	if source == "" {
		source = "from-dhcp"
	}

	diskList := make([]string, len(decision.Assigned))
	for i, disk := range decision.Assigned {
		diskList[i] = disk.Path
	}

	doc := Document{
		Global: Global{
			Keyboard:      defaultString(identity.Keyboard, "en-us"),
			Country:       defaultString(identity.Country, "de"),
			FQDN:          identity.FQDN,
			Mailto:        identity.Mailto,
			Timezone:      defaultString(identity.Timezone, "UTC"),
			RootPassword:  identity.RootPassword,
			RebootOnError: false,
		},
		Network: NetSource{Source: source},
		DiskSetup: DiskSetup{
			Filesystem: "ext4",
			DiskList:   diskList,
		},
	}

	if decision.Class != topology.ClassSingle {
		doc.DiskSetup.Filesystem = "zfs"
		doc.DiskSetup.ZFS = &ZFS{RAID: raidKeyword(decision.Class)}
	}

	return doc, nil
}

// Encode renders the document as TOML.
func (d Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return nil, fmt.Errorf("encode answer file: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteTo writes the document to FileName under dir and returns the path.
func (d Document) WriteTo(dir string) (string, error) {
	data, err := d.Encode()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName)
	// Contains the root credential.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write answer file: %w", err)
	}
	return path, nil
}

func raidKeyword(class topology.Class) string {
	switch class {
	case topology.ClassMirror:
		return "mirror"
	case topology.ClassRAID10:
		return "raid10"
	case topology.ClassRAIDZ1:
		return "raidz-1"
	case topology.ClassRAIDZ2:
		return "raidz-2"
	case topology.ClassRAIDZ3:
		return "raidz-3"
	default:
		return string(class)
	}
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
