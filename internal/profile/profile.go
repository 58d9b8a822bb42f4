// Package profile loads the run profile: the identity, media and disk
// selection parameters of one provisioning run. The administrative
// credential is deliberately not part of the profile file.
package profile

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the YAML-backed run configuration. CLI flags override loaded
// values; zero values fall back to defaults at validation.
type Profile struct {
	FQDN     string `yaml:"fqdn"`
	Mailto   string `yaml:"mailto"`
	Timezone string `yaml:"timezone"`
	Keyboard string `yaml:"keyboard"`
	Country  string `yaml:"country"`

	NetworkSource string `yaml:"network_source"`

	ISOPath string `yaml:"iso_path"`
	ISOURL  string `yaml:"iso_url"`

	DiskSelection string `yaml:"disk_selection"` // all | smallest-pair | manual
	DiskIndexes   []int  `yaml:"disk_indexes"`   // 1-based, manual only

	AnswerDelivery string `yaml:"answer_delivery"` // embedded | volume

	MemoryMB int `yaml:"memory_mb"`
	CPUs     int `yaml:"cpus"`

	WorkDir string `yaml:"work_dir"`
}

// Default returns the profile used when no file is given.
func Default() Profile {
	return Profile{
		Timezone:       "UTC",
		Keyboard:       "en-us",
		Country:        "de",
		NetworkSource:  "from-dhcp",
		ISOPath:        "/root/proxmox.iso",
		DiskSelection:  "all",
		AnswerDelivery: "embedded",
		MemoryMB:       4096,
		CPUs:           4,
		WorkDir:        "/root/hetzprox",
	}
}

// Load reads path over the defaults. A missing file is an error; callers
// that want pure defaults pass an empty path.
func Load(path string) (Profile, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the fields every pipeline phase depends on.
func (p Profile) Validate() error {
	if p.FQDN == "" {
		return errors.New("profile: fqdn is required")
	}
	switch p.DiskSelection {
	case "all", "smallest-pair":
	case "manual":
		if len(p.DiskIndexes) == 0 {
			return errors.New("profile: manual disk selection needs disk_indexes")
		}
	default:
		return fmt.Errorf("profile: unknown disk_selection %q", p.DiskSelection)
	}
	switch p.AnswerDelivery {
	case "embedded", "volume":
	default:
		return fmt.Errorf("profile: unknown answer_delivery %q", p.AnswerDelivery)
	}
	if p.MemoryMB < 1024 {
		return fmt.Errorf("profile: memory_mb %d too small for the installer", p.MemoryMB)
	}
	return nil
}
