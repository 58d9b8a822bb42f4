package netinfo

import (
	"testing"

	"github.com/markim/hetz-prox/internal/templates"
)

func TestTemplateValuesDualStack(t *testing.T) {
	info := HostNetwork{
		Interface:   "enp0s31f6",
		MAC:         "aa:bb:cc:dd:ee:ff",
		IPv4:        "203.0.113.10",
		IPv4CIDR:    "203.0.113.10/32",
		GatewayIPv4: "203.0.113.1",
		IPv6:        "2001:db8::2",
		IPv6CIDR:    "2001:db8::2/64",
		GatewayIPv6: "fe80::1",
	}

	values := info.TemplateValues("pve.example.com")

	checks := map[string]string{
		"IFACE":              "enp0s31f6",
		"HOSTNAME":           "pve",
		"FQDN":               "pve.example.com",
		"SEARCH_DOMAIN":      "example.com",
		"MAIN_IPV4":          "203.0.113.10",
		"GATEWAY_IPV4":       "203.0.113.1",
		"MAIN_IPV6_HOSTLINE": "2001:db8::2 pve.example.com pve",
	}
	for token, want := range checks {
		if values[token] != want {
			t.Errorf("token %s: got %q, want %q", token, values[token], want)
		}
	}
}

func TestTemplateValuesIPv4Only(t *testing.T) {
	info := HostNetwork{
		Interface:   "eth0",
		IPv4:        "198.51.100.7",
		IPv4CIDR:    "198.51.100.7/32",
		GatewayIPv4: "198.51.100.1",
	}

	values := info.TemplateValues("node1")

	if values["MAIN_IPV6_CIDR"] != "" || values["MAIN_IPV6_HOSTLINE"] != "" {
		t.Fatalf("absent IPv6 must render empty, got %q / %q", values["MAIN_IPV6_CIDR"], values["MAIN_IPV6_HOSTLINE"])
	}
	if values["HOSTNAME"] != "node1" || values["SEARCH_DOMAIN"] != "" {
		t.Fatalf("bare hostname handling wrong: %q / %q", values["HOSTNAME"], values["SEARCH_DOMAIN"])
	}

	// The full table must satisfy every embedded template.
	set, err := templates.NewSet(values)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	if _, err := set.RenderAll(); err != nil {
		t.Fatalf("table incomplete for embedded templates: %v", err)
	}
}
