// Package netinfo inspects the rescue host's network configuration. The
// installed system inherits these values through the configuration
// templates, since the target machine keeps the same links and addressing.
package netinfo

import (
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/markim/hetz-prox/internal/templates"
)

// HostNetwork is the addressing of the default-route interface.
type HostNetwork struct {
	Interface   string
	MAC         string
	IPv4CIDR    string
	IPv4        string
	GatewayIPv4 string
	IPv6CIDR    string // empty when the host has no global IPv6
	IPv6        string
	GatewayIPv6 string
}

// Discover reads the default route and its interface addressing via netlink.
func Discover() (HostNetwork, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return HostNetwork{}, fmt.Errorf("list routes: %w", err)
	}

	var defaultRoute *netlink.Route
	for i := range routes {
		if routes[i].Dst == nil && routes[i].Gw != nil {
			defaultRoute = &routes[i]
			break
		}
	}
	if defaultRoute == nil {
		return HostNetwork{}, fmt.Errorf("no default IPv4 route found")
	}

	link, err := netlink.LinkByIndex(defaultRoute.LinkIndex)
	if err != nil {
		return HostNetwork{}, fmt.Errorf("resolve default-route link: %w", err)
	}
	attrs := link.Attrs()

	info := HostNetwork{
		Interface:   attrs.Name,
		MAC:         attrs.HardwareAddr.String(),
		GatewayIPv4: defaultRoute.Gw.String(),
	}

	addrs4, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return HostNetwork{}, fmt.Errorf("list v4 addresses on %s: %w", attrs.Name, err)
	}
	if len(addrs4) == 0 {
		return HostNetwork{}, fmt.Errorf("interface %s has no IPv4 address", attrs.Name)
	}
	info.IPv4CIDR = addrs4[0].IPNet.String()
	info.IPv4 = addrs4[0].IP.String()

	// IPv6 is optional; skip link-local scopes.
	addrs6, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err == nil {
		for _, addr := range addrs6 {
			if addr.IP.IsLinkLocalUnicast() {
				continue
			}
			info.IPv6CIDR = addr.IPNet.String()
			info.IPv6 = addr.IP.String()
			break
		}
	}
	if info.IPv6CIDR != "" {
		routes6, err := netlink.RouteList(link, netlink.FAMILY_V6)
		if err == nil {
			for _, route := range routes6 {
				if route.Dst == nil && route.Gw != nil {
					info.GatewayIPv6 = route.Gw.String()
					break
				}
			}
		}
		if info.GatewayIPv6 == "" {
			// Hetzner routes v6 via the link-local gateway.
			info.GatewayIPv6 = "fe80::1"
		}
	}

	return info, nil
}

// TemplateValues builds the full substitution table for the configuration
// templates. Absent IPv6 renders as empty strings, which the templates
// accept.
func (h HostNetwork) TemplateValues(fqdn string) templates.Values {
	hostname := fqdn
	if idx := strings.IndexByte(fqdn, '.'); idx > 0 {
		hostname = fqdn[:idx]
	}
	domain := ""
	if idx := strings.IndexByte(fqdn, '.'); idx > 0 {
		domain = fqdn[idx+1:]
	}

	ipv6HostLine := ""
	if h.IPv6 != "" {
		ipv6HostLine = fmt.Sprintf("%s %s %s", h.IPv6, fqdn, hostname)
	}

	return templates.Values{
		"IFACE":              h.Interface,
		"MAC":                h.MAC,
		"MAIN_IPV4":          h.IPv4,
		"MAIN_IPV4_CIDR":     h.IPv4CIDR,
		"GATEWAY_IPV4":       h.GatewayIPv4,
		"MAIN_IPV6_CIDR":     h.IPv6CIDR,
		"MAIN_IPV6_HOSTLINE": ipv6HostLine,
		"GATEWAY_IPV6":       h.GatewayIPv6,
		"BRIDGE_IPV4_CIDR":   h.IPv4CIDR,
		"FQDN":               fqdn,
		"HOSTNAME":           hostname,
		"SEARCH_DOMAIN":      domain,
		"DNS1":               "185.12.64.1",
		"DNS2":               "185.12.64.2",
		"DEBIAN_CODENAME":    "bookworm",
		"IP_FORWARD":         "1",
		"IP6_FORWARD":        "1",
		"SWAPPINESS":         "10",
	}
}
