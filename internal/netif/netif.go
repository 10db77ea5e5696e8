// Package netif picks an outbound network interface for the retrieval
// group's control-plane traffic when the deployment does not name one.
package netif

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoInterface reports that no ethernet-like interface was found.
var ErrNoInterface = errors.New("no ethernet-like network interface found")

// Enumerator lists candidate interface names. Injectable so the selection
// policy can be tested without touching the host's network stack.
type Enumerator func() ([]string, error)

// SystemInterfaces enumerates the host's network interface names.
func SystemInterfaces() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.Name
	}
	return names, nil
}

// Pick returns the first interface whose name starts with "e", covering the
// common ethernet naming conventions (eth0, ens..., enp...). Deployments
// with other conventions must set group.ifname explicitly.
func Pick(enumerate Enumerator) (string, error) {
	if enumerate == nil {
		enumerate = SystemInterfaces
	}
	names, err := enumerate()
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if strings.HasPrefix(name, "e") {
			return name, nil
		}
	}
	return "", ErrNoInterface
}

// AddrOf returns the first IPv4 address assigned to the named interface,
// used to bind the group listener to the chosen interface.
func AddrOf(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("addrs of %s: %w", name, err)
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", fmt.Errorf("interface %s has no IPv4 address: %w", name, ErrNoInterface)
}
