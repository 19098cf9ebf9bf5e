// Package mcast wraps UDP multicast sockets for the market data feeds.
package mcast

import (
	"net"

	"github.com/yanun0323/errors"

	"exchange/pkg/exception"
)

const udpNetwork = "udp4"

// ResolveGroup parses a "group:port" address and checks it is a multicast group.
func ResolveGroup(addr string) (*net.UDPAddr, error) {
	if addr == "" {
		return nil, exception.ErrEmptyGroupAddress
	}
	ua, err := net.ResolveUDPAddr(udpNetwork, addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve group").With("addr", addr)
	}
	if !ua.IP.IsMulticast() {
		return nil, errors.Wrapf(exception.ErrNotMulticast, "addr: %s", addr)
	}
	return ua, nil
}

// Interface returns the named interface, or nil for the system default.
func Interface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Wrap(err, "lookup interface").With("name", name)
	}
	return ifi, nil
}
