package mcast

import (
	"net"

	"github.com/yanun0323/errors"
	"golang.org/x/net/ipv4"
)

// SenderConfig configures a multicast sender.
type SenderConfig struct {
	Group     string
	Interface string
	TTL       int
	Loopback  bool
}

// Sender writes datagrams to one multicast group.
type Sender struct {
	conn  net.PacketConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
}

// NewSender opens an unbound UDP socket configured for multicast output.
func NewSender(cfg SenderConfig) (*Sender, error) {
	group, err := ResolveGroup(cfg.Group)
	if err != nil {
		return nil, err
	}
	ifi, err := Interface(cfg.Interface)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket(udpNetwork, "0.0.0.0:0")
	if err != nil {
		return nil, errors.Wrap(err, "listen packet")
	}
	pc := ipv4.NewPacketConn(conn)
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "set multicast interface")
		}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "set multicast ttl")
	}
	if err := pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "set multicast loopback")
	}

	return &Sender{conn: conn, pc: pc, group: group}, nil
}

// Send writes one datagram to the group.
func (s *Sender) Send(b []byte) error {
	if _, err := s.pc.WriteTo(b, nil, s.group); err != nil {
		return errors.Wrap(err, "write multicast")
	}
	return nil
}

// Group returns the destination group.
func (s *Sender) Group() *net.UDPAddr {
	return s.group
}

// Close releases the socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}
