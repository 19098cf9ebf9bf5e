package mcast

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/yanun0323/errors"
	"golang.org/x/net/ipv4"
)

// ReceiverConfig configures a multicast receiver.
type ReceiverConfig struct {
	Group       string
	Interface   string
	ReadTimeout time.Duration
}

// Receiver reads datagrams from one joined multicast group.
type Receiver struct {
	conn    net.PacketConn
	pc      *ipv4.PacketConn
	ifi     *net.Interface
	group   *net.UDPAddr
	timeout time.Duration
}

// NewReceiver binds the group port with address reuse and joins the group.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	group, err := ResolveGroup(cfg.Group)
	if err != nil {
		return nil, err
	}
	ifi, err := Interface(cfg.Interface)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), udpNetwork, net.JoinHostPort(group.IP.String(), strconv.Itoa(group.Port)))
	if err != nil {
		return nil, errors.Wrap(err, "listen group").With("group", cfg.Group)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "join group").With("group", cfg.Group)
	}
	_ = pc.SetMulticastLoopback(true)

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &Receiver{conn: conn, pc: pc, ifi: ifi, group: group, timeout: timeout}, nil
}

// Read reads one datagram into buf. It returns 0 and a nil error when the
// read timeout elapses without data.
func (r *Receiver) Read(buf []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, errors.Wrap(err, "set read deadline")
	}
	n, _, _, err := r.pc.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read multicast")
	}
	return n, nil
}

// Group returns the joined group.
func (r *Receiver) Group() *net.UDPAddr {
	return r.group
}

// Close leaves the group and releases the socket.
func (r *Receiver) Close() error {
	_ = r.pc.LeaveGroup(r.ifi, &net.UDPAddr{IP: r.group.IP})
	return r.conn.Close()
}
