// Package mcastconn owns one IPv4 multicast UDP socket: group membership,
// send/receive buffer sizing, and deadline-based non-blocking I/O.
package mcastconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const (
	multicastTTL = 10
	sockBufBytes = 1 << 20 // 1 MiB

	createRetries    = 3
	createBackoffMin = 100 * time.Millisecond
	createBackoffMax = 2 * time.Second
)

// ErrWouldBlock is returned by Recv when no datagram arrives within the
// wait window.
var ErrWouldBlock = errors.New("mcastconn: would block")

// Endpoint is a joined multicast group socket bound to one local port.
type Endpoint struct {
	Group *net.UDPAddr
	Iface *net.Interface

	conn *net.UDPConn
	pc   *ipv4.PacketConn
	log  *logrus.Entry
}

// Create binds 0.0.0.0:port, joins groupIP on the given interface (nil for
// the default multicast-capable interface), sets the multicast TTL and 1
// MiB socket buffers, and retries up to createRetries times on failure
// (spec §7 "Resource create" row).
func Create(ctx context.Context, groupIP net.IP, port int, iface *net.Interface, log *logrus.Entry) (*Endpoint, error) {
	log = log.WithFields(logrus.Fields{"group": groupIP.String(), "port": port})

	b := &backoff.Backoff{Min: createBackoffMin, Max: createBackoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= createRetries; attempt++ {
		ep, err := createOnce(groupIP, port, iface, log)
		if err == nil {
			return ep, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("multicast socket create attempt failed")
		if attempt < createRetries {
			time.Sleep(b.Duration())
		}
	}
	return nil, fmt.Errorf("mcastconn: create group %s port %d: %w", groupIP, port, lastErr)
}

func createOnce(groupIP net.IP, port int, iface *net.Interface, log *logrus.Entry) (*Endpoint, error) {
	group := &net.UDPAddr{IP: groupIP, Port: port}

	lc := net.ListenConfig{Control: reuseAddrAndPort}
	pconn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", net.IPv4zero, port))
	if err != nil {
		return nil, fmt.Errorf("listen udp4 :%d: %w", port, err)
	}
	conn := pconn.(*net.UDPConn)

	if err := conn.SetReadBuffer(sockBufBytes); err != nil {
		log.WithError(err).Warn("set read buffer failed")
	}
	if err := conn.SetWriteBuffer(sockBufBytes); err != nil {
		log.WithError(err).Warn("set write buffer failed")
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(iface, group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join group %s: %w", groupIP, err)
	}
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}

	log.Info("multicast endpoint created")
	return &Endpoint{
		Group: group,
		Iface: iface,
		conn:  conn,
		pc:    pc,
		log:   log,
	}, nil
}

// reuseAddrAndPort sets SO_REUSEADDR and SO_REUSEPORT on the listening
// socket before bind (spec §4.2 "Enable address reuse"). Go's net package
// sets neither for a UDP listener, so two wildcard binds on the same port
// (the dataplane and auxiliary liveness sockets of one path, or a bind
// racing a TIME_WAIT leftover from a prior rejoin) fail with EADDRINUSE
// without this.
func reuseAddrAndPort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Recv waits up to timeout for a datagram and returns its payload and
// source address, or ErrWouldBlock if none arrived (the Go equivalent of
// select()+recvfrom()'s EAGAIN path).
func (e *Endpoint) Recv(timeout time.Duration, buf []byte) (int, *net.UDPAddr, error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// Send writes one datagram to the joined group's address and port.
func (e *Endpoint) Send(payload []byte) error {
	n, err := e.conn.WriteToUDP(payload, e.Group)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return fmt.Errorf("mcastconn: short write: sent %d of %d bytes", n, len(payload))
	}
	return nil
}

// Rejoin leaves and rejoins the multicast group on the same socket, used by
// the liveness keepalive to refresh TGW membership state without tearing
// down the whole endpoint (spec §4.5).
func (e *Endpoint) Rejoin() error {
	if err := e.pc.LeaveGroup(e.Iface, e.Group); err != nil {
		e.log.WithError(err).Warn("leave group failed during rejoin")
	}
	if err := e.pc.JoinGroup(e.Iface, e.Group); err != nil {
		return fmt.Errorf("mcastconn: rejoin group %s: %w", e.Group.IP, err)
	}
	return nil
}

// Close leaves the multicast group and closes the socket. A failure to
// leave the group is logged only (spec §4.2/§4.5); the socket close error
// is returned.
func (e *Endpoint) Close() error {
	if err := e.pc.LeaveGroup(e.Iface, e.Group); err != nil {
		e.log.WithError(err).Warn("leave group failed during close")
	}
	return e.conn.Close()
}
