// Package tapdev creates and owns one TAP (Layer 2) virtual Ethernet
// interface: the kernel fd, its interface configuration, and raw frame
// read/write with bounded-wait ("WouldBlock") semantics.
package tapdev

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	tunDevice = "/dev/net/tun"

	createRetries    = 3
	createBackoffMin = 100 * time.Millisecond
	createBackoffMax = 2 * time.Second

	ifaceCmdTimeout = 10 * time.Second
)

// Device owns one TAP interface's kernel fd and interface name. It is not
// safe to destroy a Device from two goroutines concurrently, but Read and
// Write may be called concurrently by the two pump goroutines of a path
// (spec §5 — distinct syscalls on the same fd are safe).
type Device struct {
	Name string

	file *os.File
	log  *logrus.Entry
}

// Create opens the kernel TUN/TAP control device, requests a TAP (not TUN)
// interface with IFF_NO_PI so the fd yields exactly the Ethernet frame, sets
// it non-blocking, then configures addr/up/multicast/promisc/mtu/txqueuelen
// via `ip` commands. Creation is retried up to createRetries times with a
// short backoff (spec §7 "Resource create" row) before returning an error.
func Create(ctx context.Context, name string, addr net.IPNet, log *logrus.Entry) (*Device, error) {
	log = log.WithField("iface", name)

	b := &backoff.Backoff{Min: createBackoffMin, Max: createBackoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= createRetries; attempt++ {
		dev, err := createOnce(name, log)
		if err == nil {
			dev.configure(ctx, addr)
			return dev, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("tap create attempt failed")
		if attempt < createRetries {
			time.Sleep(b.Duration())
		}
	}
	return nil, fmt.Errorf("tapdev: create %s: %w", name, lastErr)
}

func createOnce(name string, log *logrus.Entry) (*Device, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("new ifreq: %w", err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	log.Info("tap interface created")
	return &Device{
		Name: name,
		file: os.NewFile(uintptr(fd), name),
		log:  log,
	}, nil
}

// configure brings the interface up with the given address. Individual
// command failures are logged but never abort creation — the interface may
// already be partially configured by a previous run (spec §4.1).
func (d *Device) configure(ctx context.Context, addr net.IPNet) {
	ones, _ := addr.Mask.Size()
	cidr := fmt.Sprintf("%s/%d", addr.IP.String(), ones)

	commands := [][]string{
		{"ip", "addr", "add", cidr, "dev", d.Name},
		{"ip", "link", "set", d.Name, "up"},
		{"ip", "link", "set", d.Name, "multicast", "on"},
		{"ip", "link", "set", d.Name, "promisc", "on"},
		{"ip", "link", "set", d.Name, "mtu", "1500"},
		{"ip", "link", "set", d.Name, "txqueuelen", "1000"},
	}

	for _, args := range commands {
		cctx, cancel := context.WithTimeout(ctx, ifaceCmdTimeout)
		out, err := exec.CommandContext(cctx, args[0], args[1:]...).CombinedOutput()
		cancel()
		if err != nil {
			d.log.WithError(err).WithField("cmd", strings.Join(args, " ")).
				Warn("interface configuration command failed")
			continue
		}
		d.log.WithField("cmd", strings.Join(args, " ")).Debug("interface configuration command ok")
	}
	d.log.Info("tap interface configured")
}

// ErrWouldBlock is returned by Read when no frame is available within the
// wait window.
var ErrWouldBlock = os.ErrDeadlineExceeded

// Read waits up to the given timeout for a frame to become readable and
// returns it, or ErrWouldBlock if none arrived. This is the idiomatic Go
// equivalent of select()-then-nonblocking-read: the fd is already
// non-blocking, and SetReadDeadline hands the wait to the runtime's network
// poller rather than a manual select loop.
func (d *Device) Read(timeout time.Duration, buf []byte) (int, error) {
	if err := d.file.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := d.file.Read(buf)
	if err != nil {
		if os.IsTimeout(err) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Write writes exactly one frame; it does not fragment (spec §4.1).
func (d *Device) Write(frame []byte) error {
	n, err := d.file.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("tapdev: short write on %s: wrote %d of %d bytes", d.Name, n, len(frame))
	}
	return nil
}

// Close closes the fd and deletes the interface. Teardown errors are logged
// only (spec §4.1).
func (d *Device) Close() error {
	err := d.file.Close()
	if err != nil {
		d.log.WithError(err).Warn("closing tap fd failed")
	}

	cctx, cancel := context.WithTimeout(context.Background(), ifaceCmdTimeout)
	defer cancel()
	if out, delErr := exec.CommandContext(cctx, "ip", "link", "delete", d.Name).CombinedOutput(); delErr != nil {
		d.log.WithError(delErr).WithField("output", string(out)).Warn("deleting tap interface failed")
	} else {
		d.log.Info("tap interface deleted")
	}
	return err
}

// OutboundIPv4 returns the IPv4 address the kernel selects when connecting
// a throwaway UDP socket to a public address — the standard trick for
// learning this host's outbound source address, used both to derive a
// unique per-instance TAP address (spec §4.1) and, by the path relay, to
// self-filter the bridge's own multicast traffic (spec §4.4).
func OutboundIPv4() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("tapdev: determine outbound address: %w", err)
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("tapdev: unparsable outbound address %q", host)
	}
	return ip.To4(), nil
}

// DeriveTAPAddress builds the deterministic per-path TAP address of spec
// §4.1: the last octet of the host's outbound IPv4 address, inside the
// path's fixed /24 (192.168.100.0/24 primary, 192.168.101.0/24 backup).
func DeriveTAPAddress(base24 net.IP, outbound net.IP) net.IPNet {
	last := byte(1)
	if v4 := outbound.To4(); v4 != nil {
		last = v4[3]
	}
	b := base24.To4()
	addr := net.IPv4(b[0], b[1], b[2], last)
	return net.IPNet{IP: addr, Mask: net.CIDRMask(24, 32)}
}
