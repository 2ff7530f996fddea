// Package pathrelay implements the path relay (C4): the bidirectional,
// batched, readiness-driven pump between one TAP endpoint and one
// multicast endpoint.
package pathrelay

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/comdaze/goose-bridge-on-ec2/internal/goosewire"
	"github.com/comdaze/goose-bridge-on-ec2/internal/mcastconn"
)

// tapIO is the subset of *tapdev.Device this pump needs; a narrow interface
// lets tests substitute a fake endpoint without a real kernel TAP device.
type tapIO interface {
	Read(timeout time.Duration, buf []byte) (int, error)
	Write(frame []byte) error
}

// mcastIO is the subset of *mcastconn.Endpoint this pump needs.
type mcastIO interface {
	Recv(timeout time.Duration, buf []byte) (int, *net.UDPAddr, error)
	Send(payload []byte) error
}

const (
	defaultBufferSize = 2048
	defaultBatchSize  = 10

	readinessTimeout       = time.Second
	maxConsecutiveTimeouts = 100
	maxConsecutiveErrors   = 10
)

// Config controls per-read buffer size and per-wakeup batch cap (spec §6).
type Config struct {
	BufferSize int
	BatchSize  int
}

func (c Config) withDefaults() Config {
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// Stats are the per-path dataplane counters of spec §3/§4.4. Cross-goroutine
// reads happen from the supervisor's export ticker, so these are atomics
// rather than the bare fields the spec treats as acceptable for
// single-writer/single-reader-at-shutdown counters (spec §5 — "torn reads
// are acceptable" is a looser bar than what a live stats export needs).
type Stats struct {
	RawFrames         atomic.Uint64
	GooseReceived     atomic.Uint64
	VLANGooseReceived atomic.Uint64
	GooseToIP         atomic.Uint64
	IPToGoose         atomic.Uint64
	Errors            atomic.Uint64
}

// Pump runs one path's two directional pumps.
type Pump struct {
	tap   tapIO
	mcast mcastIO
	cfg   Config
	log   *logrus.Entry

	Stats Stats

	ownLocalIP net.IP
}

// New builds a pump for one path. ownLocalIP is the outbound address used
// to self-filter ingress datagrams (spec §4.4); callers derive it once via
// tapdev.OutboundIPv4 at path start.
func New(tap tapIO, mcast mcastIO, cfg Config, ownLocalIP net.IP, log *logrus.Entry) *Pump {
	return &Pump{tap: tap, mcast: mcast, cfg: cfg.withDefaults(), ownLocalIP: ownLocalIP, log: log}
}

// Run starts both directional pumps and blocks until both exit (once
// running is cleared, or after more than maxConsecutiveErrors consecutive
// per-frame errors in a pump). It never returns an error: pump exit is
// reported only through logs and Stats.
func (p *Pump) Run(running *atomic.Bool) {
	done := make(chan struct{}, 2)
	go func() {
		p.tapToMulticast(running)
		done <- struct{}{}
	}()
	go func() {
		p.multicastToTAP(running)
		done <- struct{}{}
	}()
	<-done
	<-done
}

// tapToMulticast is the TAP->Multicast pump of spec §4.4.
func (p *Pump) tapToMulticast(running *atomic.Bool) {
	buf := make([]byte, p.cfg.BufferSize)
	consecutiveTimeouts := 0
	consecutiveErrors := 0

	for running.Load() {
		n, err := p.tap.Read(readinessTimeout, buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			consecutiveTimeouts++
			if consecutiveTimeouts >= maxConsecutiveTimeouts {
				p.log.Warn("tap->multicast pump idle for max consecutive timeouts")
				consecutiveTimeouts = 0
			}
			continue
		}
		if err != nil {
			p.log.WithError(err).Error("tap read failed")
			consecutiveErrors++
			if consecutiveErrors > maxConsecutiveErrors {
				p.log.Error("tap->multicast pump exiting after sustained errors")
				return
			}
			continue
		}
		consecutiveTimeouts = 0

		frame := append([]byte(nil), buf[:n]...)
		if ok := p.relayFrameToMulticast(frame); ok {
			consecutiveErrors = 0
		} else {
			consecutiveErrors++
			if consecutiveErrors > maxConsecutiveErrors {
				p.log.Error("tap->multicast pump exiting after sustained errors")
				return
			}
		}

		for i := 1; i < p.cfg.BatchSize; i++ {
			n, err := p.tap.Read(0, buf)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			if err != nil {
				p.log.WithError(err).Error("tap read failed")
				break
			}
			frame := append([]byte(nil), buf[:n]...)
			p.relayFrameToMulticast(frame)
		}
	}
}

func (p *Pump) relayFrameToMulticast(raw []byte) bool {
	p.Stats.RawFrames.Add(1)

	frame, err := goosewire.ParseEthernetFrame(raw)
	if err != nil {
		p.log.WithError(err).Debug("dropping unparseable frame")
		return true
	}
	if !goosewire.IsGOOSE(frame) {
		return true
	}
	if frame.HasVLAN {
		p.Stats.VLANGooseReceived.Add(1)
	} else {
		p.Stats.GooseReceived.Add(1)
	}

	tunnel := goosewire.EncodeTunnelPayload(frame, uint64(time.Now().UnixMicro()))
	if err := p.mcast.Send(tunnel); err != nil {
		p.log.WithError(err).Error("multicast send failed")
		p.Stats.Errors.Add(1)
		return false
	}
	p.Stats.GooseToIP.Add(1)
	return true
}

// multicastToTAP is the Multicast->TAP pump of spec §4.4.
func (p *Pump) multicastToTAP(running *atomic.Bool) {
	buf := make([]byte, p.cfg.BufferSize)
	consecutiveTimeouts := 0
	consecutiveErrors := 0

	for running.Load() {
		n, addr, err := p.mcast.Recv(readinessTimeout, buf)
		if errors.Is(err, mcastconn.ErrWouldBlock) {
			consecutiveTimeouts++
			if consecutiveTimeouts >= maxConsecutiveTimeouts {
				p.log.Warn("multicast->tap pump idle for max consecutive timeouts")
				consecutiveTimeouts = 0
			}
			continue
		}
		if err != nil {
			p.log.WithError(err).Error("multicast recv failed")
			consecutiveErrors++
			if consecutiveErrors > maxConsecutiveErrors {
				p.log.Error("multicast->tap pump exiting after sustained errors")
				return
			}
			continue
		}
		consecutiveTimeouts = 0

		datagram := append([]byte(nil), buf[:n]...)
		if ok := p.relayDatagramToTAP(datagram, addr); ok {
			consecutiveErrors = 0
		} else {
			consecutiveErrors++
			if consecutiveErrors > maxConsecutiveErrors {
				p.log.Error("multicast->tap pump exiting after sustained errors")
				return
			}
		}

		for i := 1; i < p.cfg.BatchSize; i++ {
			n, addr, err := p.mcast.Recv(0, buf)
			if errors.Is(err, mcastconn.ErrWouldBlock) {
				break
			}
			if err != nil {
				p.log.WithError(err).Error("multicast recv failed")
				break
			}
			datagram := append([]byte(nil), buf[:n]...)
			p.relayDatagramToTAP(datagram, addr)
		}
	}
}

func (p *Pump) relayDatagramToTAP(datagram []byte, addr *net.UDPAddr) bool {
	if p.ownLocalIP != nil && addr.IP.Equal(p.ownLocalIP) {
		return true
	}

	hdr, err := goosewire.DecodeTunnelPayload(datagram)
	if err != nil {
		p.log.WithError(err).Debug("dropping undersized tunnel payload")
		p.Stats.Errors.Add(1)
		return false
	}

	frame, err := goosewire.ReconstructFrame(hdr)
	if err != nil {
		p.log.WithError(err).Error("frame reconstruct failed")
		p.Stats.Errors.Add(1)
		return false
	}

	if err := p.tap.Write(frame); err != nil {
		p.log.WithError(err).Error("tap write failed")
		p.Stats.Errors.Add(1)
		return false
	}
	p.Stats.IPToGoose.Add(1)
	return true
}
