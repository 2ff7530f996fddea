// Package bridge is the supervisor: it instantiates the two independent
// (TAP+multicast+pump) stacks and one liveness controller per path,
// sequences their start/stop, and feeds the stats exporter.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/comdaze/goose-bridge-on-ec2/internal/bridgeconfig"
	"github.com/comdaze/goose-bridge-on-ec2/internal/igmpliveness"
	"github.com/comdaze/goose-bridge-on-ec2/internal/mcastconn"
	"github.com/comdaze/goose-bridge-on-ec2/internal/oracle"
	"github.com/comdaze/goose-bridge-on-ec2/internal/pathrelay"
	"github.com/comdaze/goose-bridge-on-ec2/internal/statsreport"
	"github.com/comdaze/goose-bridge-on-ec2/internal/tapdev"
)

// path bundles one path's owned resources (spec §3 Ownership).
type path struct {
	name     string
	tap      *tapdev.Device
	mcast    *mcastconn.Endpoint
	pump     *pathrelay.Pump
	liveness *igmpliveness.Controller

	livenessCancel context.CancelFunc
}

// Bridge is the top-level supervisor described in spec §2 ("Supervisor").
type Bridge struct {
	cfg bridgeconfig.Config
	log *logrus.Entry

	// running is spec §5's "single atomic running flag" gating every pump
	// loop.
	running atomic.Bool

	primary *path
	backup  *path

	statsPath string
	reporter  *statsreport.Reporter
}

// New builds a Bridge from a loaded config. statsPath is where the JSON
// snapshot of spec §6 is written.
func New(cfg bridgeconfig.Config, statsPath string, log *logrus.Entry) *Bridge {
	return &Bridge{cfg: cfg, log: log, statsPath: statsPath}
}

// Start brings up both paths: TAP, multicast socket, pump, and (if
// enabled) the liveness controller, in that order per path, matching
// goose-bridge-dual.py's start() sequencing (tap_manager then
// multicast_manager then processor then igmp_keepalive).
func (b *Bridge) Start(ctx context.Context) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("bridge: root privilege required to create tap interfaces")
	}

	primary, err := b.buildPath(ctx, "primary", b.cfg.PrimaryInterface, b.cfg.PrimaryTunIP,
		b.cfg.PrimaryMulticastIP, b.cfg.PrimaryTGWDomainID)
	if err != nil {
		return fmt.Errorf("bridge: build primary path: %w", err)
	}
	backup, err := b.buildPath(ctx, "backup", b.cfg.BackupInterface, b.cfg.BackupTunIP,
		b.cfg.BackupMulticastIP, b.cfg.BackupTGWDomainID)
	if err != nil {
		primary.teardown(b.log)
		return fmt.Errorf("bridge: build backup path: %w", err)
	}

	b.primary = primary
	b.backup = backup
	b.running.Store(true)

	b.startPath(primary)
	b.startPath(backup)

	sources := []statsreport.Source{
		pathSource(primary),
		pathSource(backup),
	}
	if err := statsreport.EnsureDir(b.statsPath); err != nil {
		b.log.WithError(err).Warn("could not create stats directory")
	}
	interval := time.Duration(b.cfg.StatsExportInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	b.reporter = statsreport.New(b.statsPath, interval, sources, b.log.WithField("component", "statsreport"))

	b.log.WithFields(logrus.Fields{
		"primary": fmt.Sprintf("%s <-> %s:%d", b.cfg.PrimaryInterface, b.cfg.PrimaryMulticastIP, b.cfg.MulticastPort),
		"backup":  fmt.Sprintf("%s <-> %s:%d", b.cfg.BackupInterface, b.cfg.BackupMulticastIP, b.cfg.MulticastPort),
	}).Info("bridge started")
	return nil
}

func (b *Bridge) buildPath(ctx context.Context, name, ifaceName, tunIP, groupIPStr, domainID string) (*path, error) {
	log := b.log.WithField("path", name)

	base24, err := parsePrefix(tunIP)
	if err != nil {
		return nil, fmt.Errorf("parse tun ip %q: %w", tunIP, err)
	}

	// The configured tun ip is a /24 template (spec §4.1): each instance
	// derives its own last octet from its outbound address rather than
	// binding the literal configured address, so two bridges sharing the
	// L2 segment don't collide on the same TAP address.
	outbound, err := tapdev.OutboundIPv4()
	if err != nil {
		log.WithError(err).Warn("could not determine outbound ip, falling back to configured tun ip")
	}
	addr := base24
	if outbound != nil {
		addr = tapdev.DeriveTAPAddress(base24.IP, outbound)
	}

	dev, err := tapdev.Create(ctx, ifaceName, addr, log.WithField("component", "tapdev"))
	if err != nil {
		return nil, fmt.Errorf("create tap: %w", err)
	}

	groupIP := net.ParseIP(groupIPStr)
	if groupIP == nil {
		dev.Close()
		return nil, fmt.Errorf("invalid multicast group ip %q", groupIPStr)
	}
	mc, err := mcastconn.Create(ctx, groupIP, b.cfg.MulticastPort, nil, log.WithField("component", "mcastconn"))
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("create multicast endpoint: %w", err)
	}

	pump := pathrelay.New(dev, mc, pathrelay.Config{
		BufferSize: b.cfg.BufferSize,
		BatchSize:  b.cfg.BatchSize,
	}, outbound, log.WithField("component", "pathrelay"))

	p := &path{name: name, tap: dev, mcast: mc, pump: pump}

	if b.cfg.EnableIGMPKeepalive {
		groupAddr, ok := netip.AddrFromSlice(groupIP.To4())
		if !ok {
			return nil, fmt.Errorf("invalid multicast group ip %q", groupIPStr)
		}
		auxConn, err := mcastconn.Create(ctx, groupIP, b.cfg.MulticastPort, nil, log.WithField("component", "igmpliveness"))
		if err != nil {
			return nil, fmt.Errorf("create auxiliary liveness socket: %w", err)
		}
		p.liveness = igmpliveness.New(igmpliveness.Config{
			KeepaliveInterval:   time.Duration(b.cfg.IGMPKeepaliveInterval) * time.Second,
			MonitorInterval:     time.Duration(b.cfg.IGMPMonitorInterval) * time.Second,
			ReregisterThreshold: b.cfg.IGMPReregisterThresh,
			EnableTGWMonitoring: b.cfg.EnableTGWMonitoring,
			GroupIP:             groupAddr,
			Port:                b.cfg.MulticastPort,
			DomainID:            domainID,
		}, auxConn, oracle.NewProcIGMPOracle(), oracle.NewAWSCLIMulticastOracle(), log.WithField("component", "igmpliveness"))
	}

	return p, nil
}

func (b *Bridge) startPath(p *path) {
	go p.pump.Run(&b.running)
	if p.liveness != nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.livenessCancel = cancel
		go p.liveness.Run(ctx)
	}
}

// Run blocks until ctx is cancelled (SIGINT/SIGTERM per spec §5), then
// stops the bridge.
func (b *Bridge) Run(ctx context.Context) {
	stop := make(chan struct{})
	go b.reporter.Run(stop)

	<-ctx.Done()
	close(stop)
	b.Stop()
}

// Stop clears the running flag and tears down every resource, matching
// goose-bridge-dual.py's stop() ordering (processor, then igmp keepalive,
// then multicast, then tap).
func (b *Bridge) Stop() {
	b.log.Info("stopping bridge")
	b.running.Store(false)

	var wg sync.WaitGroup
	for _, p := range []*path{b.primary, b.backup} {
		if p == nil {
			continue
		}
		wg.Add(1)
		go func(p *path) {
			defer wg.Done()
			p.teardown(b.log)
		}(p)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.log.Warn("shutdown did not complete within timeout, proceeding anyway")
	}
	b.log.Info("bridge stopped")
}

func (p *path) teardown(log *logrus.Entry) {
	if p.livenessCancel != nil {
		p.livenessCancel()
	}
	if p.liveness != nil {
		if err := p.liveness.Close(); err != nil {
			log.WithError(err).Warn("closing liveness controller failed")
		}
	}
	if err := p.mcast.Close(); err != nil {
		log.WithError(err).Warn("closing multicast endpoint failed")
	}
	if err := p.tap.Close(); err != nil {
		log.WithError(err).Warn("closing tap device failed")
	}
}

func pathSource(p *path) statsreport.Source {
	return func() statsreport.PathCounters {
		c := statsreport.PathCounters{
			Name:              p.name,
			RawFrames:         p.pump.Stats.RawFrames.Load(),
			GooseReceived:     p.pump.Stats.GooseReceived.Load(),
			VLANGooseReceived: p.pump.Stats.VLANGooseReceived.Load(),
			GooseToIP:         p.pump.Stats.GooseToIP.Load(),
			IPToGoose:         p.pump.Stats.IPToGoose.Load(),
			Errors:            p.pump.Stats.Errors.Load(),
		}
		if p.liveness != nil {
			c.KeepaliveCount = p.liveness.Stats.KeepaliveCount.Load()
			c.ReregisterCount = p.liveness.Stats.ReregisterCount.Load()
			c.MonitorChecks = p.liveness.Stats.MonitorChecks.Load()
			c.TGWMissingCount = p.liveness.Stats.TGWMissingCount.Load()
			c.LocalMissingCount = p.liveness.Stats.LocalMissingCount.Load()
			c.ConsecutiveMissing = p.liveness.Stats.ConsecutiveMissing.Load()
			c.LivenessState = p.liveness.State()
		}
		return c
	}
}

func parsePrefix(s string) (net.IPNet, error) {
	ip, ipNet, err := net.ParseCIDR(strings.TrimSpace(s))
	if err != nil {
		return net.IPNet{}, err
	}
	ipNet.IP = ip
	return *ipNet, nil
}
