// Package igmpliveness implements the IGMP liveness controller (C5): a
// keepalive loop that forces fresh Membership Reports, and a monitor loop
// that reconciles the kernel's local IGMP table against the cloud
// provider's remote multicast-domain registry, forcing a re-register on
// sustained drift.
package igmpliveness

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/comdaze/goose-bridge-on-ec2/internal/mcastconn"
	"github.com/comdaze/goose-bridge-on-ec2/internal/oracle"
)

const (
	// States of the per-path liveness state machine (spec §4.5).
	StateHealthy       = "healthy"
	StateWarning       = "warning"
	StateReregistering = "reregistering"

	eventMissing    = "missing"
	eventReregister = "reregister"
	eventRecovered  = "recovered"

	dropRejoinPause = 100 * time.Millisecond
	tickInterval    = time.Second
)

// Config controls the keepalive/monitor cadence and thresholds of spec §6.
type Config struct {
	KeepaliveInterval   time.Duration // default 90s
	MonitorInterval     time.Duration // default 120s
	ReregisterThreshold int           // default 2
	EnableTGWMonitoring bool
	GroupIP             netip.Addr
	Port                int
	DomainID            string
	Iface               *net.Interface
}

// Stats are the per-path IGMP counters of spec §3, read by the supervisor
// for export; each is only ever written by this controller's own
// goroutines, so plain atomics (not a mutex) are enough for the
// cross-goroutine reads the stats exporter performs.
type Stats struct {
	KeepaliveCount     atomic.Uint64
	ReregisterCount    atomic.Uint64
	MonitorChecks      atomic.Uint64
	TGWMissingCount    atomic.Uint64
	LocalMissingCount  atomic.Uint64
	ConsecutiveMissing atomic.Int64
}

// Controller runs the keepalive and monitor loops for one path.
type Controller struct {
	cfg    Config
	local  oracle.LocalOracle
	remote oracle.RemoteOracle
	log    *logrus.Entry

	Stats Stats

	mu        sync.Mutex
	conn      *mcastconn.Endpoint
	lastTGWOK bool

	machine *fsm.FSM
}

// New builds a liveness controller for one path. aux is the controller's
// own auxiliary multicast socket, distinct from the dataplane endpoint of
// C2 (spec §3 Ownership — forcing a rejoin here must never disturb
// in-flight dataplane datagrams).
func New(cfg Config, aux *mcastconn.Endpoint, local oracle.LocalOracle, remote oracle.RemoteOracle, log *logrus.Entry) *Controller {
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = 90 * time.Second
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 120 * time.Second
	}
	if cfg.ReregisterThreshold == 0 {
		cfg.ReregisterThreshold = 2
	}

	c := &Controller{
		cfg:       cfg,
		local:     local,
		remote:    remote,
		log:       log,
		conn:      aux,
		lastTGWOK: true,
	}
	c.machine = fsm.NewFSM(
		StateHealthy,
		fsm.Events{
			{Name: eventMissing, Src: []string{StateHealthy}, Dst: StateWarning},
			{Name: eventReregister, Src: []string{StateWarning}, Dst: StateReregistering},
			{Name: eventRecovered, Src: []string{StateHealthy, StateWarning, StateReregistering}, Dst: StateHealthy},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				c.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("liveness state transition")
			},
		},
	)
	return c
}

// State returns the current liveness state machine state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

// Run blocks running the keepalive and monitor loops until ctx is
// cancelled, matching the "single atomic running flag" shutdown model of
// spec §5 (here, context cancellation serves that role).
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.keepaliveLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.monitorLoop(ctx)
	}()
	wg.Wait()
}

// keepaliveLoop forces a fresh Membership Report every KeepaliveInterval by
// leaving and immediately rejoining the group (there is no pause between
// leave and join; the 100ms pause follows the rejoin), sleeping the cadence
// in 1s ticks so shutdown latency stays bounded (spec §4.5/§5).
func (c *Controller) keepaliveLoop(ctx context.Context) {
	elapsed := time.Duration(0)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += tickInterval
			if elapsed < c.cfg.KeepaliveInterval {
				continue
			}
			elapsed = 0
			c.forceRejoin(ctx)
		}
	}
}

func (c *Controller) forceRejoin(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Rejoin(); err != nil {
		c.log.WithError(err).Warn("keepalive rejoin failed")
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(dropRejoinPause):
	}
	c.Stats.KeepaliveCount.Add(1)
}

// monitorLoop runs the dual-oracle check every MonitorInterval and drives
// the state machine (spec §4.5).
func (c *Controller) monitorLoop(ctx context.Context) {
	elapsed := time.Duration(0)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += tickInterval
			if elapsed < c.cfg.MonitorInterval {
				continue
			}
			elapsed = 0
			c.checkOnce(ctx)
		}
	}
}

func (c *Controller) checkOnce(ctx context.Context) {
	c.Stats.MonitorChecks.Add(1)

	localOK, err := c.local.HasGroup(ctx, c.cfg.GroupIP)
	if err != nil {
		c.log.WithError(err).Warn("local igmp check failed")
		localOK = false
	}
	if !localOK {
		c.Stats.LocalMissingCount.Add(1)
	}

	tgwOK := c.lastTGWOK
	if c.cfg.EnableTGWMonitoring {
		ok, apiErr := c.remote.HasGroup(ctx, c.cfg.DomainID, c.cfg.GroupIP)
		if apiErr != nil {
			// Sticky fallback: an API failure preserves the previous verdict
			// rather than counting as a confirmed miss (spec §7/§9).
			c.log.WithError(apiErr).Warn("remote tgw check failed, keeping last known state")
			tgwOK = c.lastTGWOK
		} else {
			tgwOK = ok
			c.lastTGWOK = ok
			if !ok {
				c.Stats.TGWMissingCount.Add(1)
			}
		}
	}

	if localOK && tgwOK {
		c.Stats.ConsecutiveMissing.Store(0)
		_ = c.machine.Event(eventRecovered)
		return
	}

	missing := c.Stats.ConsecutiveMissing.Add(1)
	if c.machine.Current() == StateHealthy {
		_ = c.machine.Event(eventMissing)
	}

	if int(missing) >= c.cfg.ReregisterThreshold {
		if c.machine.Current() == StateWarning {
			_ = c.machine.Event(eventReregister)
		}
		c.reregister(ctx)
		_ = c.machine.Event(eventRecovered)
		c.Stats.ConsecutiveMissing.Store(0)
	}
}

// reregister builds a brand-new auxiliary socket, joins the group, swaps it
// in atomically, and closes the old one (spec §4.5).
func (c *Controller) reregister(ctx context.Context) {
	newConn, err := mcastconn.Create(ctx, net.IP(c.cfg.GroupIP.AsSlice()), c.cfg.Port, c.cfg.Iface, c.log)
	if err != nil {
		c.log.WithError(err).Error("forced re-register failed to create new socket")
		return
	}

	c.mu.Lock()
	old := c.conn
	c.conn = newConn
	c.mu.Unlock()

	if err := old.Close(); err != nil {
		c.log.WithError(err).Warn("closing old auxiliary socket after re-register failed")
	}
	c.Stats.ReregisterCount.Add(1)
	c.log.Info("forced re-register complete")
}

// Close tears down the controller's auxiliary socket.
func (c *Controller) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}
