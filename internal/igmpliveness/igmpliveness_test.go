package igmpliveness

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comdaze/goose-bridge-on-ec2/internal/mcastconn"
)

type fakeLocalOracle struct {
	present bool
}

func (f *fakeLocalOracle) HasGroup(ctx context.Context, group netip.Addr) (bool, error) {
	return f.present, nil
}

type fakeRemoteOracle struct {
	present bool
	err     error
}

func (f *fakeRemoteOracle) HasGroup(ctx context.Context, domainID string, group netip.Addr) (bool, error) {
	return f.present, f.err
}

func loopbackEndpoint(t *testing.T) *mcastconn.Endpoint {
	t.Helper()
	lo, err := net.InterfaceByName("lo")
	if err != nil {
		t.Skipf("no loopback interface available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ep, err := mcastconn.Create(ctx, net.ParseIP("239.5.6.7"), 0, lo, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Skipf("multicast not available in this sandbox: %v", err)
	}
	return ep
}

// TestForcedReregisterAfterThresholdMisses is scenario 5 / P5 of spec §8:
// two consecutive missing ticks at threshold 2 trigger exactly one
// re-register, and a subsequent healthy tick leaves counters unchanged.
func TestForcedReregisterAfterThresholdMisses(t *testing.T) {
	ep := loopbackEndpoint(t)
	defer ep.Close()

	log := logrus.NewEntry(logrus.New())
	local := &fakeLocalOracle{present: false}
	remote := &fakeRemoteOracle{present: true}

	c := New(Config{
		ReregisterThreshold: 2,
		EnableTGWMonitoring: false,
		GroupIP:             netip.MustParseAddr("239.5.6.7"),
		Port:                0,
	}, ep, local, remote, log)

	ctx := context.Background()
	c.checkOnce(ctx)
	assert.EqualValues(t, 1, c.Stats.ConsecutiveMissing.Load())
	assert.EqualValues(t, 0, c.Stats.ReregisterCount.Load())
	assert.Equal(t, StateWarning, c.State())

	c.checkOnce(ctx)
	assert.EqualValues(t, 0, c.Stats.ConsecutiveMissing.Load())
	assert.EqualValues(t, 1, c.Stats.ReregisterCount.Load())
	assert.Equal(t, StateHealthy, c.State())

	local.present = true
	c.checkOnce(ctx)
	assert.EqualValues(t, 0, c.Stats.ConsecutiveMissing.Load())
	assert.EqualValues(t, 1, c.Stats.ReregisterCount.Load())
}

func TestHealthyCheckResetsConsecutiveMissing(t *testing.T) {
	ep := loopbackEndpoint(t)
	defer ep.Close()

	log := logrus.NewEntry(logrus.New())
	local := &fakeLocalOracle{present: false}
	remote := &fakeRemoteOracle{present: true}

	c := New(Config{ReregisterThreshold: 2, GroupIP: netip.MustParseAddr("239.5.6.7")}, ep, local, remote, log)

	c.checkOnce(context.Background())
	assert.EqualValues(t, 1, c.Stats.ConsecutiveMissing.Load())

	local.present = true
	c.checkOnce(context.Background())
	assert.EqualValues(t, 0, c.Stats.ConsecutiveMissing.Load())
	assert.Equal(t, StateHealthy, c.State())
}

// TestRemoteAPIFailureIsSticky is the sticky-fallback behaviour of spec
// §7/§9: a remote oracle error preserves the previous verdict instead of
// counting as a confirmed miss.
func TestRemoteAPIFailureIsSticky(t *testing.T) {
	ep := loopbackEndpoint(t)
	defer ep.Close()

	log := logrus.NewEntry(logrus.New())
	local := &fakeLocalOracle{present: true}
	remote := &fakeRemoteOracle{present: true}

	c := New(Config{ReregisterThreshold: 2, EnableTGWMonitoring: true, GroupIP: netip.MustParseAddr("239.5.6.7")}, ep, local, remote, log)

	c.checkOnce(context.Background())
	require.EqualValues(t, 0, c.Stats.ConsecutiveMissing.Load())

	remote.err = assertAPIErr
	c.checkOnce(context.Background())
	assert.EqualValues(t, 0, c.Stats.ConsecutiveMissing.Load())
	assert.EqualValues(t, 0, c.Stats.TGWMissingCount.Load())
}

var assertAPIErr = context.DeadlineExceeded
