package pathrelay

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTap is a minimal tapIO test double: a fixed queue of frames to read,
// and a recorder of frames written.
type fakeTap struct {
	toRead  [][]byte
	written [][]byte
}

func (f *fakeTap) Read(timeout time.Duration, buf []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, timeoutErr{}
	}
	frame := f.toRead[0]
	f.toRead = f.toRead[1:]
	return copy(buf, frame), nil
}

func (f *fakeTap) Write(frame []byte) error {
	f.written = append(f.written, append([]byte(nil), frame...))
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "would block" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeMcast is a minimal mcastIO test double.
type fakeMcast struct {
	toRecv []recvItem
	sent   [][]byte
}

type recvItem struct {
	data []byte
	addr *net.UDPAddr
}

func (f *fakeMcast) Recv(timeout time.Duration, buf []byte) (int, *net.UDPAddr, error) {
	if len(f.toRecv) == 0 {
		return 0, nil, timeoutErr{}
	}
	item := f.toRecv[0]
	f.toRecv = f.toRecv[1:]
	return copy(buf, item.data), item.addr, nil
}

func (f *fakeMcast) Send(payload []byte) error {
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func newTestLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return logrus.NewEntry(l)
}

func plainGOOSEFrame() []byte {
	return []byte{
		0x01, 0x0C, 0xCD, 0x01, 0x00, 0x01,
		0x02, 0x00, 0x00, 0x00, 0x00, 0xAA,
		0x88, 0xB8,
		0xDE, 0xAD, 0xBE, 0xEF,
	}
}

func nonGOOSEFrame() []byte {
	return []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0x02, 0x00, 0x00, 0x00, 0x00, 0xCC,
		0x08, 0x00,
		0x00, 0x00,
	}
}

// TestGOOSEFrameForwardedToMulticast covers the TAP->Multicast half of
// scenario 1 of spec §8.
func TestGOOSEFrameForwardedToMulticast(t *testing.T) {
	mc := &fakeMcast{}
	p := New(&fakeTap{}, mc, Config{}, nil, newTestLog())

	ok := p.relayFrameToMulticast(plainGOOSEFrame())

	assert.True(t, ok)
	require.Len(t, mc.sent, 1)
	assert.EqualValues(t, 1, p.Stats.GooseReceived.Load())
	assert.EqualValues(t, 1, p.Stats.GooseToIP.Load())
	assert.EqualValues(t, 1, p.Stats.RawFrames.Load())
}

// TestNonGOOSEFrameNotForwarded is scenario 3 / P4 of spec §8: raw_frames
// advances but goose_received does not, and nothing is sent.
func TestNonGOOSEFrameNotForwarded(t *testing.T) {
	mc := &fakeMcast{}
	p := New(&fakeTap{}, mc, Config{}, nil, newTestLog())

	ok := p.relayFrameToMulticast(nonGOOSEFrame())

	assert.True(t, ok)
	assert.Empty(t, mc.sent)
	assert.EqualValues(t, 1, p.Stats.RawFrames.Load())
	assert.EqualValues(t, 0, p.Stats.GooseReceived.Load())
}

// TestSelfSourcedDatagramDropped is scenario 4 / P3 of spec §8.
func TestSelfSourcedDatagramDropped(t *testing.T) {
	tap := &fakeTap{}
	ownIP := net.ParseIP("10.0.0.5")
	p := New(tap, &fakeMcast{}, Config{}, ownIP, newTestLog())

	datagram := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	ok := p.relayDatagramToTAP(datagram, &net.UDPAddr{IP: ownIP, Port: 61850})

	assert.True(t, ok)
	assert.Empty(t, tap.written)
	assert.EqualValues(t, 0, p.Stats.IPToGoose.Load())
}

// TestForeignDatagramReconstructedAndWritten covers the Multicast->TAP half
// of scenario 1 of spec §8.
func TestForeignDatagramReconstructedAndWritten(t *testing.T) {
	tap := &fakeTap{}
	ownIP := net.ParseIP("10.0.0.5")
	p := New(tap, &fakeMcast{}, Config{}, ownIP, newTestLog())

	tunnel := []byte{
		0x02, 0x00, 0x00, 0x00, 0x00, 0xAA, // src mac
		0, 0, 0, 0, 0, 0, 0, 42, // timestamp
		0x00, 0x00, // vlan_flag
		0x00, 0x00, // vlan_id
		0xDE, 0xAD, 0xBE, 0xEF, // payload
	}
	ok := p.relayDatagramToTAP(tunnel, &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 61850})

	assert.True(t, ok)
	require.Len(t, tap.written, 1)
	assert.Equal(t, plainGOOSEFrame(), tap.written[0])
	assert.EqualValues(t, 1, p.Stats.IPToGoose.Load())
}

func TestTooShortTunnelPayloadIncrementsErrors(t *testing.T) {
	tap := &fakeTap{}
	p := New(tap, &fakeMcast{}, Config{}, nil, newTestLog())

	ok := p.relayDatagramToTAP(make([]byte, 10), &net.UDPAddr{IP: net.ParseIP("10.0.0.9")})

	assert.False(t, ok)
	assert.Empty(t, tap.written)
	assert.EqualValues(t, 1, p.Stats.Errors.Load())
}

// TestPathsAreIndependent is P6/scenario 6 of spec §8: counters on one
// pump are unaffected by another pump's errors.
func TestPathsAreIndependent(t *testing.T) {
	primary := New(&fakeTap{}, &fakeMcast{}, Config{}, nil, newTestLog())
	backup := New(&fakeTap{}, &fakeMcast{}, Config{}, nil, newTestLog())

	primary.relayFrameToMulticast(plainGOOSEFrame())
	backup.relayDatagramToTAP(make([]byte, 10), &net.UDPAddr{IP: net.ParseIP("10.0.0.9")})

	assert.EqualValues(t, 1, primary.Stats.GooseToIP.Load())
	assert.EqualValues(t, 0, primary.Stats.Errors.Load())
	assert.EqualValues(t, 1, backup.Stats.Errors.Load())
}
