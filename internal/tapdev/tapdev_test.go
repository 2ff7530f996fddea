package tapdev

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTAPAddressUsesOutboundLastOctet(t *testing.T) {
	base := net.ParseIP("192.168.100.0")
	outbound := net.ParseIP("10.20.30.42")

	got := DeriveTAPAddress(base, outbound)

	assert.Equal(t, "192.168.100.42", got.IP.String())
	ones, bits := got.Mask.Size()
	assert.Equal(t, 24, ones)
	assert.Equal(t, 32, bits)
}

func TestDeriveTAPAddressBackupRange(t *testing.T) {
	base := net.ParseIP("192.168.101.0")
	outbound := net.ParseIP("172.16.5.7")

	got := DeriveTAPAddress(base, outbound)

	assert.Equal(t, "192.168.101.7", got.IP.String())
}

func TestDeriveTAPAddressFallsBackWhenOutboundNotIPv4(t *testing.T) {
	base := net.ParseIP("192.168.100.0")
	outbound := net.ParseIP("::1")

	got := DeriveTAPAddress(base, outbound)

	assert.Equal(t, "192.168.100.1", got.IP.String())
}
