package bridgeconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchSpecTable(t *testing.T) {
	d := Defaults()
	assert.Equal(t, "goose0", d.PrimaryInterface)
	assert.Equal(t, "goose1", d.BackupInterface)
	assert.Equal(t, "224.0.1.100", d.PrimaryMulticastIP)
	assert.Equal(t, "224.0.1.101", d.BackupMulticastIP)
	assert.Equal(t, 61850, d.MulticastPort)
	assert.Equal(t, 2048, d.BufferSize)
	assert.Equal(t, 10, d.BatchSize)
	assert.True(t, d.EnableIGMPKeepalive)
	assert.Equal(t, 90, d.IGMPKeepaliveInterval)
	assert.Equal(t, 120, d.IGMPMonitorInterval)
	assert.Equal(t, 2, d.IGMPReregisterThresh)
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadOverridesSelectedKeysOnly(t *testing.T) {
	path := writeConfig(t, `
# comment
; also a comment
batch_size = 25
primary_multicast_ip = 239.1.1.1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, "239.1.1.1", cfg.PrimaryMulticastIP)
	// everything else stays at default
	assert.Equal(t, "goose0", cfg.PrimaryInterface)
	assert.Equal(t, 2048, cfg.BufferSize)
	assert.Equal(t, 61850, cfg.MulticastPort)
}

func TestLoadCanDisableIGMPKeepalive(t *testing.T) {
	path := writeConfig(t, "enable_igmp_keepalive = false\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.EnableIGMPKeepalive)
}

func TestLoadRejectsUnrecognizedKey(t *testing.T) {
	path := writeConfig(t, "not_a_real_key = 1\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	path := writeConfig(t, "this line has no equals sign\n")

	_, err := Load(path)
	assert.Error(t, err)
}
