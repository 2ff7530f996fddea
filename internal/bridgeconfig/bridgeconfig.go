// Package bridgeconfig loads and defaults the bridge's runtime
// configuration: the flat key=value options the core consumes from an
// external loader (spec §6). The loader's own grammar (sections, includes,
// CLI flags) is out of scope per spec §1 — only the small set of keys the
// core actually reads is specified here.
package bridgeconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/imdario/mergo"
)

// Config holds every option named in spec §6's table, defaulted per that
// table and overridable by a loaded file.
type Config struct {
	PrimaryInterface string
	BackupInterface  string

	PrimaryTunIP string
	BackupTunIP  string

	PrimaryMulticastIP string
	BackupMulticastIP  string
	MulticastPort      int

	BufferSize int
	BatchSize  int

	EnableIGMPKeepalive   bool
	IGMPKeepaliveInterval int
	IGMPMonitorInterval   int
	IGMPReregisterThresh  int
	EnableTGWMonitoring   bool

	PrimaryTGWDomainID string
	BackupTGWDomainID  string

	StatsExportInterval int
}

// Defaults returns the hard-coded defaults of spec §4.1/§4.4/§4.5/§6.
func Defaults() Config {
	return Config{
		PrimaryInterface: "goose0",
		BackupInterface:  "goose1",

		PrimaryTunIP: "192.168.100.1/24",
		BackupTunIP:  "192.168.101.1/24",

		PrimaryMulticastIP: "224.0.1.100",
		BackupMulticastIP:  "224.0.1.101",
		MulticastPort:      61850,

		BufferSize: 2048,
		BatchSize:  10,

		EnableIGMPKeepalive:   true,
		IGMPKeepaliveInterval: 90,
		IGMPMonitorInterval:   120,
		IGMPReregisterThresh:  2,
		EnableTGWMonitoring:   true,

		StatsExportInterval: 30,
	}
}

// Load reads a flat key=value file (one assignment per line, '#' or ';'
// starts a comment, no section headers — matching the original's
// single-DEFAULT-section configparser use) and merges it onto Defaults().
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("bridgeconfig: open %s: %w", path, err)
	}
	defer f.Close()

	overrides, err := parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("bridgeconfig: parse %s: %w", path, err)
	}

	loaded, err := applyOverrides(overrides)
	if err != nil {
		return Config{}, fmt.Errorf("bridgeconfig: apply %s: %w", path, err)
	}

	cfg := Defaults()
	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("bridgeconfig: merge %s: %w", path, err)
	}

	// mergo treats Go zero values (including `false`) as empty and will not
	// override a true default with them, so booleans explicitly set to
	// false in the file are applied by hand after the merge.
	if raw, ok := overrides["enable_igmp_keepalive"]; ok {
		if v, err := strconv.ParseBool(raw); err == nil && !v {
			cfg.EnableIGMPKeepalive = false
		}
	}
	if raw, ok := overrides["enable_tgw_monitoring"]; ok {
		if v, err := strconv.ParseBool(raw); err == nil && !v {
			cfg.EnableTGWMonitoring = false
		}
	}
	return cfg, nil
}

func parse(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("malformed line %q: missing '='", line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		out[key] = val
	}
	return out, scanner.Err()
}

// applyOverrides fills a Config populated only with the fields present in
// overrides, leaving every other field at its Go zero value so mergo's
// override merge only touches keys the file actually set.
func applyOverrides(overrides map[string]string) (Config, error) {
	var out Config
	for key, raw := range overrides {
		switch key {
		case "primary_interface":
			out.PrimaryInterface = raw
		case "backup_interface":
			out.BackupInterface = raw
		case "primary_tun_ip":
			out.PrimaryTunIP = raw
		case "backup_tun_ip":
			out.BackupTunIP = raw
		case "primary_multicast_ip":
			out.PrimaryMulticastIP = raw
		case "backup_multicast_ip":
			out.BackupMulticastIP = raw
		case "multicast_port":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return out, fmt.Errorf("multicast_port: %w", err)
			}
			out.MulticastPort = v
		case "buffer_size":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return out, fmt.Errorf("buffer_size: %w", err)
			}
			out.BufferSize = v
		case "batch_size":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return out, fmt.Errorf("batch_size: %w", err)
			}
			out.BatchSize = v
		case "enable_igmp_keepalive":
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return out, fmt.Errorf("enable_igmp_keepalive: %w", err)
			}
			out.EnableIGMPKeepalive = v
		case "igmp_keepalive_interval":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return out, fmt.Errorf("igmp_keepalive_interval: %w", err)
			}
			out.IGMPKeepaliveInterval = v
		case "igmp_monitor_interval":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return out, fmt.Errorf("igmp_monitor_interval: %w", err)
			}
			out.IGMPMonitorInterval = v
		case "igmp_reregister_threshold":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return out, fmt.Errorf("igmp_reregister_threshold: %w", err)
			}
			out.IGMPReregisterThresh = v
		case "enable_tgw_monitoring":
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return out, fmt.Errorf("enable_tgw_monitoring: %w", err)
			}
			out.EnableTGWMonitoring = v
		case "primary_tgw_multicast_domain_id":
			out.PrimaryTGWDomainID = raw
		case "backup_tgw_multicast_domain_id":
			out.BackupTGWDomainID = raw
		case "stats_export_interval":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return out, fmt.Errorf("stats_export_interval: %w", err)
			}
			out.StatsExportInterval = v
		default:
			return out, fmt.Errorf("unrecognized config key %q", key)
		}
	}
	return out, nil
}
