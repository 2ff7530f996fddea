// Package statsreport exports the bridge's per-path counters: an atomic
// JSON snapshot for external monitors, and a periodic human-readable
// console table (spec §6).
package statsreport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
)

// PathCounters is one path's exported dataplane + IGMP counters, mirroring
// the fields of pathrelay.Stats/igmpliveness.Stats (kept as plain
// `uint64`/`int64` here since the snapshot is a point-in-time copy, not the
// live atomics themselves).
type PathCounters struct {
	Name string `json:"name"`

	RawFrames         uint64 `json:"raw_frames"`
	GooseReceived     uint64 `json:"goose_received"`
	VLANGooseReceived uint64 `json:"vlan_goose_received"`
	GooseToIP         uint64 `json:"goose_to_ip"`
	IPToGoose         uint64 `json:"ip_to_goose"`
	Errors            uint64 `json:"errors"`

	KeepaliveCount     uint64 `json:"keepalive_count"`
	ReregisterCount    uint64 `json:"reregister_count"`
	MonitorChecks      uint64 `json:"monitor_checks"`
	TGWMissingCount    uint64 `json:"tgw_missing_count"`
	LocalMissingCount  uint64 `json:"local_missing_count"`
	ConsecutiveMissing int64  `json:"consecutive_missing"`
	LivenessState      string `json:"liveness_state"`
}

// Snapshot is the JSON document written to the stats file every
// stats_export_interval seconds (spec §6). ServiceInstanceID disambiguates
// restarts for an external monitor consuming the file across process
// lifetimes — the original implementation has no equivalent field.
type Snapshot struct {
	Timestamp         time.Time      `json:"timestamp"`
	ServiceInstanceID string         `json:"service_instance_id"`
	Paths             []PathCounters `json:"paths"`
}

// Source supplies the current counters for one path at export time.
type Source func() PathCounters

// Reporter periodically writes a JSON snapshot and a console table.
type Reporter struct {
	path      string
	interval  time.Duration
	sources   []Source
	serviceID string
	log       *logrus.Entry
}

// New builds a Reporter. path is the JSON snapshot's destination file;
// interval is stats_export_interval.
func New(path string, interval time.Duration, sources []Source, log *logrus.Entry) *Reporter {
	return &Reporter{
		path:      path,
		interval:  interval,
		sources:   sources,
		serviceID: uuid.New().String(),
		log:       log,
	}
}

// Run blocks, exporting every interval until stop is closed.
func (r *Reporter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.exportOnce()
		}
	}
}

func (r *Reporter) exportOnce() {
	snap := Snapshot{
		Timestamp:         time.Now().UTC(),
		ServiceInstanceID: r.serviceID,
	}
	for _, src := range r.sources {
		snap.Paths = append(snap.Paths, src())
	}

	if err := writeAtomic(r.path, snap); err != nil {
		r.log.WithError(err).Error("stats export failed")
	}
	printTable(snap)
}

// writeAtomic serializes snap and writes it to path via a temp file plus
// rename, so a reader never observes a partially written snapshot (spec
// §6 "atomically").
func writeAtomic(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("statsreport: marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statsreport: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("statsreport: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// printTable renders a human-readable summary table to stdout, replacing
// the original's line-per-metric print() calls.
func printTable(snap Snapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{
		"path", "raw", "goose", "vlan_goose", "goose_to_ip", "ip_to_goose",
		"errors", "keepalive", "reregister", "state",
	})
	for _, p := range snap.Paths {
		table.Append([]string{
			p.Name,
			fmt.Sprint(p.RawFrames),
			fmt.Sprint(p.GooseReceived),
			fmt.Sprint(p.VLANGooseReceived),
			fmt.Sprint(p.GooseToIP),
			fmt.Sprint(p.IPToGoose),
			fmt.Sprint(p.Errors),
			fmt.Sprint(p.KeepaliveCount),
			fmt.Sprint(p.ReregisterCount),
			p.LivenessState,
		})
	}
	table.Render()
}

// EnsureDir creates the parent directory of path if it does not exist, so
// the first export doesn't fail on a missing stats directory.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}
