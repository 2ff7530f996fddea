// Package oracle implements the two membership oracles the liveness
// controller reconciles: the kernel's local IGMP table and the cloud
// provider's remote multicast-domain registry.
package oracle

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"time"
)

// LocalOracle reports whether the kernel currently considers group joined.
// Implementations for other platforms need only satisfy this interface to
// plug into the liveness controller unchanged (spec §9).
type LocalOracle interface {
	HasGroup(ctx context.Context, group netip.Addr) (bool, error)
}

// RemoteOracle reports whether the cloud provider's multicast-domain
// registry currently lists any member for (domainID, group). apiErr is
// non-nil only when the check itself failed (timeout, non-zero exit,
// malformed output) — that is distinct from a successful check that simply
// found no members.
type RemoteOracle interface {
	HasGroup(ctx context.Context, domainID string, group netip.Addr) (ok bool, apiErr error)
}

const procNetIGMP = "/proc/net/igmp"

// ProcIGMPOracle implements LocalOracle over /proc/net/igmp.
type ProcIGMPOracle struct {
	// path overrides procNetIGMP in tests.
	path string
}

// NewProcIGMPOracle returns a LocalOracle reading the standard kernel
// procfs table.
func NewProcIGMPOracle() *ProcIGMPOracle {
	return &ProcIGMPOracle{path: procNetIGMP}
}

// HostLittleEndianHex converts a dotted-quad IPv4 address to the
// little-endian hexadecimal word the kernel uses in /proc/net/igmp: the
// 32-bit network-order value reinterpreted in host (little-endian) byte
// order, formatted as eight uppercase hex digits. E.g. 224.0.1.100 ->
// 640100E0. The result is the address's four octets in reverse order, each
// as two hex digits (spec §4.5/§9).
func HostLittleEndianHex(addr netip.Addr) string {
	a4 := addr.As4()
	be := binary.BigEndian.Uint32(a4[:])
	var host [4]byte
	binary.LittleEndian.PutUint32(host[:], be)
	return strings.ToUpper(fmt.Sprintf("%02X%02X%02X%02X", host[0], host[1], host[2], host[3]))
}

// HasGroup scans /proc/net/igmp for the target group's little-endian hex
// encoding, under any interface section.
func (o *ProcIGMPOracle) HasGroup(ctx context.Context, group netip.Addr) (bool, error) {
	path := o.path
	if path == "" {
		path = procNetIGMP
	}
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("oracle: open %s: %w", path, err)
	}
	defer f.Close()

	want := HostLittleEndianHex(group)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if strings.EqualFold(fields[0], want) {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("oracle: scan %s: %w", path, err)
	}
	return false, nil
}

// tgwGroup is the shape of one entry in `aws ec2
// search-transit-gateway-multicast-groups`'s JSON output that this oracle
// cares about.
type tgwGroup struct {
	GroupIPAddress string `json:"GroupIpAddress"`
}

type tgwSearchResult struct {
	MulticastGroups []tgwGroup `json:"MulticastGroups"`
}

const awsCLITimeout = 15 * time.Second

// AWSCLIMulticastOracle implements RemoteOracle by shelling out to the AWS
// CLI, matching the portable-fallback approach of shelling out rather than
// linking a provider SDK (spec §9 "Subprocess-based shell-outs").
type AWSCLIMulticastOracle struct {
	// runner is overridable in tests; defaults to exec.CommandContext.
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewAWSCLIMulticastOracle returns a RemoteOracle backed by the `aws` CLI.
func NewAWSCLIMulticastOracle() *AWSCLIMulticastOracle {
	return &AWSCLIMulticastOracle{runner: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// HasGroup invokes `aws ec2 search-transit-gateway-multicast-groups`
// filtered by domainID and group, bounded by a 15s timeout (spec §4.5/§5).
// A non-zero exit or unparsable output is reported as apiErr so the caller
// can apply the sticky last-known-good fallback rather than treating it as
// a confirmed "missing" (spec §7/§9).
func (o *AWSCLIMulticastOracle) HasGroup(ctx context.Context, domainID string, group netip.Addr) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, awsCLITimeout)
	defer cancel()

	filters := fmt.Sprintf("Name=group-ip-address,Values=%s", group.String())
	out, err := o.runner(ctx, "aws", "ec2", "search-transit-gateway-multicast-groups",
		"--transit-gateway-multicast-domain-id", domainID,
		"--filters", filters,
		"--output", "json")
	if err != nil {
		return false, fmt.Errorf("oracle: aws cli search-transit-gateway-multicast-groups: %w", err)
	}

	var result tgwSearchResult
	if err := json.Unmarshal(out, &result); err != nil {
		return false, fmt.Errorf("oracle: parse aws cli output: %w", err)
	}
	return len(result.MulticastGroups) > 0, nil
}
