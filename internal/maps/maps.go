// Package maps provides byte-exact encode/decode for every xdplb BPF map
// key/value type (spec.md §3) and a typed Set wrapping *ebpf.Map with the
// operations the control plane and coordinator use to mutate kernel state.
package maps

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// ListenKey identifies a listen port on an interface.
type ListenKey struct {
	IfIndex uint32
	Port    uint16
	_       uint16 // padding, zero
}

func (k ListenKey) Encode() []byte {
	buf := make([]byte, constants.ListenKeySize)
	binary.LittleEndian.PutUint32(buf[0:4], k.IfIndex)
	binary.LittleEndian.PutUint16(buf[4:6], k.Port)
	return buf
}

func DecodeListenKey(b []byte) (ListenKey, error) {
	if len(b) != constants.ListenKeySize {
		return ListenKey{}, fmt.Errorf("maps: ListenKey expects %d bytes, got %d", constants.ListenKeySize, len(b))
	}
	return ListenKey{
		IfIndex: binary.LittleEndian.Uint32(b[0:4]),
		Port:    binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

// LpmKey is a longest-prefix-match key over a source IPv4 address, encoded
// in the kernel's bpf_lpm_trie_key layout: a 4-byte prefix length followed
// by the address bytes.
type LpmKey struct {
	PrefixLen uint32
	Addr      [4]byte
}

func (k LpmKey) Encode() []byte {
	buf := make([]byte, constants.LpmKeySize)
	binary.LittleEndian.PutUint32(buf[0:4], k.PrefixLen)
	copy(buf[4:8], k.Addr[:])
	return buf
}

func DecodeLpmKey(b []byte) (LpmKey, error) {
	if len(b) != constants.LpmKeySize {
		return LpmKey{}, fmt.Errorf("maps: LpmKey expects %d bytes, got %d", constants.LpmKeySize, len(b))
	}
	var k LpmKey
	k.PrefixLen = binary.LittleEndian.Uint32(b[0:4])
	copy(k.Addr[:], b[4:8])
	return k, nil
}

// NewLpmKey builds an LpmKey from a CIDR string ("10.0.0.0/8").
func NewLpmKey(cidr string) (LpmKey, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return LpmKey{}, fmt.Errorf("maps: parsing CIDR %s: %w", cidr, err)
	}
	ones, _ := ipnet.Mask.Size()
	v4 := ipnet.IP.To4()
	if v4 == nil {
		return LpmKey{}, fmt.Errorf("maps: %s is not an IPv4 CIDR", cidr)
	}
	var k LpmKey
	k.PrefixLen = uint32(ones)
	copy(k.Addr[:], v4)
	return k, nil
}

// SniKey is the FNV-1a 64 hash of a lowercased SNI hostname.
type SniKey struct {
	Hash uint64
}

func (k SniKey) Encode() []byte {
	buf := make([]byte, constants.SniKeySize)
	binary.LittleEndian.PutUint64(buf, k.Hash)
	return buf
}

func DecodeSniKey(b []byte) (SniKey, error) {
	if len(b) != constants.SniKeySize {
		return SniKey{}, fmt.Errorf("maps: SniKey expects %d bytes, got %d", constants.SniKeySize, len(b))
	}
	return SniKey{Hash: binary.LittleEndian.Uint64(b)}, nil
}

// HashHostname computes the FNV-1a 64 hash of a hostname, lowercased and
// truncated to SNIMaxHostnameLen bytes — the exact transform the kernel-side
// SNI fragment must agree with byte-for-byte (see internal/bpfprog/sni.go).
func HashHostname(hostname string) uint64 {
	if len(hostname) > constants.SNIMaxHostnameLen {
		hostname = hostname[:constants.SNIMaxHostnameLen]
	}
	h := fnv.New64a()
	for i := 0; i < len(hostname); i++ {
		c := hostname[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		h.Write([]byte{c})
	}
	return h.Sum64()
}

// ConntrackKey is the 5-tuple identifying one tracked connection.
type ConntrackKey struct {
	SrcAddr uint32
	DstAddr uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	_       [3]byte // padding, zero
}

func (k ConntrackKey) Encode() []byte {
	buf := make([]byte, constants.ConntrackKeySize)
	binary.LittleEndian.PutUint32(buf[0:4], k.SrcAddr)
	binary.LittleEndian.PutUint32(buf[4:8], k.DstAddr)
	binary.LittleEndian.PutUint16(buf[8:10], k.SrcPort)
	binary.LittleEndian.PutUint16(buf[10:12], k.DstPort)
	buf[12] = k.Proto
	return buf
}

func DecodeConntrackKey(b []byte) (ConntrackKey, error) {
	if len(b) != constants.ConntrackKeySize {
		return ConntrackKey{}, fmt.Errorf("maps: ConntrackKey expects %d bytes, got %d", constants.ConntrackKeySize, len(b))
	}
	return ConntrackKey{
		SrcAddr: binary.LittleEndian.Uint32(b[0:4]),
		DstAddr: binary.LittleEndian.Uint32(b[4:8]),
		SrcPort: binary.LittleEndian.Uint16(b[8:10]),
		DstPort: binary.LittleEndian.Uint16(b[10:12]),
		Proto:   b[12],
	}, nil
}

// ConntrackValue records the original (pre-DNAT) proxy VIP/port, the chosen
// target, and forward/reverse packet/byte counters, matching the layout
// internal/bpfprog's conntrackInsertFragment writes on first packet of a
// flow: {orig_dst, nat_dst, created_ns, last_seen_ns, packets_fwd,
// packets_rev, bytes_fwd, bytes_rev} (spec.md §3).
type ConntrackValue struct {
	ProxyAddr  uint32
	ProxyPort  uint16
	TargetAddr uint32
	TargetPort uint16
	CreatedNs  uint64
	LastSeenNs uint64
	PacketsFwd uint64
	PacketsRev uint64
	BytesFwd   uint64
	BytesRev   uint64
}

func (v ConntrackValue) Encode() []byte {
	buf := make([]byte, constants.ConntrackValueSize)
	binary.LittleEndian.PutUint32(buf[0:4], v.ProxyAddr)
	binary.LittleEndian.PutUint16(buf[4:6], v.ProxyPort)
	binary.LittleEndian.PutUint32(buf[8:12], v.TargetAddr)
	binary.LittleEndian.PutUint16(buf[12:14], v.TargetPort)
	binary.LittleEndian.PutUint64(buf[16:24], v.CreatedNs)
	binary.LittleEndian.PutUint64(buf[24:32], v.LastSeenNs)
	binary.LittleEndian.PutUint64(buf[32:40], v.PacketsFwd)
	binary.LittleEndian.PutUint64(buf[40:48], v.PacketsRev)
	binary.LittleEndian.PutUint64(buf[48:56], v.BytesFwd)
	binary.LittleEndian.PutUint64(buf[56:64], v.BytesRev)
	return buf
}

func DecodeConntrackValue(b []byte) (ConntrackValue, error) {
	if len(b) != constants.ConntrackValueSize {
		return ConntrackValue{}, fmt.Errorf("maps: ConntrackValue expects %d bytes, got %d", constants.ConntrackValueSize, len(b))
	}
	return ConntrackValue{
		ProxyAddr:  binary.LittleEndian.Uint32(b[0:4]),
		ProxyPort:  binary.LittleEndian.Uint16(b[4:6]),
		TargetAddr: binary.LittleEndian.Uint32(b[8:12]),
		TargetPort: binary.LittleEndian.Uint16(b[12:14]),
		CreatedNs:  binary.LittleEndian.Uint64(b[16:24]),
		LastSeenNs: binary.LittleEndian.Uint64(b[24:32]),
		PacketsFwd: binary.LittleEndian.Uint64(b[32:40]),
		PacketsRev: binary.LittleEndian.Uint64(b[40:48]),
		BytesFwd:   binary.LittleEndian.Uint64(b[48:56]),
		BytesRev:   binary.LittleEndian.Uint64(b[56:64]),
	}, nil
}

// WeightedTarget is one entry in a RouteValue's weighted target table.
type WeightedTarget struct {
	Addr            uint32
	Port            uint16
	CumulativeWeight uint8
}

// RouteValue is the 72-byte weighted-target table a ListenKey/LpmKey/SniKey
// resolves to: up to MaxTargetsPerRoute entries plus a count and flags.
type RouteValue struct {
	TargetCount uint8
	Flags       uint16
	Targets     [constants.MaxTargetsPerRoute]WeightedTarget
}

func (v RouteValue) Encode() []byte {
	buf := make([]byte, constants.RouteValueSize)
	buf[0] = v.TargetCount
	binary.LittleEndian.PutUint16(buf[4:6], v.Flags)
	off := 8
	for i := 0; i < int(v.TargetCount) && i < constants.MaxTargetsPerRoute; i++ {
		t := v.Targets[i]
		binary.LittleEndian.PutUint32(buf[off:off+4], t.Addr)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], t.Port)
		buf[off+6] = t.CumulativeWeight
		off += 8
	}
	return buf
}

func DecodeRouteValue(b []byte) (RouteValue, error) {
	if len(b) != constants.RouteValueSize {
		return RouteValue{}, fmt.Errorf("maps: RouteValue expects %d bytes, got %d", constants.RouteValueSize, len(b))
	}
	var v RouteValue
	v.TargetCount = b[0]
	v.Flags = binary.LittleEndian.Uint16(b[4:6])
	off := 8
	for i := 0; i < int(v.TargetCount) && i < constants.MaxTargetsPerRoute; i++ {
		v.Targets[i] = WeightedTarget{
			Addr:             binary.LittleEndian.Uint32(b[off : off+4]),
			Port:             binary.LittleEndian.Uint16(b[off+4 : off+6]),
			CumulativeWeight: b[off+6],
		}
		off += 8
	}
	return v, nil
}

// NewRouteValue builds a RouteValue from targets and their relative
// weights, computing the cumulative-weight table the kernel-side weighted
// selection walks (spec.md §4.2) and renormalizing so the table always sums
// to MaxWeightSum regardless of the input weights' scale.
func NewRouteValue(targets []Target, statsEnabled bool) (RouteValue, error) {
	if len(targets) == 0 {
		return RouteValue{}, fmt.Errorf("maps: RouteValue requires at least one target")
	}
	if len(targets) > constants.MaxTargetsPerRoute {
		return RouteValue{}, fmt.Errorf("maps: at most %d targets, got %d", constants.MaxTargetsPerRoute, len(targets))
	}

	var totalWeight int
	for _, t := range targets {
		totalWeight += int(t.Weight)
	}
	if totalWeight == 0 {
		totalWeight = len(targets)
	}

	v := RouteValue{TargetCount: uint8(len(targets))}
	if statsEnabled {
		v.Flags |= constants.FlagStatsEnabled
	}

	cumulative := 0
	for i, t := range targets {
		w := int(t.Weight)
		if t.Weight == 0 {
			w = 1
		}
		cumulative += (w * constants.MaxWeightSum) / totalWeight
		if i == len(targets)-1 {
			cumulative = constants.MaxWeightSum
		}
		v.Targets[i] = WeightedTarget{
			Addr:             ipToUint32(t.IP),
			Port:             t.Port,
			CumulativeWeight: uint8(cumulative),
		}
	}
	return v, nil
}

// Target is the userspace-friendly form of a backend, used as input to
// NewRouteValue; internal/config.TargetConfig is parsed into these.
type Target struct {
	IP     net.IP
	Port   uint16
	Weight uint8
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(v4)
}

// RateLimitKey is keyed by source address for per-source token buckets, or
// by target address for per-backend buckets (the caller picks which).
type RateLimitKey struct {
	Addr uint32
	_    [4]byte // padding, zero
}

func (k RateLimitKey) Encode() []byte {
	buf := make([]byte, constants.RateLimitKeySize)
	binary.LittleEndian.PutUint32(buf[0:4], k.Addr)
	return buf
}

// RateLimitValue is the token-bucket state the kernel fragment decrements
// on every packet. Neither the kernel fragment nor the control plane refills
// Tokens from RatePerSec/LastRefillNs; those fields are stored as written.
type RateLimitValue struct {
	Tokens       uint32
	BurstCeiling uint32
	RatePerSec   uint32
	LastRefillNs uint64
	_            [4]byte // padding, zero
}

func (v RateLimitValue) Encode() []byte {
	buf := make([]byte, constants.RateLimitValueSize)
	binary.LittleEndian.PutUint32(buf[0:4], v.Tokens)
	binary.LittleEndian.PutUint32(buf[4:8], v.BurstCeiling)
	binary.LittleEndian.PutUint32(buf[8:12], v.RatePerSec)
	binary.LittleEndian.PutUint64(buf[12:20], v.LastRefillNs)
	return buf
}

func DecodeRateLimitValue(b []byte) (RateLimitValue, error) {
	if len(b) != constants.RateLimitValueSize {
		return RateLimitValue{}, fmt.Errorf("maps: RateLimitValue expects %d bytes, got %d", constants.RateLimitValueSize, len(b))
	}
	return RateLimitValue{
		Tokens:       binary.LittleEndian.Uint32(b[0:4]),
		BurstCeiling: binary.LittleEndian.Uint32(b[4:8]),
		RatePerSec:   binary.LittleEndian.Uint32(b[8:12]),
		LastRefillNs: binary.LittleEndian.Uint64(b[12:20]),
	}, nil
}

// mapHandles groups the five kernel maps a Set operates over; populated
// from bpfprog.Attached once the coordinator loads the programs.
type mapHandles struct {
	Listen     *ebpf.Map
	LPM        *ebpf.Map
	SNI        *ebpf.Map
	Conntrack  *ebpf.Map
	RateLimit  *ebpf.Map
}

// Set is the typed operations surface the coordinator and control API use
// to mutate kernel state, mirroring the thin-typed-wrapper-over-a-generic-
// client shape of internal/cache.Redis.
type Set struct {
	maps mapHandles

	// idleTimeoutSec stands in for spec.md §4.5/§4.6's single-slot kernel
	// settings table: the conntrack sweeper reads it on every pass, and
	// SetConnectionTimeout is its only writer. Zero means "unconfigured",
	// so the sweeper's own constructor-provided default still applies.
	idleTimeoutSec atomic.Uint32
}

// NewSet wraps the five loaded maps in the typed operations below.
func NewSet(listen, lpm, sni, conntrack, rateLimit *ebpf.Map) *Set {
	return &Set{maps: mapHandles{
		Listen:    listen,
		LPM:       lpm,
		SNI:       sni,
		Conntrack: conntrack,
		RateLimit: rateLimit,
	}}
}

// AddListen installs or replaces the target set for a listen key.
func (s *Set) AddListen(key ListenKey, targets []Target, statsEnabled bool) error {
	val, err := NewRouteValue(targets, statsEnabled)
	if err != nil {
		return fmt.Errorf("maps: AddListen: %w", err)
	}
	if err := s.maps.Listen.Put(key.Encode(), val.Encode()); err != nil {
		return fmt.Errorf("maps: AddListen: map put: %w", err)
	}
	return nil
}

// RemoveListen deletes a listen key's entry.
func (s *Set) RemoveListen(key ListenKey) error {
	if err := s.maps.Listen.Delete(key.Encode()); err != nil {
		return fmt.Errorf("maps: RemoveListen: %w", err)
	}
	return nil
}

// AddSourceRoute installs a CIDR-keyed override route.
func (s *Set) AddSourceRoute(cidr string, targets []Target, statsEnabled bool) error {
	key, err := NewLpmKey(cidr)
	if err != nil {
		return fmt.Errorf("maps: AddSourceRoute: %w", err)
	}
	val, err := NewRouteValue(targets, statsEnabled)
	if err != nil {
		return fmt.Errorf("maps: AddSourceRoute: %w", err)
	}
	if err := s.maps.LPM.Put(key.Encode(), val.Encode()); err != nil {
		return fmt.Errorf("maps: AddSourceRoute: map put: %w", err)
	}
	return nil
}

// RemoveSourceRoute deletes a CIDR-keyed override route.
func (s *Set) RemoveSourceRoute(cidr string) error {
	key, err := NewLpmKey(cidr)
	if err != nil {
		return fmt.Errorf("maps: RemoveSourceRoute: %w", err)
	}
	if err := s.maps.LPM.Delete(key.Encode()); err != nil {
		return fmt.Errorf("maps: RemoveSourceRoute: %w", err)
	}
	return nil
}

// AddSNIRoute installs a hostname-keyed override route.
func (s *Set) AddSNIRoute(hostname string, targets []Target, statsEnabled bool) error {
	key := SniKey{Hash: HashHostname(hostname)}
	val, err := NewRouteValue(targets, statsEnabled)
	if err != nil {
		return fmt.Errorf("maps: AddSNIRoute: %w", err)
	}
	if err := s.maps.SNI.Put(key.Encode(), val.Encode()); err != nil {
		return fmt.Errorf("maps: AddSNIRoute: map put: %w", err)
	}
	return nil
}

// RemoveSNIRoute deletes a hostname-keyed override route.
func (s *Set) RemoveSNIRoute(hostname string) error {
	key := SniKey{Hash: HashHostname(hostname)}
	if err := s.maps.SNI.Delete(key.Encode()); err != nil {
		return fmt.Errorf("maps: RemoveSNIRoute: %w", err)
	}
	return nil
}

// Connection is the decoded form of one conntrack entry, returned by
// ListConnections for the control API's inspection endpoints.
type Connection struct {
	Key   ConntrackKey
	Value ConntrackValue
}

// ListConnections enumerates tracked connections. Bounded by
// MaxSweepBatch per call so one control-API request can't block the
// iterator indefinitely on a large table; it takes no cursor, so every
// call starts again at the beginning of the table and entries past the
// first MaxSweepBatch are not returned.
func (s *Set) ListConnections() ([]Connection, error) {
	var conns []Connection
	var keyBuf, valBuf []byte
	it := s.maps.Conntrack.Iterate()
	for it.Next(&keyBuf, &valBuf) {
		key, err := DecodeConntrackKey(keyBuf)
		if err != nil {
			continue
		}
		val, err := DecodeConntrackValue(valBuf)
		if err != nil {
			continue
		}
		conns = append(conns, Connection{Key: key, Value: val})
		if len(conns) >= constants.MaxSweepBatch {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("maps: ListConnections: iterating: %w", err)
	}
	return conns, nil
}

// DeleteConnection evicts one conntrack entry (used by drain operations to
// force a backend's in-flight connections to reconnect elsewhere).
func (s *Set) DeleteConnection(key ConntrackKey) error {
	if err := s.maps.Conntrack.Delete(key.Encode()); err != nil {
		return fmt.Errorf("maps: DeleteConnection: %w", err)
	}
	return nil
}

// PutConnection installs a conntrack entry directly, used to promote a
// conntrack-shadow record (received from a peer over the cluster's
// anti-entropy path) into the active table once the owning node is
// declared dead.
func (s *Set) PutConnection(key ConntrackKey, value ConntrackValue) error {
	if err := s.maps.Conntrack.Put(key.Encode(), value.Encode()); err != nil {
		return fmt.Errorf("maps: PutConnection: %w", err)
	}
	return nil
}

// EnableStats sets the stats-enabled flag on a listen key's RouteValue.
func (s *Set) EnableStats(key ListenKey) error {
	return s.setStatsFlag(key, true)
}

// DisableStats clears the stats-enabled flag on a listen key's RouteValue.
func (s *Set) DisableStats(key ListenKey) error {
	return s.setStatsFlag(key, false)
}

func (s *Set) setStatsFlag(key ListenKey, enabled bool) error {
	var valBuf []byte
	if err := s.maps.Listen.Lookup(key.Encode(), &valBuf); err != nil {
		return fmt.Errorf("maps: setStatsFlag: lookup: %w", err)
	}
	val, err := DecodeRouteValue(valBuf)
	if err != nil {
		return fmt.Errorf("maps: setStatsFlag: %w", err)
	}
	if enabled {
		val.Flags |= constants.FlagStatsEnabled
	} else {
		val.Flags &^= constants.FlagStatsEnabled
	}
	if err := s.maps.Listen.Put(key.Encode(), val.Encode()); err != nil {
		return fmt.Errorf("maps: setStatsFlag: put: %w", err)
	}
	return nil
}

// SetConnectionTimeout updates the single-slot idle-timeout setting
// internal/conntrack's sweeper reads on every pass (spec.md §4.5/§4.6's
// set_connection_timeout(seconds)). It's global, not per-connection — the
// kernel map itself carries no per-entry timeout, only last_seen_ns.
func (s *Set) SetConnectionTimeout(seconds uint32) error {
	s.idleTimeoutSec.Store(seconds)
	return nil
}

// IdleTimeout returns the currently configured idle timeout, or zero if
// SetConnectionTimeout has never been called.
func (s *Set) IdleTimeout() time.Duration {
	return time.Duration(s.idleTimeoutSec.Load()) * time.Second
}
