// Package ndp implements the data model for the Neighbor Discovery proxy:
// solicitation parsing and validation, prefix-to-link-address rule
// matching, and advertisement construction (C13, interface-level only —
// the proxy daemon's socket loop and packet fan-out are external
// collaborators).
package ndp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dmnsafonov/ping6-tools/internal/telemetry"
)

// Solicitation is a parsed Neighbor Solicitation, along with the IPv6
// envelope fields needed to validate and answer it.
type Solicitation struct {
	Target        netip.Addr
	SourceLLAddr  net.HardwareAddr // nil if the option was absent
	SrcIP, DstIP  netip.Addr
	HopLimit      uint8
	ChecksumValid bool
}

// Sentinel validation failures. A Solicitation failing any of these must
// not be answered; per RFC 4861 §7.1.1 a hop limit other than 255 means
// the packet did not originate on the local link and may be spoofed.
var (
	ErrBadHopLimit        = errors.New("ndp: hop limit is not 255")
	ErrBadChecksum        = errors.New("ndp: ICMPv6 checksum invalid")
	ErrUnspecifiedTarget  = errors.New("ndp: target address is unspecified")
	ErrMulticastTarget    = errors.New("ndp: target address is multicast")
)

// ParseSolicitation decodes a full IPv6 packet (as captured off the wire)
// into a Solicitation, using gopacket to walk the IPv6 and ICMPv6 layers.
func ParseSolicitation(raw []byte) (*Solicitation, error) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.Default)

	ip6Layer := pkt.Layer(layers.LayerTypeIPv6)
	if ip6Layer == nil {
		return nil, fmt.Errorf("ndp: no IPv6 layer")
	}
	ip6 := ip6Layer.(*layers.IPv6)

	nsLayer := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation)
	if nsLayer == nil {
		return nil, fmt.Errorf("ndp: no Neighbor Solicitation layer")
	}
	ns := nsLayer.(*layers.ICMPv6NeighborSolicitation)

	icmp6Layer := pkt.Layer(layers.LayerTypeICMPv6)
	checksumValid := false
	if icmp6Layer != nil {
		raw := append(icmp6Layer.LayerContents(), icmp6Layer.LayerPayload()...)
		checksumValid = verifyChecksum(raw, ip6.SrcIP, ip6.DstIP)
	}

	target, ok := netip.AddrFromSlice(ns.TargetAddress)
	if !ok {
		return nil, fmt.Errorf("ndp: malformed target address")
	}
	src, _ := netip.AddrFromSlice(ip6.SrcIP)
	dst, _ := netip.AddrFromSlice(ip6.DstIP)

	sol := &Solicitation{
		Target:        target,
		SrcIP:         src,
		DstIP:         dst,
		HopLimit:      ip6.HopLimit,
		ChecksumValid: checksumValid,
	}
	for _, opt := range ns.Options {
		if opt.Type == layers.ICMPv6OptSourceAddress && len(opt.Data) >= 6 {
			sol.SourceLLAddr = net.HardwareAddr(append([]byte(nil), opt.Data[:6]...))
		}
	}
	return sol, nil
}

// verifyChecksum recomputes the standard Internet checksum over raw (an
// ICMPv6 message as received, checksum field included) against the IPv6
// pseudo-header and confirms it folds to zero.
func verifyChecksum(raw []byte, src, dst net.IP) bool {
	if len(raw) < 4 {
		return false
	}
	var sum uint32
	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(uint16(b[i])<<8 | uint16(b[i+1]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	add(src.To16())
	add(dst.To16())
	var lenAndNext [8]byte
	lenAndNext[0] = byte(len(raw) >> 24)
	lenAndNext[1] = byte(len(raw) >> 16)
	lenAndNext[2] = byte(len(raw) >> 8)
	lenAndNext[3] = byte(len(raw))
	lenAndNext[7] = 58 // ICMPv6 next-header number
	add(lenAndNext[:])
	add(raw)
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(sum) == 0xFFFF
}

// ValidateSolicitation enforces the spoofing-resistance and sanity checks
// a proxy must apply before answering a Neighbor Solicitation. ifaceMTU is
// accepted for parity with the packet-validation contract on the stream
// side but NDP messages are always far smaller than any realistic MTU, so
// it is not currently checked against anything. metrics may be nil.
func ValidateSolicitation(sol *Solicitation, ifaceMTU int, metrics *telemetry.Metrics) error {
	reject := func(reason string, err error) error {
		if metrics != nil {
			metrics.SolicitationsRejected.WithLabelValues(reason).Inc()
		}
		return err
	}
	if sol.HopLimit != 255 {
		return reject("hop_limit", ErrBadHopLimit)
	}
	if !sol.ChecksumValid {
		return reject("checksum", ErrBadChecksum)
	}
	if sol.Target.IsUnspecified() {
		return reject("unspecified_target", ErrUnspecifiedTarget)
	}
	if sol.Target.IsMulticast() {
		return reject("multicast_target", ErrMulticastTarget)
	}
	return nil
}

// Rule binds an address prefix to the link-layer address the proxy should
// advertise on its behalf.
type Rule struct {
	Prefix   netip.Prefix
	LinkAddr net.HardwareAddr
}

// RuleSet is an ordered collection of proxy rules.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet returns a RuleSet over the given rules.
func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{rules: append([]Rule(nil), rules...)}
}

// Match finds the longest-prefix rule covering target, if any.
func (rs *RuleSet) Match(target netip.Addr) (Rule, bool) {
	best := -1
	var bestRule Rule
	for _, r := range rs.rules {
		if r.Prefix.Contains(target) && r.Prefix.Bits() > best {
			best = r.Prefix.Bits()
			bestRule = r
		}
	}
	return bestRule, best >= 0
}

// BuildAdvertisement constructs a solicited, override Neighbor
// Advertisement answering sol on rule's behalf, including a Target
// Link-Layer Address option, as a full IPv6+ICMPv6 wire packet. metrics
// may be nil.
func BuildAdvertisement(sol *Solicitation, rule Rule, srcIP netip.Addr, metrics *telemetry.Metrics) ([]byte, error) {
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      srcIP.AsSlice(),
		DstIP:      sol.SrcIP.AsSlice(),
	}

	icmp6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0),
	}
	if err := icmp6.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil, fmt.Errorf("ndp: set checksum network layer: %w", err)
	}

	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         0x60, // solicited + override, not router
		TargetAddress: sol.Target.AsSlice(),
		Options: layers.ICMPv6Options{
			{
				Type: layers.ICMPv6OptTargetAddress,
				Data: rule.LinkAddr,
			},
		},
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip6, icmp6, na); err != nil {
		return nil, fmt.Errorf("ndp: serialize advertisement: %w", err)
	}
	if metrics != nil {
		metrics.AdvertisementsSent.Inc()
	}
	return buf.Bytes(), nil
}

// SolicitedNodeMulticast computes the solicited-node multicast address
// ff02::1:ffXX:XXXX for target, covering its low 24 bits.
func SolicitedNodeMulticast(target netip.Addr) netip.Addr {
	t := target.As16()
	var out [16]byte
	out[0], out[1] = 0xff, 0x02
	out[11] = 0x01
	out[12] = 0xff
	out[13] = t[13]
	out[14] = t[14]
	out[15] = t[15]
	return netip.AddrFrom16(out)
}
