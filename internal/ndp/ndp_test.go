package ndp

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/dmnsafonov/ping6-tools/internal/telemetry"
)

func buildSolicitation(t *testing.T, hopLimit uint8, target net.IP, src, dst net.IP, withOption bool) []byte {
	t.Helper()
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   hopLimit,
		SrcIP:      src,
		DstIP:      dst,
	}
	icmp6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
	}
	require.NoError(t, icmp6.SetNetworkLayerForChecksum(ip6))

	ns := &layers.ICMPv6NeighborSolicitation{TargetAddress: target}
	if withOption {
		ns.Options = layers.ICMPv6Options{{
			Type: layers.ICMPv6OptSourceAddress,
			Data: []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		}}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip6, icmp6, ns))
	return buf.Bytes()
}

func TestParseSolicitationExtractsFields(t *testing.T) {
	src := net.ParseIP("fe80::1")
	dst := net.ParseIP("ff02::1:ff00:2")
	target := net.ParseIP("fe80::2")
	raw := buildSolicitation(t, 255, target, src, dst, true)

	sol, err := ParseSolicitation(raw)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("fe80::2"), sol.Target)
	require.Equal(t, uint8(255), sol.HopLimit)
	require.True(t, sol.ChecksumValid)
	require.Equal(t, net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, sol.SourceLLAddr)
}

func TestValidateSolicitationRejectsBadHopLimit(t *testing.T) {
	sol := &Solicitation{HopLimit: 64, ChecksumValid: true, Target: netip.MustParseAddr("fe80::2")}
	require.ErrorIs(t, ValidateSolicitation(sol, 1500, nil), ErrBadHopLimit)
}

func TestValidateSolicitationRejectsBadChecksum(t *testing.T) {
	sol := &Solicitation{HopLimit: 255, ChecksumValid: false, Target: netip.MustParseAddr("fe80::2")}
	require.ErrorIs(t, ValidateSolicitation(sol, 1500, nil), ErrBadChecksum)
}

func TestValidateSolicitationRejectsUnspecifiedTarget(t *testing.T) {
	sol := &Solicitation{HopLimit: 255, ChecksumValid: true, Target: netip.IPv6Unspecified()}
	require.ErrorIs(t, ValidateSolicitation(sol, 1500, nil), ErrUnspecifiedTarget)
}

func TestValidateSolicitationRejectsMulticastTarget(t *testing.T) {
	sol := &Solicitation{HopLimit: 255, ChecksumValid: true, Target: netip.MustParseAddr("ff02::1")}
	require.ErrorIs(t, ValidateSolicitation(sol, 1500, nil), ErrMulticastTarget)
}

func TestValidateSolicitationAcceptsWellFormed(t *testing.T) {
	sol := &Solicitation{HopLimit: 255, ChecksumValid: true, Target: netip.MustParseAddr("fe80::2")}
	require.NoError(t, ValidateSolicitation(sol, 1500, nil))
}

func TestRuleSetMatchPrefersLongestPrefix(t *testing.T) {
	broad := netip.MustParsePrefix("fe80::/16")
	narrow := netip.MustParsePrefix("fe80::/64")
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	rs := NewRuleSet([]Rule{
		{Prefix: broad, LinkAddr: net.HardwareAddr{0x01}},
		{Prefix: narrow, LinkAddr: mac},
	})

	rule, ok := rs.Match(netip.MustParseAddr("fe80::2"))
	require.True(t, ok)
	require.Equal(t, mac, rule.LinkAddr)
}

func TestRuleSetMatchReportsNoMatch(t *testing.T) {
	rs := NewRuleSet(nil)
	_, ok := rs.Match(netip.MustParseAddr("fe80::2"))
	require.False(t, ok)
}

func TestBuildAdvertisementRoundTripsThroughParse(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	rule := Rule{Prefix: netip.MustParsePrefix("fe80::/64"), LinkAddr: mac}
	sol := &Solicitation{
		Target: netip.MustParseAddr("fe80::2"),
		SrcIP:  netip.MustParseAddr("fe80::1"),
	}

	raw, err := BuildAdvertisement(sol, rule, netip.MustParseAddr("fe80::2"), nil)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.Default)
	naLayer := pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement)
	require.NotNil(t, naLayer)
	na := naLayer.(*layers.ICMPv6NeighborAdvertisement)
	require.True(t, net.IP(na.TargetAddress).Equal(net.ParseIP("fe80::2")))
}

func TestValidateSolicitationCountsRejectionReason(t *testing.T) {
	metrics := telemetry.NewMetrics()
	sol := &Solicitation{HopLimit: 64, ChecksumValid: true, Target: netip.MustParseAddr("fe80::2")}
	require.ErrorIs(t, ValidateSolicitation(sol, 1500, metrics), ErrBadHopLimit)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.SolicitationsRejected.WithLabelValues("hop_limit")))
}

func TestBuildAdvertisementCountsSent(t *testing.T) {
	metrics := telemetry.NewMetrics()
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	rule := Rule{Prefix: netip.MustParsePrefix("fe80::/64"), LinkAddr: mac}
	sol := &Solicitation{
		Target: netip.MustParseAddr("fe80::2"),
		SrcIP:  netip.MustParseAddr("fe80::1"),
	}

	_, err := BuildAdvertisement(sol, rule, netip.MustParseAddr("fe80::2"), metrics)
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.AdvertisementsSent))
}

func TestSolicitedNodeMulticastComputesLow24Bits(t *testing.T) {
	target := netip.MustParseAddr("2001:db8::abcd:0102")
	got := SolicitedNodeMulticast(target)
	require.Equal(t, netip.MustParseAddr("ff02::1:ffcd:0102"), got)
}
