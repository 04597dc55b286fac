package config

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSenderFlagsRequiresSrcAndDst(t *testing.T) {
	_, err := ParseSenderFlags([]string{"--iface", "eth0"})
	require.Error(t, err)
}

func TestParseSenderFlagsRejectsIPv4Addresses(t *testing.T) {
	_, err := ParseSenderFlags([]string{"--src", "1.2.3.4", "--dst", "fe80::1"})
	require.Error(t, err)
}

func TestParseSenderFlagsAcceptsValidInput(t *testing.T) {
	cfg, err := ParseSenderFlags([]string{"--src", "fe80::1", "--dst", "fe80::2", "--mode", "datagram"})
	require.NoError(t, err)
	require.Equal(t, ModeDatagram, cfg.Mode)
	require.True(t, cfg.Src.Equal(net.ParseIP("fe80::1")))
}

func TestParseSenderFlagsRejectsUnknownMode(t *testing.T) {
	_, err := ParseSenderFlags([]string{"--src", "fe80::1", "--dst", "fe80::2", "--mode", "bogus"})
	require.Error(t, err)
}

func TestParseReceiverFlagsRequiresBind(t *testing.T) {
	_, err := ParseReceiverFlags(nil)
	require.Error(t, err)
}

func TestParseReceiverFlagsRejectsNonPositiveWindow(t *testing.T) {
	_, err := ParseReceiverFlags([]string{"--bind", "fe80::1", "--window-size", "0"})
	require.Error(t, err)
}

func TestParseProxyFlagsParsesRules(t *testing.T) {
	cfg, err := ParseProxyFlags([]string{
		"--iface", "eth0",
		"--rule", "fe80::/64=aa:bb:cc:dd:ee:ff",
	})
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	require.Equal(t, "fe80::/64", cfg.Rules[0].Prefix.String())
}

func TestParseProxyFlagsRejectsMalformedRule(t *testing.T) {
	_, err := ParseProxyFlags([]string{"--iface", "eth0", "--rule", "not-a-rule"})
	require.Error(t, err)
}
