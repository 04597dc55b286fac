// Package config parses and validates the flags shared by the three
// binaries, grounded on the same pflag usage each uping command uses
// (C15, ambient).
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// Mode is the transfer mode named by ping6-datasend's --mode flag. It is
// parsed and validated only: ping6-datasend runs the stream transport
// whichever mode is given. Length-prefixed stdin/stdout framing is chosen
// by the Framed field, not by Mode.
type Mode string

const (
	ModeStream   Mode = "stream"
	ModeDatagram Mode = "datagram"
)

// SenderConfig holds ping6-datasend's parsed flags.
type SenderConfig struct {
	Iface      string
	Src        net.IP
	Dst        net.IP
	Mode       Mode
	Framed     bool
	Verbose    bool
	MetricsAddr string
}

// ParseSenderFlags parses args (normally os.Args[1:]) into a SenderConfig,
// returning a usage error suitable for printing to stderr and exiting 2.
func ParseSenderFlags(args []string) (*SenderConfig, error) {
	fs := pflag.NewFlagSet("ping6-datasend", pflag.ContinueOnError)
	cfg := &SenderConfig{}

	var iface, src, dst, mode string
	fs.StringVarP(&iface, "iface", "i", "", "bind sender to this interface")
	fs.StringVarP(&src, "src", "s", "", "source IPv6 address (required)")
	fs.StringVarP(&dst, "dst", "d", "", "destination IPv6 address (required)")
	fs.StringVarP(&mode, "mode", "m", string(ModeStream), "transfer mode: stream or datagram")
	fs.BoolVar(&cfg.Framed, "framed", false, "length-prefix stdin/stdout frames instead of a continuous stream")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable verbose logs")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if src == "" || dst == "" {
		return nil, fmt.Errorf("--src and --dst are required")
	}
	srcIP := net.ParseIP(src)
	if srcIP == nil || srcIP.To4() != nil {
		return nil, fmt.Errorf("--src must be a valid IPv6 address")
	}
	dstIP := net.ParseIP(dst)
	if dstIP == nil || dstIP.To4() != nil {
		return nil, fmt.Errorf("--dst must be a valid IPv6 address")
	}

	m := Mode(strings.ToLower(mode))
	if m != ModeStream && m != ModeDatagram {
		return nil, fmt.Errorf("--mode must be %q or %q", ModeStream, ModeDatagram)
	}

	cfg.Iface = iface
	cfg.Src = srcIP
	cfg.Dst = dstIP
	cfg.Mode = m
	return cfg, nil
}

// ReceiverConfig holds ping6-datarecv's parsed flags.
type ReceiverConfig struct {
	Iface       string
	Bind        net.IP
	WindowSize  int
	Framed      bool
	Verbose     bool
	MetricsAddr string
}

// ParseReceiverFlags parses args into a ReceiverConfig.
func ParseReceiverFlags(args []string) (*ReceiverConfig, error) {
	fs := pflag.NewFlagSet("ping6-datarecv", pflag.ContinueOnError)
	cfg := &ReceiverConfig{}

	var iface, bind string
	fs.StringVarP(&iface, "iface", "i", "", "bind receiver to this interface")
	fs.StringVarP(&bind, "bind", "b", "", "local IPv6 address to bind (required)")
	fs.IntVarP(&cfg.WindowSize, "window-size", "w", 64, "number of reorder-buffer slots")
	fs.BoolVar(&cfg.Framed, "framed", false, "length-prefix stdin/stdout frames instead of a continuous stream")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable verbose logs")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if bind == "" {
		return nil, fmt.Errorf("--bind is required")
	}
	bindIP := net.ParseIP(bind)
	if bindIP == nil || bindIP.To4() != nil {
		return nil, fmt.Errorf("--bind must be a valid IPv6 address")
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("--window-size must be > 0")
	}

	cfg.Iface = iface
	cfg.Bind = bindIP
	return cfg, nil
}

// NdpRule is one --rule flag value: target-prefix=linkaddr.
type NdpRule struct {
	Prefix   netip.Prefix
	LinkAddr net.HardwareAddr
}

// ProxyConfig holds ndp6proxy's parsed flags.
type ProxyConfig struct {
	Iface   string
	Rules   []NdpRule
	Verbose bool
}

// ParseProxyFlags parses args into a ProxyConfig.
func ParseProxyFlags(args []string) (*ProxyConfig, error) {
	fs := pflag.NewFlagSet("ndp6proxy", pflag.ContinueOnError)
	cfg := &ProxyConfig{}

	var iface string
	var rawRules []string
	fs.StringVarP(&iface, "iface", "i", "", "interface to proxy Neighbor Discovery on (required)")
	fs.StringArrayVar(&rawRules, "rule", nil, "target-prefix=linkaddr, repeatable")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if iface == "" {
		return nil, fmt.Errorf("--iface is required")
	}
	if len(rawRules) == 0 {
		return nil, fmt.Errorf("at least one --rule is required")
	}

	rules := make([]NdpRule, 0, len(rawRules))
	for _, raw := range rawRules {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --rule %q, want target-prefix=linkaddr", raw)
		}
		prefix, err := netip.ParsePrefix(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed --rule prefix %q: %w", parts[0], err)
		}
		linkAddr, err := net.ParseMAC(parts[1])
		if err != nil {
			return nil, fmt.Errorf("malformed --rule link address %q: %w", parts[1], err)
		}
		rules = append(rules, NdpRule{Prefix: prefix, LinkAddr: linkAddr})
	}

	cfg.Iface = iface
	cfg.Rules = rules
	return cfg, nil
}

// Fatal prints msg to stderr and exits with the given code. Used by main
// packages for usage errors (exit 2) and runtime failures (exit 1).
func Fatal(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}
