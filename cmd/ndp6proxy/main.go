// Command ndp6proxy parses Neighbor Discovery proxy rules and hands them
// off to the packet-socket daemon loop. Binding the AF_PACKET socket,
// attaching it to an interface, and running the receive/answer loop are
// external collaborators (daemonization and raw-socket OS integration
// beyond internal/rawsock's byte-level contract are out of scope here);
// this binary's job ends at building and validating the rule set.
package main

import (
	"os"

	"github.com/dmnsafonov/ping6-tools/internal/config"
	"github.com/dmnsafonov/ping6-tools/internal/ndp"
	"github.com/dmnsafonov/ping6-tools/internal/telemetry"
)

func main() {
	cfg, err := config.ParseProxyFlags(os.Args[1:])
	if err != nil {
		config.Fatal(2, "error: %v", err)
	}

	log := telemetry.Logger(cfg.Verbose)

	rules := make([]ndp.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, ndp.Rule{Prefix: r.Prefix, LinkAddr: r.LinkAddr})
	}
	// NewRuleSet is the hand-off point: a daemon loop would take this
	// RuleSet and call Match on every validated solicitation it receives.
	_ = ndp.NewRuleSet(rules)

	log.Info("parsed proxy rules", "iface", cfg.Iface, "rule_count", len(rules))
	for _, r := range cfg.Rules {
		log.Debug("rule", "prefix", r.Prefix, "link_addr", r.LinkAddr)
	}
}
