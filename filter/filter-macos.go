//go:build darwin

package filter

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// pfBackend keeps its block rules in a pf anchor that /etc/pf.conf must
// reference.
type pfBackend struct {
	anchor string
	log    zerolog.Logger
}

func newSystemBackend(identifier string, log zerolog.Logger) (backend, error) {
	enabled, err := isPFEnabled()
	if err != nil || !enabled {
		return nil, fmt.Errorf("PF service is not enabled: %v", err)
	}
	refExists, err := pfCheckAnchor(identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to check anchor reference in /etc/pf.conf: %v", err)
	}
	if !refExists {
		return nil, fmt.Errorf("anchor reference to %s does not exist in /etc/pf.conf. Please add it", identifier)
	}
	return &pfBackend{anchor: identifier, log: log}, nil
}

func inetFor(addr string) string {
	if strings.Contains(addr, ":") {
		return "inet6"
	}
	return "inet"
}

func serverRule(addr string, port int) string {
	return fmt.Sprintf("block drop out quick %s proto tcp from %s port = %d to any flags R/R", inetFor(addr), addr, port)
}

func clientRule(addr string, port int) string {
	return fmt.Sprintf("block drop out quick %s proto tcp from any to %s port = %d flags R/R", inetFor(addr), addr, port)
}

// addRule reloads the anchor with rule appended, leaving the rest intact.
func (b *pfBackend) addRule(rule string) error {
	currentRules, err := getPfRules(b.anchor)
	if err != nil {
		return fmt.Errorf("failed to retrieve current rules: %v", err)
	}
	if !containsRule(currentRules, rule) {
		currentRules = append(currentRules, rule)
	}
	if err := pfLoadRules(b.anchor, strings.Join(currentRules, "\n")); err != nil {
		return fmt.Errorf("failed to load updated rules: %v", err)
	}
	if err := verifyRuleExactMatch(b.anchor, rule); err != nil {
		return fmt.Errorf("rule verification failed: %v", err)
	}
	b.log.Debug().Str("rule", rule).Msg("added rule")
	return nil
}

func (b *pfBackend) removeRule(rule string) error {
	currentRules, err := getPfRules(b.anchor)
	if err != nil {
		return fmt.Errorf("failed to retrieve current rules: %v", err)
	}
	var updatedRules []string
	for _, r := range currentRules {
		if strings.TrimSpace(r) != strings.TrimSpace(rule) {
			updatedRules = append(updatedRules, r)
		}
	}
	if err := pfLoadRules(b.anchor, strings.Join(updatedRules, "\n")+"\n"); err != nil {
		return fmt.Errorf("failed to load updated rules: %v", err)
	}
	b.log.Debug().Str("rule", rule).Msg("removed rule")
	return nil
}

func (b *pfBackend) addServerRule(srcAddr string, srcPort int) error {
	return b.addRule(serverRule(srcAddr, srcPort))
}

func (b *pfBackend) removeServerRule(srcAddr string, srcPort int) error {
	return b.removeRule(serverRule(srcAddr, srcPort))
}

func (b *pfBackend) addClientRule(dstAddr string, dstPort int) error {
	return b.addRule(clientRule(dstAddr, dstPort))
}

func (b *pfBackend) removeClientRule(dstAddr string, dstPort int) error {
	return b.removeRule(clientRule(dstAddr, dstPort))
}

func (b *pfBackend) flush() error {
	output, err := exec.Command("pfctl", "-a", b.anchor, "-F", "rules").CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to flush rules for anchor %s: %v\nCommand output: %s", b.anchor, err, string(output))
	}
	return nil
}

func isPFEnabled() (bool, error) {
	output, err := exec.Command("pfctl", "-s", "info").CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("pfctl check failed: %v\nOutput: %s", err, string(output))
	}
	return strings.Contains(string(output), "Status: Enabled"), nil
}

func pfCheckAnchor(anchor string) (bool, error) {
	data, err := os.ReadFile("/etc/pf.conf")
	if err != nil {
		return false, fmt.Errorf("failed to read /etc/pf.conf: %v", err)
	}
	return strings.Contains(string(data), fmt.Sprintf("anchor \"%s\"", anchor)), nil
}

// getPfRules lists the anchor's block rules, the only kind we install.
func getPfRules(anchor string) ([]string, error) {
	output, err := exec.Command("pfctl", "-a", anchor, "-s", "rules").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to query PF rules: %v\nOutput: %s", err, string(output))
	}
	var rules []string
	for _, line := range strings.Split(string(output), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "block") {
			rules = append(rules, trimmed)
		}
	}
	return rules, nil
}

func pfLoadRules(anchor, rules string) error {
	cmd := exec.Command("sh", "-c", fmt.Sprintf("echo %q | sudo /sbin/pfctl -a %s -f -", rules, anchor))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to load PF rules: %v\nCommand output: %s", err, string(output))
	}
	return nil
}

func verifyRuleExactMatch(anchor, expectedRule string) error {
	output, err := exec.Command("/sbin/pfctl", "-a", anchor, "-s", "rules").CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to query PF rules: %v", err)
	}
	expected := strings.TrimSpace(expectedRule)
	current := strings.TrimSpace(string(output))
	if !strings.Contains(current, expected) {
		return fmt.Errorf("rule does not match\nCurrent rules:\n%s\nExpected:\n%s", current, expected)
	}
	return nil
}

func containsRule(rules []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, rule := range rules {
		if strings.TrimSpace(rule) == target {
			return true
		}
	}
	return false
}
