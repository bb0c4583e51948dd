//go:build linux

package filter

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// iptablesBackend drops outbound RSTs with OUTPUT chain rules tagged by a
// comment, so flush can find every rule it added.
type iptablesBackend struct {
	comment string
	log     zerolog.Logger
}

func newSystemBackend(identifier string, log zerolog.Logger) (backend, error) {
	if err := isIptablesEnabled(); err != nil {
		return nil, err
	}
	log.Info().Str("comment", identifier).Msg("iptables is enabled and available")
	return &iptablesBackend{comment: identifier, log: log}, nil
}

func isIptablesEnabled() error {
	output, err := exec.Command("iptables", "-S").CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables is not enabled or available: %v\nOutput: %s", err, string(output))
	}
	return nil
}

func iptablesFor(addr string) string {
	if strings.Contains(addr, ":") {
		return "ip6tables"
	}
	return "iptables"
}

// rstRule builds the rule spec; dir is "-s" for a source match or "-d" for
// a destination match.
func (b *iptablesBackend) rstRule(dir, addr string, port int) []string {
	portFlag := "--sport"
	if dir == "-d" {
		portFlag = "--dport"
	}
	return []string{"OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", dir, addr, portFlag, strconv.Itoa(port), "-m", "comment", "--comment", b.comment, "-j", "DROP"}
}

func (b *iptablesBackend) add(dir, addr string, port int) error {
	tool := iptablesFor(addr)
	spec := b.rstRule(dir, addr, port)

	// -C exits non zero when the rule is missing
	if err := exec.Command(tool, append([]string{"-C"}, spec...)...).Run(); err == nil {
		b.log.Debug().Strs("rule", spec).Msg("rule already exists")
		return nil
	}
	if output, err := exec.Command(tool, append([]string{"-A"}, spec...)...).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to add %s rule: %v\nOutput: %s", tool, err, string(output))
	}
	b.log.Debug().Strs("rule", spec).Msg("added rule")
	return nil
}

func (b *iptablesBackend) remove(dir, addr string, port int) error {
	tool := iptablesFor(addr)
	spec := b.rstRule(dir, addr, port)
	if output, err := exec.Command(tool, append([]string{"-D"}, spec...)...).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to remove %s rule: %v\nOutput: %s", tool, err, string(output))
	}
	return nil
}

func (b *iptablesBackend) addServerRule(srcAddr string, srcPort int) error {
	return b.add("-s", srcAddr, srcPort)
}

func (b *iptablesBackend) removeServerRule(srcAddr string, srcPort int) error {
	return b.remove("-s", srcAddr, srcPort)
}

func (b *iptablesBackend) addClientRule(dstAddr string, dstPort int) error {
	return b.add("-d", dstAddr, dstPort)
}

func (b *iptablesBackend) removeClientRule(dstAddr string, dstPort int) error {
	return b.remove("-d", dstAddr, dstPort)
}

// flush deletes every OUTPUT rule carrying our comment.
func (b *iptablesBackend) flush() error {
	var deleteErrors []string
	for _, tool := range []string{"iptables", "ip6tables"} {
		output, err := exec.Command(tool, "-S", "OUTPUT").CombinedOutput()
		if err != nil {
			b.log.Debug().Err(err).Str("tool", tool).Msg("listing rules failed")
			continue
		}
		for _, line := range strings.Split(string(output), "\n") {
			if !strings.Contains(line, "--comment "+b.comment) && !strings.Contains(line, "--comment \""+b.comment+"\"") {
				continue
			}
			deleteCmd := strings.Replace(line, "-A", "-D", 1)
			if out, err := exec.Command("sh", "-c", tool+" "+deleteCmd).CombinedOutput(); err != nil {
				deleteErrors = append(deleteErrors, fmt.Sprintf("%s\nError: %s", deleteCmd, string(out)))
			}
		}
	}
	if len(deleteErrors) > 0 {
		return fmt.Errorf("some rules failed to delete:\n%s", strings.Join(deleteErrors, "\n"))
	}
	return nil
}
