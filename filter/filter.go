// Package filter keeps the host TCP stack from answering segments that
// belong to the connection manager. Without it the kernel sees SYNs and
// SYN-ACKs for ports it has no socket on and sends RSTs back.
package filter

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const (
	BackendMemory = "memory" // bookkeeping only, for tests and user space wires
	BackendSystem = "system" // iptables, pf or WinDivert depending on the platform
)

type Filter interface {
	// AddListenFiltering drops RSTs the host sends from a listening address and port.
	AddListenFiltering(addr string, port int) error
	RemoveListenFiltering(addr string, port int) error
	// AddConnFiltering drops RSTs the host sends to an active open's peer.
	AddConnFiltering(dstAddr string, dstPort int) error
	RemoveConnFiltering(dstAddr string, dstPort int) error
	// FinishFiltering flushes every rule and stops filtering.
	FinishFiltering() error
}

// backend installs and removes single rules. Reference counting lives in
// countingFilter so a backend only ever sees one add per rule.
type backend interface {
	addServerRule(srcAddr string, srcPort int) error
	removeServerRule(srcAddr string, srcPort int) error
	addClientRule(dstAddr string, dstPort int) error
	removeClientRule(dstAddr string, dstPort int) error
	flush() error
}

type ruleKey struct {
	addr string
	port int
}

func (k ruleKey) String() string { return fmt.Sprintf("%s:%d", k.addr, k.port) }

// countingFilter makes rules reference counted: several listeners on one
// port, or several connections to one peer port, share a rule.
type countingFilter struct {
	mu     sync.Mutex
	b      backend
	listen map[ruleKey]int
	conn   map[ruleKey]int
	log    zerolog.Logger
}

func newCountingFilter(b backend, log zerolog.Logger) *countingFilter {
	return &countingFilter{
		b:      b,
		listen: make(map[ruleKey]int),
		conn:   make(map[ruleKey]int),
		log:    log,
	}
}

// New returns the filter for kind, one of BackendMemory or BackendSystem.
func New(kind, identifier string, log zerolog.Logger) (Filter, error) {
	log = log.With().Str("filter", kind).Logger()
	switch kind {
	case BackendMemory:
		return NewMemoryFilter(log), nil
	case BackendSystem:
		b, err := newSystemBackend(identifier, log)
		if err != nil {
			return nil, err
		}
		return newCountingFilter(b, log), nil
	}
	return nil, fmt.Errorf("unknown filter backend %q", kind)
}

func (f *countingFilter) AddListenFiltering(addr string, port int) error {
	return f.add(f.listen, ruleKey{addr, port}, f.b.addServerRule)
}

func (f *countingFilter) RemoveListenFiltering(addr string, port int) error {
	return f.remove(f.listen, ruleKey{addr, port}, f.b.removeServerRule)
}

func (f *countingFilter) AddConnFiltering(dstAddr string, dstPort int) error {
	return f.add(f.conn, ruleKey{dstAddr, dstPort}, f.b.addClientRule)
}

func (f *countingFilter) RemoveConnFiltering(dstAddr string, dstPort int) error {
	return f.remove(f.conn, ruleKey{dstAddr, dstPort}, f.b.removeClientRule)
}

func (f *countingFilter) add(rules map[ruleKey]int, k ruleKey, install func(string, int) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rules[k] > 0 {
		rules[k]++
		return nil
	}
	if err := install(k.addr, k.port); err != nil {
		return fmt.Errorf("installing rule for %s: %w", k, err)
	}
	rules[k] = 1
	f.log.Debug().Stringer("rule", k).Msg("rule installed")
	return nil
}

func (f *countingFilter) remove(rules map[ruleKey]int, k ruleKey, uninstall func(string, int) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch rules[k] {
	case 0:
		f.log.Debug().Stringer("rule", k).Msg("rule not installed, nothing to remove")
	case 1:
		delete(rules, k)
		if err := uninstall(k.addr, k.port); err != nil {
			return fmt.Errorf("removing rule for %s: %w", k, err)
		}
		f.log.Debug().Stringer("rule", k).Msg("rule removed")
	default:
		rules[k]--
	}
	return nil
}

func (f *countingFilter) FinishFiltering() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.listen)
	clear(f.conn)
	return f.b.flush()
}
