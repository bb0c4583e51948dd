package filter

import (
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// memoryBackend records installed rules without touching the host.
type memoryBackend struct {
	mu      sync.Mutex
	server  map[ruleKey]struct{}
	client  map[ruleKey]struct{}
	flushes int
}

func (m *memoryBackend) addServerRule(addr string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.server[ruleKey{addr, port}] = struct{}{}
	return nil
}

func (m *memoryBackend) removeServerRule(addr string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.server, ruleKey{addr, port})
	return nil
}

func (m *memoryBackend) addClientRule(addr string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client[ruleKey{addr, port}] = struct{}{}
	return nil
}

func (m *memoryBackend) removeClientRule(addr string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.client, ruleKey{addr, port})
	return nil
}

func (m *memoryBackend) flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.server)
	clear(m.client)
	m.flushes++
	return nil
}

// MemoryFilter is a Filter whose installed rules can be inspected.
type MemoryFilter struct {
	*countingFilter
	mem *memoryBackend
}

func NewMemoryFilter(log zerolog.Logger) *MemoryFilter {
	mem := &memoryBackend{
		server: make(map[ruleKey]struct{}),
		client: make(map[ruleKey]struct{}),
	}
	return &MemoryFilter{countingFilter: newCountingFilter(mem, log), mem: mem}
}

// ListenRules returns the installed listen rules as "addr:port", sorted.
func (f *MemoryFilter) ListenRules() []string {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	return sortedRules(f.mem.server)
}

// ConnRules returns the installed connection rules as "addr:port", sorted.
func (f *MemoryFilter) ConnRules() []string {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	return sortedRules(f.mem.client)
}

func (f *MemoryFilter) Flushes() int {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	return f.mem.flushes
}

func sortedRules(m map[ruleKey]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range maps.Keys(m) {
		out = append(out, k.String())
	}
	slices.Sort(out)
	return out
}
