package lib

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PortPool hands out ephemeral local ports for active opens in random
// order, reusing returned ports last.
type PortPool struct {
	ports           []int
	capacity        int
	minPort         int
	maxPort         int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[int]time.Time
	log             zerolog.Logger
	mtx             sync.Mutex
}

func newPortPool(minPort, maxPort int, log zerolog.Logger) *PortPool {
	capacity := maxPort - minPort + 1

	perm := rand.Perm(capacity)
	ports := make([]int, capacity)
	for i, v := range perm {
		ports[i] = minPort + v
	}

	return &PortPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[int]time.Time),
		isFull:       true,
		log:          log.With().Str("pool", "ports").Logger(),
	}
}

func (p *PortPool) allocatePort() (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		p.log.Warn().Int("capacity", p.capacity).Msg("port pool exhausted")
		return 0, fmt.Errorf("port pool %d-%d: %w", p.minPort, p.maxPort, ErrAddressInUse)
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false

	p.allocatedMap[port] = time.Now()
	return port, nil
}

func (p *PortPool) returnPort(port int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return fmt.Errorf("port %d outside %d-%d", port, p.minPort, p.maxPort)
	}
	allocatedAt, ok := p.allocatedMap[port]
	if !ok {
		return fmt.Errorf("port %d was not allocated", port)
	}
	if p.isFull {
		return fmt.Errorf("port pool is full")
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false

	delete(p.allocatedMap, port)
	p.log.Trace().Int("port", port).Dur("held", time.Since(allocatedAt)).Msg("port returned")
	return nil
}

// available reports how many ports can still be allocated.
func (p *PortPool) available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.capacity - len(p.allocatedMap)
}
