package lib

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Clouded-Sabre/iwarp-cm/config"
	"github.com/Clouded-Sabre/iwarp-cm/filter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	macA  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a}
	macB  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0b}
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
)

const waitTimeout = 2 * time.Second

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// eventRecorder is an EventSink that queues events for the test goroutine.
type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 64)}
}

func (r *eventRecorder) Deliver(ev Event) { r.ch <- ev }

// wait returns the next event of type typ, skipping others.
func (r *eventRecorder) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			require.FailNowf(t, "event not delivered", "waiting for %s", typ)
		}
	}
}

// none asserts nothing is delivered for a short while.
func (r *eventRecorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		require.FailNowf(t, "unexpected event", "%s status=%v", ev.Type, ev.Status)
	case <-time.After(50 * time.Millisecond):
	}
}

// recordingTx keeps every frame a core sends.
type recordingTx struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingTx) Send(buf *TxBuffer) error {
	r.mu.Lock()
	r.frames = append(r.frames, bytes.Clone(buf.Bytes()))
	r.mu.Unlock()
	buf.Release()
	return nil
}

func (r *recordingTx) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingTx) last(t *testing.T) *InboundPacket {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.frames, "nothing transmitted")
	p, err := DecodeFrame(r.frames[len(r.frames)-1])
	require.NoError(t, err)
	return p
}

func testConfig(mac net.HardwareAddr, local netip.Addr) *config.Config {
	cfg := config.DefaultConfig()
	cfg.PoolSize = 64
	cfg.LocalMAC = mac.String()
	cfg.LocalAddresses = []config.LocalAddress{{Addr: local.String()}}
	cfg.RtsTimeout = time.Second
	return cfg
}

type testCore struct {
	*CmCore
	events *eventRecorder
	filter *filter.MemoryFilter
}

func newTestCore(t *testing.T, cfg *config.Config, tx Transmitter, clk *testClock, resolver NeighborResolver) *testCore {
	t.Helper()
	tc := &testCore{
		events: newEventRecorder(),
		filter: filter.NewMemoryFilter(zerolog.Nop()),
	}
	opts := []Option{
		WithClock(clk.Now),
		WithFilter(tc.filter),
		WithLogger(zerolog.Nop()),
	}
	if resolver != nil {
		opts = append(opts, WithResolver(resolver))
	}
	c, err := NewCmCore(cfg, tx, tc.events, opts...)
	require.NoError(t, err)
	tc.CmCore = c
	t.Cleanup(func() { c.Shutdown() })
	return tc
}

// testPair is an initiator A and a responder B on one loopback wire.
type testPair struct {
	wire *LoopbackWire
	clk  *testClock
	a, b *testCore
}

func newTestPair(t *testing.T, mutate ...func(*config.Config)) *testPair {
	t.Helper()
	p := &testPair{wire: NewLoopbackWire(), clk: newTestClock()}
	portA, portB := p.wire.Port(macA), p.wire.Port(macB)

	cfgA, cfgB := testConfig(macA, addrA), testConfig(macB, addrB)
	for _, m := range mutate {
		m(cfgA)
		m(cfgB)
	}
	resA, resB := NewStaticResolver(), NewStaticResolver()
	resA.Add(addrB, macB)
	resB.Add(addrA, macA)

	p.a = newTestCore(t, cfgA, portA, p.clk, resA)
	p.b = newTestCore(t, cfgB, portB, p.clk, resB)
	portA.Bind(p.a)
	portB.Bind(p.b)
	return p
}

// tick advances the clock by d and runs both cores' timers.
func (p *testPair) tick(d time.Duration) {
	now := p.clk.Advance(d)
	p.a.Tick(now)
	p.b.Tick(now)
	p.wire.Pump()
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msg)
}
