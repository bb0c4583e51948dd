package lib

import (
	"net/netip"
	"testing"
	"time"

	"github.com/Clouded-Sabre/iwarp-cm/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	c := &CmCore{cfg: config.DefaultConfig()}

	testCases := []struct {
		retransLeft int
		expected    time.Duration
	}{
		{retransLeft: 32, expected: time.Second},
		{retransLeft: 31, expected: 2 * time.Second},
		{retransLeft: 30, expected: 4 * time.Second},
		{retransLeft: 29, expected: 8 * time.Second},
		{retransLeft: 28, expected: 12 * time.Second}, // capped
		{retransLeft: 0, expected: 12 * time.Second},
	}

	for _, tc := range testCases {
		if got := c.backoff(tc.retransLeft); got != tc.expected {
			t.Errorf("backoff(%d) = %s, expected %s", tc.retransLeft, got, tc.expected)
		}
	}
}

func TestTimerPopsInDueOrder(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	tm := newRetransmitTimer(func() time.Time { return base }, time.Second, func(time.Time) {})

	n := &CmNode{}
	late := &TimerEntry{due: base.Add(3 * time.Second)}
	early := &TimerEntry{due: base.Add(time.Second)}
	mid := &TimerEntry{due: base.Add(2 * time.Second)}
	tm.push(n, late)
	tm.push(n, early)
	tm.push(n, mid)
	assert.Equal(t, 3, tm.pending())

	next, ok := tm.nextDue()
	require.True(t, ok)
	assert.Equal(t, early.due, next)

	due := tm.popDue(base.Add(2 * time.Second))
	require.Len(t, due, 2)
	assert.Same(t, early, due[0].entry)
	assert.Same(t, mid, due[1].entry)
	assert.Equal(t, 1, tm.pending())

	assert.Empty(t, tm.popDue(base.Add(2*time.Second)))
}

func TestTimerGoroutineFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	var tm *retransmitTimer
	tm = newRetransmitTimer(time.Now, 50*time.Millisecond, func(now time.Time) {
		if len(tm.popDue(now)) > 0 {
			select {
			case fired <- struct{}{}:
			default:
			}
		}
	})
	tm.start()
	defer tm.stop()

	tm.push(&CmNode{}, &TimerEntry{due: time.Now().Add(10 * time.Millisecond)})
	select {
	case <-fired:
	case <-time.After(waitTimeout):
		t.Fatal("timer never fired")
	}
}

func TestScheduleCloseOnlyOnce(t *testing.T) {
	tx := &recordingTx{}
	clk := newTestClock()
	c := newTestCore(t, testConfig(macA, addrA), tx, clk, nil)

	n, err := c.makeNode(ConnectionKey{
		LocalAddr:  addrA,
		RemoteAddr: addrB,
		LocalPort:  5000,
		RemotePort: 6000,
		VlanID:     VlanNone,
	}, nil, macA, macB, 0, 0, true)
	require.NoError(t, err)

	n.mu.Lock()
	n.state = TimeWait
	require.NoError(t, c.scheduleTimer(n, nil, timerClose, false, false))
	err = c.scheduleTimer(n, nil, timerClose, false, false)
	n.mu.Unlock()
	assert.ErrorIs(t, err, ErrInvalidState)

	// not yet due
	c.Tick(clk.Advance(50 * time.Millisecond))
	assert.Equal(t, 1, c.Stats().ActiveNodes)

	c.Tick(clk.Advance(50 * time.Millisecond))
	assert.Equal(t, 0, c.Stats().ActiveNodes)
}

func TestSendEntryRetransmitsUntilExhausted(t *testing.T) {
	tx := &recordingTx{}
	clk := newTestClock()
	cfg := testConfig(macA, addrA)
	cfg.Retrans = 2
	c := newTestCore(t, cfg, tx, clk, nil)

	n, err := c.makeNode(ConnectionKey{
		LocalAddr:  addrA,
		RemoteAddr: addrB,
		LocalPort:  5001,
		RemotePort: 6001,
		VlanID:     VlanNone,
	}, nil, macA, macB, 0, 0, true)
	require.NoError(t, err)

	n.mu.Lock()
	n.state = SynSent
	require.NoError(t, c.sendSyn(n, false))
	n.mu.Unlock()
	require.Equal(t, 1, tx.count())
	assert.Equal(t, int32(2), n.RefCount(), "send entry holds a reference")

	c.Tick(clk.Advance(time.Second))
	c.Tick(clk.Advance(2 * time.Second))
	assert.Equal(t, 3, tx.count())
	assert.Equal(t, uint64(2), c.Stats().PacketsRetransmitted)

	c.Tick(clk.Advance(12 * time.Second))
	assert.Equal(t, Closed, n.State())
	last := tx.last(t)
	assert.Equal(t, RSTFlag|ACKFlag, last.Flags)

	ev := c.events.wait(t, EventConnectReply)
	var te *TimeoutError
	assert.ErrorAs(t, ev.Status, &te)
	assert.Equal(t, netip.AddrPortFrom(addrB, 6001), ev.Remote)

	require.NoError(t, c.Close(n.handle))
	eventually(t, func() bool { return c.Stats().ActiveNodes == 0 }, "node released after close")
}
