package lib

import (
	"container/heap"
	"sync"
	"time"
)

type timerKind int

const (
	timerSend timerKind = iota
	timerClose
)

// TimerEntry is a node's pending retransmission or TimeWait close.
type TimerEntry struct {
	kind              timerKind
	due               time.Time
	retryCount        int
	retransCount      int
	sendRetrans       bool
	closeWhenComplete bool
	buf               *TxBuffer
	hwDisconnect      bool // close entry for an offloaded queue pair
}

type timerItem struct {
	due   time.Time
	node  *CmNode
	entry *TimerEntry
}

type timerHeap []*timerItem

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timerItem))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// retransmitTimer is the one timer shared by every node. Items whose entry
// has been replaced or freed are skipped when they come due.
type retransmitTimer struct {
	mu          sync.Mutex
	items       timerHeap
	wake        chan struct{}
	closeSignal chan struct{}
	wg          sync.WaitGroup
	now         func() time.Time
	longTime    time.Duration
	fire        func(now time.Time)
}

func newRetransmitTimer(now func() time.Time, longTime time.Duration, fire func(time.Time)) *retransmitTimer {
	return &retransmitTimer{
		wake:        make(chan struct{}, 1),
		closeSignal: make(chan struct{}),
		now:         now,
		longTime:    longTime,
		fire:        fire,
	}
}

func (t *retransmitTimer) start() {
	t.wg.Add(1)
	go t.run()
}

func (t *retransmitTimer) stop() {
	close(t.closeSignal)
	t.wg.Wait()
}

func (t *retransmitTimer) push(n *CmNode, e *TimerEntry) {
	t.mu.Lock()
	heap.Push(&t.items, &timerItem{due: e.due, node: n, entry: e})
	earliest := t.items[0].entry == e
	t.mu.Unlock()

	if earliest {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

// popDue removes and returns every item due at or before now, earliest first.
func (t *retransmitTimer) popDue(now time.Time) []*timerItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []*timerItem
	for len(t.items) > 0 && !t.items[0].due.After(now) {
		due = append(due, heap.Pop(&t.items).(*timerItem))
	}
	return due
}

func (t *retransmitTimer) nextDue() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.items) == 0 {
		return time.Time{}, false
	}
	return t.items[0].due, true
}

func (t *retransmitTimer) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *retransmitTimer) run() {
	defer t.wg.Done()

	timer := time.NewTimer(t.longTime)
	defer timer.Stop()
	for {
		wait := t.longTime
		if due, ok := t.nextDue(); ok {
			wait = max(due.Sub(t.now()), 0)
		}
		timer.Reset(wait)

		select {
		case <-t.closeSignal:
			return
		case <-t.wake:
		case <-timer.C:
			t.fire(t.now())
		}
	}
}

// Tick runs every timer entry due at now. The background timer calls it;
// tests built with a manual clock call it directly.
func (c *CmCore) Tick(now time.Time) {
	for _, it := range c.timer.popDue(now) {
		n := it.node
		if !n.tryAddRef() {
			continue
		}
		n.mu.Lock()
		switch it.entry.kind {
		case timerClose:
			if n.closeEntry == it.entry {
				c.handleCloseEntry(n, true)
			}
		case timerSend:
			c.handleSendEntry(n, it.entry, now)
		}
		n.mu.Unlock()
		c.remRef(n)
	}
}

// handleSendEntry retransmits or expires a due send entry. Caller holds n.mu.
func (c *CmCore) handleSendEntry(n *CmNode, e *TimerEntry, now time.Time) {
	n.retransMu.Lock()
	if n.sendEntry != e {
		n.retransMu.Unlock()
		return
	}
	if n.state == Offloaded || n.state == Closed {
		c.freeRetransEntryLocked(n)
		n.retransMu.Unlock()
		return
	}
	if e.retransCount == 0 || e.retryCount == 0 {
		c.freeRetransEntryLocked(n)
		n.retransMu.Unlock()
		c.retransExpired(n)
		n.state = Closed
		return
	}
	n.retransMu.Unlock()

	if !n.ackRcvd {
		c.transmit(n, e.buf.Retain())
		c.stats.pktRetrans.inc()
		n.log.Debug().Int("retrans", e.retransCount).Msg("retransmitted segment")
	}

	n.retransMu.Lock()
	if e.sendRetrans {
		e.retransCount--
		e.due = now.Add(c.backoff(e.retransCount))
		n.retransMu.Unlock()
		c.timer.push(n, e)
		return
	}
	closeWhenComplete := e.closeWhenComplete
	c.freeRetransEntryLocked(n)
	n.retransMu.Unlock()
	if closeWhenComplete {
		c.remRef(n)
	}
}

// backoff doubles the retry timeout for every retransmission already made,
// capped at the max timeout.
func (c *CmCore) backoff(retransCount int) time.Duration {
	d := c.cfg.RetryTimeout
	for i := retransCount; i < c.cfg.Retrans && d < c.cfg.MaxTimeout; i++ {
		d <<= 1
	}
	return min(d, c.cfg.MaxTimeout)
}

// scheduleTimer arms a send or close entry for n. A send entry replaces the
// previous one, takes a node reference and transmits buf right away.
func (c *CmCore) scheduleTimer(n *CmNode, buf *TxBuffer, kind timerKind, sendRetrans, closeWhenComplete bool) error {
	now := c.now()
	e := &TimerEntry{
		kind:              kind,
		retryCount:        c.cfg.Retries,
		retransCount:      c.cfg.Retrans,
		sendRetrans:       sendRetrans,
		closeWhenComplete: closeWhenComplete,
		buf:               buf,
	}

	if kind == timerClose {
		if n.closeEntry != nil {
			return newCmError(KindArgument, "schedule close", ErrInvalidState)
		}
		e.due = now.Add(c.cfg.CloseDelay)
		n.closeEntry = e
		c.timer.push(n, e)
		return nil
	}

	n.retransMu.Lock()
	c.freeRetransEntryLocked(n)
	n.sendEntry = e
	n.addRef()
	n.retransMu.Unlock()

	e.due = now.Add(c.cfg.RetryTimeout)
	c.transmit(n, buf.Retain())

	if !sendRetrans {
		c.cleanupRetransEntry(n)
		if closeWhenComplete {
			c.remRef(n)
		}
		return nil
	}
	c.timer.push(n, e)
	return nil
}

// freeRetransEntryLocked drops the send entry and the reference it held.
// Caller holds n.retransMu.
func (c *CmCore) freeRetransEntryLocked(n *CmNode) {
	e := n.sendEntry
	if e == nil {
		return
	}
	n.sendEntry = nil
	if e.buf != nil {
		e.buf.Release()
		e.buf = nil
	}
	n.refcnt.Add(-1)
}

func (c *CmCore) cleanupRetransEntry(n *CmNode) {
	n.retransMu.Lock()
	c.freeRetransEntryLocked(n)
	n.retransMu.Unlock()
}

// handleCloseEntry runs a due TimeWait close. Caller holds n.mu.
func (c *CmCore) handleCloseEntry(n *CmNode, remNode bool) {
	e := n.closeEntry
	n.closeEntry = nil
	if e.hwDisconnect {
		if n.handle != nil {
			c.postDisconnect(n, true)
		}
		return
	}
	if remNode {
		c.remRef(n)
	}
}

// retransExpired gives up on a node whose peer stopped answering.
func (c *CmCore) retransExpired(n *CmNode) {
	state := n.state
	n.state = Closed
	n.log.Info().Stringer("state", state).Msg("retransmissions exhausted")

	switch state {
	case SynRcvd, Closing:
		c.remRef(n)
	case FinWait1, LastAck:
		c.sendReset(n)
	default:
		n.addRef()
		c.sendReset(n)
		c.createEvent(n, cmEventAborted, newTimeoutError("retransmissions exhausted in "+state.String()))
	}
}
