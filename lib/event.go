package lib

import (
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// EventType is the kind of event delivered to the upper layer.
type EventType int

const (
	EventConnectRequest EventType = iota + 1
	EventConnectReply
	EventEstablished
	EventMpaReject
	EventAborted
	EventReset
	EventDisconnect
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventConnectRequest:
		return "connect_request"
	case EventConnectReply:
		return "connect_reply"
	case EventEstablished:
		return "established"
	case EventMpaReject:
		return "mpa_reject"
	case EventAborted:
		return "aborted"
	case EventReset:
		return "reset"
	case EventDisconnect:
		return "disconnect"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Event is what the upper layer sees. Status is nil on success.
type Event struct {
	Type        EventType
	Status      error
	ID          uuid.UUID
	Handle      *ConnHandle
	Listener    *ListenerHandle
	Local       netip.AddrPort
	Remote      netip.AddrPort
	PrivateData []byte
	IRD         uint32
	ORD         uint32
}

// internal events raised by the state machine
type cmEventType int

const (
	cmEventMpaRequest cmEventType = iota + 1
	cmEventConnected
	cmEventMpaReject
	cmEventAborted
	cmEventReset
	cmEventDisconnect
)

// eventQueue runs posted work in order on one goroutine.
type eventQueue struct {
	mu          sync.Mutex
	items       []func()
	notify      chan struct{}
	closeSignal chan struct{}
	wg          sync.WaitGroup
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify:      make(chan struct{}, 1),
		closeSignal: make(chan struct{}),
	}
}

func (q *eventQueue) start() {
	q.wg.Add(1)
	go q.run()
}

// stop lets queued work finish, then ends the worker.
func (q *eventQueue) stop() {
	close(q.closeSignal)
	q.wg.Wait()
}

func (q *eventQueue) post(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
	}
}

func (q *eventQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.closeSignal:
			q.drain()
			return
		case <-q.notify:
			q.drain()
		}
	}
}

// createEvent queues an internal event for n. The queued work holds a node
// reference until it has run.
func (c *CmCore) createEvent(n *CmNode, typ cmEventType, status error) {
	if n.handle == nil {
		return
	}
	n.addRef()
	c.events.post(func() {
		c.handleEvent(n, typ, status)
		c.remRef(n)
	})
}

func (c *CmCore) handleEvent(n *CmNode, typ cmEventType, status error) {
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()

	switch typ {
	case cmEventMpaRequest:
		n.indicated.Store(true)
		c.deliver(c.nodeEvent(n, EventConnectRequest, nil))
	case cmEventReset, cmEventDisconnect:
		c.eventDisconnect(n, typ == cmEventReset)
	case cmEventConnected:
		if state != Offloaded {
			return
		}
		c.eventConnected(n)
	case cmEventMpaReject:
		if state == Offloaded {
			return
		}
		c.deliver(c.nodeEvent(n, EventMpaReject, status))
		// the node finishes its own close handshake
		n.handle.closed.Store(true)
	case cmEventAborted:
		if state == Offloaded {
			return
		}
		c.eventConnectError(n, status)
	}
}

// nodeEvent builds an upper layer event carrying the node's addressing,
// private data and negotiated sizes.
func (c *CmCore) nodeEvent(n *CmNode, typ EventType, status error) Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	ev := Event{
		Type:   typ,
		Status: status,
		ID:     n.id,
		Handle: n.handle,
		Local:  netip.AddrPortFrom(n.key.LocalAddr, n.key.LocalPort),
		Remote: netip.AddrPortFrom(n.key.RemoteAddr, n.key.RemotePort),
		IRD:    n.irdSize,
		ORD:    n.ordSize,
	}
	if len(n.pdata) > 0 {
		ev.PrivateData = append([]byte(nil), n.pdata...)
	}
	if n.listener != nil {
		ev.Listener = n.listener.handle.Load()
	}
	return ev
}

func (c *CmCore) deliver(ev Event) {
	EventsDelivered.WithLabelValues(ev.Type.String()).Inc()
	c.log.Debug().Stringer("event", ev.Type).Str("conn", ev.ID.String()).AnErr("status", ev.Status).Msg("delivering event")
	c.sink.Deliver(ev)
}

// eventConnected activates the initiator's queue pair and reports success.
func (c *CmCore) eventConnected(n *CmNode) {
	n.mu.Lock()
	info := n.offloadInfo(nil)
	n.mu.Unlock()

	ready, err := c.offload.Activate(c.ctx, info)
	if err != nil {
		n.log.Error().Err(err).Msg("activating queue pair failed")
		c.eventConnectError(n, newCmError(KindResourceExhausted, "activate", err))
		return
	}
	if !c.waitReady(n, ready) {
		n.log.Warn().Dur("timeout", c.cfg.RtsTimeout).Msg("slow connection, queue pair not ready")
	}

	c.deliver(c.nodeEvent(n, EventConnectReply, nil))
	n.accelerated.Store(true)
	n.markEstablished()
	c.freeAddressHandle(n)
}

// eventConnectError reports a failed or aborted connection: a connect reply
// with an error on the active side, an aborted event on the passive side.
// When a queue pair is bound the handle is detached and its reference
// dropped, so the upper layer must not close it again.
func (c *CmCore) eventConnectError(n *CmNode, status error) {
	if status == nil {
		status = ErrConnectionReset
	}
	n.mu.Lock()
	qpBound := n.qp != nil
	n.qp = nil
	n.mu.Unlock()

	if !n.tcp.Client && !n.indicated.Load() {
		return
	}
	ev := c.nodeEvent(n, EventAborted, status)
	if n.tcp.Client {
		ev.Type = EventConnectReply
	}
	c.deliver(ev)
	if qpBound && n.handle.closed.CompareAndSwap(false, true) {
		c.remRef(n)
	}
}

// eventDisconnect reports the end of an offloaded connection and releases
// the upper layer's reference on its behalf.
func (c *CmCore) eventDisconnect(n *CmNode, reset bool) {
	if !n.accelerated.Load() {
		c.waitReady(n, n.establishComp)
	}
	if !n.handle.closed.CompareAndSwap(false, true) {
		return
	}

	if reset {
		c.deliver(c.nodeEvent(n, EventReset, ErrConnectionReset))
	} else {
		c.deliver(c.nodeEvent(n, EventDisconnect, nil))
	}
	c.deliver(c.nodeEvent(n, EventClose, nil))

	n.mu.Lock()
	err := c.closeNode(n)
	n.mu.Unlock()
	if err != nil {
		n.log.Warn().Err(err).Msg("close after disconnect")
	}
}

// postDisconnect queues the disconnect path for an offloaded node.
func (c *CmCore) postDisconnect(n *CmNode, reset bool) {
	if reset {
		c.createEvent(n, cmEventReset, ErrConnectionReset)
		return
	}
	c.createEvent(n, cmEventDisconnect, nil)
}
