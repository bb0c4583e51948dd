package lib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clouded-Sabre/iwarp-cm/config"
	"github.com/Clouded-Sabre/iwarp-cm/filter"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CmCore is the connection manager of one device: it owns the connection
// table, the listeners, the shared retransmit timer and the event worker.
type CmCore struct {
	cfg      *config.Config
	log      zerolog.Logger
	tx       Transmitter
	resolver NeighborResolver
	offload  Offload
	sink     EventSink
	filter   filter.Filter
	pool     *BufferPool
	ports    *PortPool

	conns     *connMap
	listenMu  sync.Mutex
	listeners []*Listener

	timer       *retransmitTimer
	manualClock bool
	events      *eventQueue
	stats       *cmStats

	ctx         context.Context
	cancel      context.CancelFunc
	now         func() time.Time
	closed      atomic.Bool
	closeSignal chan struct{}

	localMAC   net.HardwareAddr
	localAddrs []netip.Addr
}

type Option func(*CmCore)

// WithClock replaces the wall clock. The background timer is not started;
// the caller drives retransmissions with Tick.
func WithClock(now func() time.Time) Option {
	return func(c *CmCore) {
		c.now = now
		c.manualClock = true
	}
}

func WithOffload(o Offload) Option {
	return func(c *CmCore) { c.offload = o }
}

func WithResolver(r NeighborResolver) Option {
	return func(c *CmCore) { c.resolver = r }
}

func WithFilter(f filter.Filter) Option {
	return func(c *CmCore) { c.filter = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *CmCore) { c.log = l }
}

// NewCmCore builds a connection manager sending frames through tx and
// delivering events to sink. A nil cfg means the defaults.
func NewCmCore(cfg *config.Config, tx Transmitter, sink EventSink, opts ...Option) (*CmCore, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, newCmError(KindArgument, "new core", err)
	}
	if tx == nil || sink == nil {
		return nil, newCmError(KindArgument, "new core", fmt.Errorf("transmitter and event sink are required"))
	}
	mac, err := net.ParseMAC(cfg.LocalMAC)
	if err != nil {
		return nil, newCmError(KindArgument, "new core", err)
	}

	c := &CmCore{
		cfg:         cfg,
		log:         log.Logger.With().Str("component", "iwcm").Logger(),
		tx:          tx,
		sink:        sink,
		conns:       newConnMap(),
		events:      newEventQueue(),
		stats:       newCmStats(),
		now:         time.Now,
		closeSignal: make(chan struct{}),
		localMAC:    mac,
	}
	for _, la := range cfg.LocalAddresses {
		a, err := netip.ParseAddr(la.Addr)
		if err != nil {
			return nil, newCmError(KindArgument, "new core", err)
		}
		c.localAddrs = append(c.localAddrs, a.Unmap())
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pool = NewBufferPool("iwcm-tx", cfg.PoolSize, cfg.BufferLength, cfg.PoolDebug, time.Duration(cfg.ProcessTimeThreshold)*time.Millisecond)
	c.ports = newPortPool(cfg.PortLower, cfg.PortUpper, c.log)
	if c.offload == nil {
		c.offload = NewSoftOffload(tx, c.pool)
	}
	if c.resolver == nil {
		r := NewStaticResolver()
		for _, nb := range cfg.Neighbors {
			a, _ := netip.ParseAddr(nb.Addr)
			hw, _ := net.ParseMAC(nb.MAC)
			r.Add(a.Unmap(), hw)
		}
		c.resolver = r
	}
	if c.filter == nil {
		f, err := filter.New(cfg.FilterBackend, cfg.FilterIdentifier, c.log)
		if err != nil {
			return nil, newCmError(KindResourceExhausted, "new core", err)
		}
		c.filter = f
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.timer = newRetransmitTimer(c.now, cfg.LongTime, c.Tick)
	if !c.manualClock {
		c.timer.start()
	}
	c.events.start()

	c.log.Info().Uint8("mpa_rev", cfg.MpaRevision).Int("mtu", cfg.MTU).Str("filter", cfg.FilterBackend).Msg("connection manager started")
	return c, nil
}

// Receive feeds one inbound Ethernet frame to the state machine. frame is
// only read for the duration of the call.
func (c *CmCore) Receive(frame []byte) error {
	if c.closed.Load() {
		countDrop(dropCoreClosed)
		return newCmError(KindArgument, "receive", ErrCoreClosed)
	}
	p, err := DecodeFrame(frame)
	if err != nil {
		countDrop(dropDecode)
		return err
	}

	key := p.key()
	n := c.conns.find(key)
	if n == nil {
		// only a bare SYN may open a passive connection
		if !p.has(SYNFlag) || p.has(ACKFlag) {
			countDrop(dropNoNode)
			return nil
		}
		l := c.findListener(key.LocalAddr, key.LocalPort, key.VlanID, listenerActive)
		if l == nil {
			countDrop(dropNoListener)
			c.log.Debug().Stringer("dst", netip.AddrPortFrom(key.LocalAddr, key.LocalPort)).Msg("no listener found")
			return nil
		}
		n, err = c.makeNode(key, l, p.DstMAC, p.SrcMAC, p.TOS, p.UserPri, false)
		if err != nil {
			countDrop(dropNodeFailure)
			c.log.Debug().Err(err).Msg("allocate node failed")
			c.decRefListen(l, false)
			return nil
		}
		if p.has(RSTFlag) || p.has(FINFlag) {
			c.remRef(n)
			return nil
		}
		n.mu.Lock()
		n.state = Listening
		n.mu.Unlock()
		n.addRef()
	} else if n.State() == Offloaded {
		countDrop(dropOffloaded)
		c.remRef(n)
		return nil
	}

	n.mu.Lock()
	c.processPacket(n, p)
	n.mu.Unlock()
	c.remRef(n)
	return nil
}

// makeNode creates a node holding one reference and links it into the
// connection table. A passive node takes over the caller's listener reference.
func (c *CmCore) makeNode(key ConnectionKey, l *Listener, locMAC, remMAC net.HardwareAddr, tos, userPri uint8, client bool) (*CmNode, error) {
	ipv4 := key.ipv4()
	if c.cfg.MTU < minMTU(ipv4) {
		return nil, newCmError(KindArgument, "make node", fmt.Errorf("mtu %d: %w", c.cfg.MTU, ErrMtuTooSmall))
	}
	isn, err := GenerateISN()
	if err != nil {
		return nil, newCmError(KindResourceExhausted, "make node", err)
	}

	n := &CmNode{
		id:            uuid.New(),
		key:           key,
		core:          c,
		state:         Inited,
		locMAC:        locMAC,
		remMAC:        remMAC,
		tos:           tos,
		userPri:       userPri,
		mpaRev:        c.cfg.MpaRevision,
		irdSize:       c.cfg.MaxIRD,
		ordSize:       c.cfg.MaxORD,
		sendRdma0Op:   rdma0OpFromConfig(c.cfg.Rdma0Op),
		noIrdOrd:      c.cfg.NoIrdOrdLimit,
		rcvMarkEn:     c.cfg.Markers,
		listener:      l,
		establishComp: make(chan struct{}),
	}
	n.tcp = TcpContext{
		LocSeqNum: isn,
		RcvWscale: c.cfg.RcvWscale,
		RcvWnd:    c.cfg.RcvWnd >> c.cfg.RcvWscale,
		MSS:       mssForMTU(c.cfg.MTU, ipv4),
		Client:    client,
	}
	n.log = c.log.With().
		Str("conn", n.id.String()).
		Stringer("local", netip.AddrPortFrom(key.LocalAddr, key.LocalPort)).
		Stringer("remote", netip.AddrPortFrom(key.RemoteAddr, key.RemotePort)).
		Logger()
	n.handle = &ConnHandle{node: n}
	n.refcnt.Store(1)

	if !c.conns.insert(n) {
		return nil, newCmError(KindArgument, "make node", ErrAddressInUse)
	}
	c.stats.nodesCreated.inc()
	NodesActive.Inc()
	n.log.Debug().Bool("active", client).Uint16("vlan", key.VlanID).Msg("node created")
	return n, nil
}

// remRef drops one node reference and destroys the node at zero.
func (c *CmCore) remRef(n *CmNode) {
	if c.conns.release(n) {
		c.destroyNode(n)
	}
}

func (c *CmCore) destroyNode(n *CmNode) {
	if !n.destroyed.CompareAndSwap(false, true) {
		return
	}
	if !n.accelerated.Load() && n.acceptPend {
		n.log.Debug().Msg("node destroyed before established")
		n.listener.pendAccepts.Add(-1)
		n.acceptPend = false
	}
	n.closeEntry = nil

	if n.listener != nil {
		c.decRefListen(n.listener, false)
	} else if n.connFiltered {
		if err := c.filter.RemoveConnFiltering(n.key.RemoteAddr.String(), int(n.key.RemotePort)); err != nil {
			n.log.Warn().Err(err).Msg("removing connection filter")
		}
		n.connFiltered = false
	}
	if n.portAllocated {
		if err := c.ports.returnPort(int(n.key.LocalPort)); err != nil {
			n.log.Warn().Err(err).Msg("returning local port")
		}
		n.portAllocated = false
	}
	c.freeAddressHandle(n)
	n.qp = nil

	c.stats.nodesDestroyed.inc()
	NodesActive.Dec()
	n.log.Debug().Msg("node destroyed")
}

func (c *CmCore) createAddressHandle(n *CmNode) error {
	if err := c.offload.CreateAddressHandle(c.ctx, n.addressInfo()); err != nil {
		return err
	}
	n.ahCreated = true
	return nil
}

func (c *CmCore) freeAddressHandle(n *CmNode) {
	if !n.ahCreated {
		return
	}
	c.offload.FreeAddressHandle(n.addressInfo())
	n.ahCreated = false
}

// waitReady waits for ch up to the RTS timeout. It reports false on timeout
// or shutdown.
func (c *CmCore) waitReady(n *CmNode, ch <-chan struct{}) bool {
	t := time.NewTimer(c.cfg.RtsTimeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		n.log.Debug().Dur("timeout", c.cfg.RtsTimeout).Msg("wait for readiness timed out")
	case <-c.closeSignal:
	}
	return false
}

// ConnectParams describes an active open. A zero local port picks an
// ephemeral one; VlanID 0 means untagged.
type ConnectParams struct {
	Local       netip.AddrPort
	Remote      netip.AddrPort
	VlanID      uint16
	TOS         uint8
	UserPri     uint8
	PrivateData []byte
	IRD         uint32
	ORD         uint32
	QP          QPBinding
}

// Connect sends a SYN to p.Remote. The outcome arrives as a ConnectReply
// event carrying the returned handle.
func (c *CmCore) Connect(ctx context.Context, p ConnectParams) (*ConnHandle, error) {
	if c.closed.Load() {
		return nil, newCmError(KindArgument, "connect", ErrCoreClosed)
	}
	if len(p.PrivateData) > MaxPrivateData {
		return nil, newCmError(KindArgument, "connect", fmt.Errorf("%d bytes: %w", len(p.PrivateData), ErrPrivateDataOverflow))
	}
	local, remote := p.Local.Addr().Unmap(), p.Remote.Addr().Unmap()
	if !local.IsValid() || !remote.IsValid() || p.Remote.Port() == 0 || local.Is4() != remote.Is4() {
		return nil, newCmError(KindArgument, "connect", ErrInvalidAddress)
	}
	vlanID := normalizeVlan(p.VlanID)

	remMAC, ready, err := c.resolver.ResolveNextHop(ctx, remote, vlanID)
	if err != nil {
		return nil, newCmError(KindResourceExhausted, "connect", err)
	}
	if !ready {
		return nil, newCmError(KindResourceExhausted, "connect", fmt.Errorf("%s: %w", remote, ErrNoNeighbor))
	}

	localPort := p.Local.Port()
	allocated := false
	if localPort == 0 {
		port, err := c.ports.allocatePort()
		if err != nil {
			return nil, newCmError(KindResourceExhausted, "connect", err)
		}
		localPort = uint16(port)
		allocated = true
	}

	key := ConnectionKey{
		LocalAddr:  local,
		RemoteAddr: remote,
		LocalPort:  localPort,
		RemotePort: p.Remote.Port(),
		VlanID:     vlanID,
	}
	n, err := c.makeNode(key, nil, c.localMAC, remMAC, p.TOS, p.UserPri, true)
	if err != nil {
		if allocated {
			c.ports.returnPort(int(localPort))
		}
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.portAllocated = allocated
	n.pdata = slices.Clone(p.PrivateData)
	n.qp = p.QP
	RecordIrdOrd(n, p.IRD, p.ORD, c.cfg.MaxIRD, c.cfg.MaxORD)

	if err := c.filter.AddConnFiltering(remote.String(), int(key.RemotePort)); err != nil {
		n.log.Error().Err(err).Msg("installing connection filter failed")
		c.remRef(n)
		return nil, newCmError(KindResourceExhausted, "connect", err)
	}
	n.connFiltered = true
	if err := c.createAddressHandle(n); err != nil {
		n.log.Error().Err(err).Msg("address handle creation failed")
		c.remRef(n)
		return nil, newCmError(KindResourceExhausted, "connect", err)
	}

	n.state = SynSent
	if err := c.sendSyn(n, false); err != nil {
		n.log.Error().Err(err).Msg("sending syn failed")
		n.state = Closed
		c.remRef(n)
		return nil, newCmError(KindResourceExhausted, "connect", err)
	}
	n.log.Info().Uint8("mpa_rev", n.mpaRev).Uint32("ird", n.irdSize).Uint32("ord", n.ordSize).Msg("connecting")
	return n.handle, nil
}

// AcceptParams is the upper layer's answer to a connect request.
type AcceptParams struct {
	PrivateData []byte
	IRD         uint32
	ORD         uint32
	QP          QPBinding
}

// Accept offloads a connection whose MPA request was delivered. It blocks
// until the queue pair is ready, ctx ends or the RTS timeout passes, then
// delivers Established.
func (c *CmCore) Accept(ctx context.Context, h *ConnHandle, p AcceptParams) error {
	if h == nil || h.closed.Load() {
		return newCmError(KindArgument, "accept", ErrHandleClosed)
	}
	if len(p.PrivateData) > MaxPrivateData {
		return newCmError(KindArgument, "accept", fmt.Errorf("%d bytes: %w", len(p.PrivateData), ErrPrivateDataOverflow))
	}
	n := h.node
	if !n.tryAddRef() {
		return newCmError(KindArgument, "accept", ErrHandleClosed)
	}
	defer c.remRef(n)

	n.mu.Lock()
	if err := c.answerLocked(n, h, "accept"); err != nil {
		n.mu.Unlock()
		return err
	}
	if n.state == ListenerDestroyed {
		n.mu.Unlock()
		h.closed.Store(true)
		c.remRef(n)
		return newCmError(KindArgument, "accept", fmt.Errorf("listener destroyed: %w", ErrInvalidState))
	}
	n.pdata = slices.Clone(p.PrivateData)
	n.qp = p.QP
	limitIrdOrd(n, p.IRD, p.ORD)
	lsmm := BuildMpaFrame(n, true)
	n.state = Offloaded
	info := n.offloadInfo(lsmm)
	n.mu.Unlock()

	ready, err := c.offload.Activate(ctx, info)
	if err != nil {
		n.log.Error().Err(err).Msg("activating queue pair failed")
		n.mu.Lock()
		n.state = Closed
		c.sendReset(n)
		n.mu.Unlock()
		h.closed.Store(true)
		return newCmError(KindResourceExhausted, "accept", err)
	}

	t := time.NewTimer(c.cfg.RtsTimeout)
	select {
	case <-ready:
	case <-ctx.Done():
		n.log.Warn().Err(ctx.Err()).Msg("accept stopped waiting for queue pair")
	case <-t.C:
		n.log.Warn().Dur("timeout", c.cfg.RtsTimeout).Msg("slow connection, queue pair not ready")
	}
	t.Stop()

	c.deliver(c.nodeEvent(n, EventEstablished, nil))
	n.accelerated.Store(true)
	n.markEstablished()

	n.mu.Lock()
	if n.acceptPend {
		n.acceptPend = false
		n.listener.pendAccepts.Add(-1)
	}
	c.freeAddressHandle(n)
	n.mu.Unlock()

	c.stats.accepts.inc()
	n.log.Info().Uint8("mpa_rev", n.mpaRev).Uint32("ird", info.IRD).Uint32("ord", info.ORD).Msg("connection accepted")
	return nil
}

// Reject answers a connect request with an MPA reject carrying pdata. The
// handle is consumed either way.
func (c *CmCore) Reject(h *ConnHandle, pdata []byte) error {
	if h == nil || h.closed.Load() {
		return newCmError(KindArgument, "reject", ErrHandleClosed)
	}
	if len(pdata) > MaxPrivateData {
		return newCmError(KindArgument, "reject", fmt.Errorf("%d bytes: %w", len(pdata), ErrPrivateDataOverflow))
	}
	n := h.node
	if !n.tryAddRef() {
		return newCmError(KindArgument, "reject", ErrHandleClosed)
	}
	defer c.remRef(n)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tcp.Client {
		return nil
	}
	if err := c.answerLocked(n, h, "reject"); err != nil {
		if errors.Is(err, ErrConnectionReset) {
			return nil
		}
		return err
	}
	c.stats.rejects.inc()
	h.closed.Store(true)
	c.cleanupRetransEntry(n)
	if n.state == ListenerDestroyed {
		c.remRef(n)
		return nil
	}

	n.pdata = slices.Clone(pdata)
	if err := c.sendMpaReject(n); err != nil {
		n.log.Warn().Err(err).Msg("sending mpa reject failed, resetting")
		n.state = Closed
		c.sendReset(n)
		return newCmError(KindResourceExhausted, "reject", err)
	}
	n.log.Info().Int("pdata", len(pdata)).Msg("connection rejected")
	return nil
}

// answerLocked admits the one Accept or Reject a connect request gets. When
// the peer reset first the handle is consumed and ErrConnectionReset
// returned. Caller holds n.mu.
func (c *CmCore) answerLocked(n *CmNode, h *ConnHandle, op string) error {
	if n.tcp.Client || (n.state != MpaReqRcvd && n.state != ListenerDestroyed) {
		return newCmError(KindArgument, op, fmt.Errorf("%s: %w", n.state, ErrInvalidState))
	}
	if !h.answered.CompareAndSwap(false, true) {
		return newCmError(KindArgument, op, fmt.Errorf("already answered: %w", ErrInvalidState))
	}
	if n.passiveState.Add(1) == passiveSendReset {
		n.log.Debug().Str("op", op).Msg("connect request answered after peer reset")
		n.state = Closed
		h.closed.Store(true)
		c.remRef(n)
		return newCmError(KindArgument, op, ErrConnectionReset)
	}
	return nil
}

// Close releases the upper layer's reference on a connection. Unfinished
// handshakes are reset. Closing twice returns ErrHandleClosed.
func (c *CmCore) Close(h *ConnHandle) error {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return newCmError(KindArgument, "close", ErrHandleClosed)
	}
	n := h.node
	if !n.tryAddRef() {
		return nil
	}
	n.mu.Lock()
	err := c.closeNode(n)
	n.mu.Unlock()
	c.remRef(n)
	return err
}

// Disconnect is the hardware's notice that an offloaded connection ended,
// gracefully or by reset. The upper layer sees Disconnect or Reset, then Close.
func (c *CmCore) Disconnect(h *ConnHandle, reset bool) error {
	if h == nil {
		return newCmError(KindArgument, "disconnect", ErrHandleClosed)
	}
	n := h.node
	if !n.tryAddRef() {
		return newCmError(KindArgument, "disconnect", ErrHandleClosed)
	}
	c.postDisconnect(n, reset)
	c.remRef(n)
	return nil
}

// Terminate schedules a hardware disconnect for an offloaded connection
// after the close delay.
func (c *CmCore) Terminate(h *ConnHandle) error {
	if h == nil || h.closed.Load() {
		return newCmError(KindArgument, "terminate", ErrHandleClosed)
	}
	n := h.node
	if !n.tryAddRef() {
		return newCmError(KindArgument, "terminate", ErrHandleClosed)
	}
	defer c.remRef(n)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Offloaded {
		return newCmError(KindArgument, "terminate", fmt.Errorf("%s: %w", n.state, ErrNotEstablished))
	}
	if err := c.scheduleTimer(n, nil, timerClose, false, false); err != nil {
		return err
	}
	n.closeEntry.hwDisconnect = true
	return nil
}

// TeardownConnections resets every offloaded connection on addr and vlanID,
// or every one when all is set. It returns how many were torn down.
func (c *CmCore) TeardownConnections(addr netip.Addr, vlanID uint16, all bool) int {
	addr = addr.Unmap()
	nodes := c.conns.collect(func(n *CmNode) bool {
		return n.accelerated.Load() && (all || (n.key.VlanID == vlanID && n.key.LocalAddr == addr))
	})
	for _, n := range nodes {
		c.postDisconnect(n, true)
		c.remRef(n)
	}
	if len(nodes) > 0 {
		c.log.Info().Stringer("addr", addr).Bool("all", all).Int("count", len(nodes)).Msg("tearing down connections")
	}
	return len(nodes)
}

// Stats returns a snapshot of the counters.
func (c *CmCore) Stats() Stats {
	s := c.stats.snapshot()
	s.ActiveNodes = c.conns.len()
	s.Listeners = c.Listeners()
	return s
}

// Shutdown destroys every listener, stops the timer and event worker and
// flushes the flow filters. Connections still in the table are left to the
// garbage collector.
func (c *CmCore) Shutdown() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.listenMu.Lock()
	ls := slices.Clone(c.listeners)
	c.listenMu.Unlock()
	for _, l := range ls {
		if h := l.handle.Load(); h != nil && !h.destroyed.Load() {
			c.DestroyListener(h)
		}
	}

	close(c.closeSignal)
	c.cancel()
	if !c.manualClock {
		c.timer.stop()
	}
	c.events.stop()

	err := c.filter.FinishFiltering()
	c.log.Info().Int("nodes", c.conns.len()).Int64("buffers_outstanding", c.pool.Outstanding()).Msg("connection manager stopped")
	return err
}
