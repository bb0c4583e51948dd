package lib

import (
	"net/netip"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type listenerState uint8

const (
	listenerPassive listenerState = 1 << iota // destroyed by the upper layer, kept for its children
	listenerActive
	listenerEither = listenerPassive | listenerActive
)

// ListenParams describes a listen request. An unspecified address listens
// on every configured local address of the same family. VlanID 0 means
// untagged.
type ListenParams struct {
	Addr    netip.AddrPort
	VlanID  uint16
	Backlog int32
	TOS     uint8
	UserPri uint8
}

// Listener accepts passive opens on one address and port.
type Listener struct {
	id      uuid.UUID
	addr    netip.Addr
	port    uint16
	vlanID  uint16
	tos     uint8
	userPri uint8
	log     zerolog.Logger

	// guarded by CmCore.listenMu
	state    listenerState
	backlog  int32
	filtered []netip.Addr
	reused   bool

	refcnt      atomic.Int32
	pendAccepts atomic.Int32
	handle      atomic.Pointer[ListenerHandle]
}

func (l *Listener) matches(addr netip.Addr, port, vlanID uint16, want listenerState) bool {
	if l.addr.Is4() != addr.Is4() || l.port != port || l.state&want == 0 {
		return false
	}
	return l.addr.IsUnspecified() || (l.addr == addr && l.vlanID == vlanID)
}

// ListenerHandle is the upper layer's reference to a listener.
type ListenerHandle struct {
	listener  *Listener
	destroyed atomic.Bool
}

func (h *ListenerHandle) ID() uuid.UUID { return h.listener.id }

func (h *ListenerHandle) Addr() netip.AddrPort {
	return netip.AddrPortFrom(h.listener.addr, h.listener.port)
}

// PendingAccepts is the number of passive opens not yet accepted or failed.
func (h *ListenerHandle) PendingAccepts() int32 {
	return h.listener.pendAccepts.Load()
}

// findListener returns the first listener matching the destination with a
// reference taken.
func (c *CmCore) findListener(addr netip.Addr, port, vlanID uint16, want listenerState) *Listener {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	for _, l := range c.listeners {
		if l.matches(addr, port, vlanID, want) {
			l.refcnt.Add(1)
			return l
		}
	}
	return nil
}

// CreateListener starts accepting connections on p.Addr. A listener that
// was destroyed while children still referenced it is revived in place.
func (c *CmCore) CreateListener(p ListenParams) (*ListenerHandle, error) {
	if c.closed.Load() {
		return nil, newCmError(KindArgument, "listen", ErrCoreClosed)
	}
	if !p.Addr.IsValid() || p.Addr.Port() == 0 {
		return nil, newCmError(KindArgument, "listen", ErrInvalidAddress)
	}
	vlanID := normalizeVlan(p.VlanID)
	addr := p.Addr.Addr().Unmap()
	port := p.Addr.Port()

	l := c.findListener(addr, port, vlanID, listenerEither)
	c.listenMu.Lock()
	if l != nil && l.state == listenerActive {
		c.listenMu.Unlock()
		c.decRefListen(l, false)
		return nil, newCmError(KindArgument, "listen", ErrAddressInUse)
	}
	if l == nil {
		l = &Listener{
			id:      uuid.New(),
			addr:    addr,
			port:    port,
			vlanID:  vlanID,
			tos:     p.TOS,
			userPri: p.UserPri,
		}
		l.log = c.log.With().Str("listener", l.id.String()).Stringer("addr", p.Addr).Logger()
		l.refcnt.Store(1)
		c.listeners = append(c.listeners, l)
		c.stats.listenNodesCreated.inc()
	} else {
		// the find reference becomes the revived listener's own
		l.reused = true
	}
	l.backlog = p.Backlog
	l.state = listenerActive
	h := &ListenerHandle{listener: l}
	l.handle.Store(h)
	reused := l.reused
	c.listenMu.Unlock()

	if !reused {
		if err := c.addListenFilters(l); err != nil {
			l.log.Error().Err(err).Msg("installing listen filters failed")
			c.listenMu.Lock()
			l.state = listenerPassive
			c.listenMu.Unlock()
			c.decRefListen(l, true)
			return nil, newCmError(KindResourceExhausted, "listen", err)
		}
	}

	c.stats.listenersCreated.inc()
	l.log.Info().Int32("backlog", p.Backlog).Bool("reused", reused).Msg("listening")
	return h, nil
}

func (c *CmCore) listenAddrs(l *Listener) []netip.Addr {
	if !l.addr.IsUnspecified() {
		return []netip.Addr{l.addr}
	}
	var out []netip.Addr
	for _, a := range c.localAddrs {
		if a.Is4() == l.addr.Is4() {
			out = append(out, a)
		}
	}
	return out
}

func (c *CmCore) addListenFilters(l *Listener) error {
	for _, a := range c.listenAddrs(l) {
		if err := c.filter.AddListenFiltering(a.String(), int(l.port)); err != nil {
			c.removeListenFilters(l)
			return err
		}
		l.filtered = append(l.filtered, a)
	}
	return nil
}

func (c *CmCore) removeListenFilters(l *Listener) {
	for _, a := range l.filtered {
		if err := c.filter.RemoveListenFiltering(a.String(), int(l.port)); err != nil {
			l.log.Warn().Err(err).Stringer("local", a).Msg("removing listen filter")
		}
	}
	l.filtered = nil
}

// DestroyListener stops new passive opens and resets every child that has
// not been offloaded yet.
func (c *CmCore) DestroyListener(h *ListenerHandle) error {
	if h == nil || !h.destroyed.CompareAndSwap(false, true) {
		return newCmError(KindArgument, "destroy listener", ErrHandleClosed)
	}
	l := h.listener
	c.listenMu.Lock()
	l.state = listenerPassive
	c.listenMu.Unlock()
	l.log.Info().Msg("destroying listener")
	c.decRefListen(l, true)
	return nil
}

// decRefListen drops a listener reference. With freeHanging every child
// still under software control is reset first.
func (c *CmCore) decRefListen(l *Listener, freeHanging bool) {
	if freeHanging {
		children := c.conns.collect(func(n *CmNode) bool {
			return n.listener == l && !n.accelerated.Load()
		})
		for _, n := range children {
			n.mu.Lock()
			c.resetHangingChild(n)
			n.mu.Unlock()
		}
	}

	if l.refcnt.Add(-1) > 0 {
		return
	}

	c.listenMu.Lock()
	if i := slices.Index(c.listeners, l); i >= 0 {
		c.listeners = slices.Delete(c.listeners, i, i+1)
	}
	c.removeListenFilters(l)
	c.listenMu.Unlock()

	c.stats.listenersDestroyed.inc()
	c.stats.listenNodesDestroyed.inc()
	l.log.Debug().Msg("listener freed")
}

// resetHangingChild consumes the reference collect took. Caller holds n.mu.
func (c *CmCore) resetHangingChild(n *CmNode) {
	if n.state >= FinWait1 {
		c.remRef(n)
		return
	}
	c.cleanupRetransEntry(n)
	if err := c.sendReset(n); err != nil {
		n.state = Closed
		n.log.Debug().Err(err).Msg("reset to hanging child failed")
		return
	}
	old := n.state
	n.state = ListenerDestroyed
	if old != MpaReqRcvd {
		c.remRef(n)
	}
}

// Listeners returns the number of listeners still linked, destroyed ones
// kept alive by their children included.
func (c *CmCore) Listeners() int {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	return len(c.listeners)
}
