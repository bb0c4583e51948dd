package lib

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type NodeState int

// Order matters: every state from FinWait1 on is a closing state.
const (
	Unknown NodeState = iota
	Inited
	Listening
	SynRcvd
	SynSent
	OneSideEstablished
	Established
	Accepting
	MpaReqSent
	MpaReqRcvd
	MpaRejRcvd
	Offloaded
	FinWait1
	FinWait2
	CloseWait
	TimeWait
	LastAck
	Closing
	ListenerDestroyed
	Closed
)

var nodeStateNames = [...]string{
	Unknown:            "UNKNOWN",
	Inited:             "INITED",
	Listening:          "LISTENING",
	SynRcvd:            "SYN_RCVD",
	SynSent:            "SYN_SENT",
	OneSideEstablished: "ONE_SIDE_ESTABLISHED",
	Established:        "ESTABLISHED",
	Accepting:          "ACCEPTING",
	MpaReqSent:         "MPAREQ_SENT",
	MpaReqRcvd:         "MPAREQ_RCVD",
	MpaRejRcvd:         "MPAREJ_RCVD",
	Offloaded:          "OFFLOADED",
	FinWait1:           "FIN_WAIT1",
	FinWait2:           "FIN_WAIT2",
	CloseWait:          "CLOSE_WAIT",
	TimeWait:           "TIME_WAIT",
	LastAck:            "LAST_ACK",
	Closing:            "CLOSING",
	ListenerDestroyed:  "LISTENER_DESTROYED",
	Closed:             "CLOSED",
}

func (s NodeState) String() string {
	if s >= 0 && int(s) < len(nodeStateNames) {
		return nodeStateNames[s]
	}
	return "INVALID"
}

// Passive side race between an inbound reset and the upper layer's answer
// to a connect request. Both sides increment; whoever sees passiveSendReset
// knows the other side got there first.
const (
	passiveIndicated  int32 = 0
	passiveDoNotReset int32 = 1
	passiveSendReset  int32 = 2
)

// ConnectionKey identifies a node in the connection table.
type ConnectionKey struct {
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LocalPort  uint16
	RemotePort uint16
	VlanID     uint16
}

func (k ConnectionKey) ipv4() bool {
	return k.LocalAddr.Is4()
}

// CmNode is one connection under software control.
type CmNode struct {
	id   uuid.UUID
	key  ConnectionKey
	log  zerolog.Logger
	core *CmCore

	mu    sync.Mutex // linearizes state transitions
	state NodeState
	tcp   TcpContext

	locMAC  net.HardwareAddr
	remMAC  net.HardwareAddr
	tos     uint8
	userPri uint8

	mpaRev      uint8
	irdSize     uint32
	ordSize     uint32
	sendRdma0Op Rdma0Op
	noIrdOrd    bool
	pdata       []byte
	sndMarkEn   bool
	rcvMarkEn   bool
	ackRcvd     bool
	mpaV1Retry  bool // already fell back from revision 2

	retransMu  sync.Mutex
	sendEntry  *TimerEntry
	closeEntry *TimerEntry

	refcnt    atomic.Int32
	inTable   bool // guarded by the shard lock
	destroyed atomic.Bool

	listener     *Listener
	handle       *ConnHandle
	qp           QPBinding
	accelerated  atomic.Bool
	acceptPend   bool
	passiveState atomic.Int32
	indicated    atomic.Bool // connect request delivered

	establishOnce sync.Once
	establishComp chan struct{}

	ahCreated     bool
	connFiltered  bool
	portAllocated bool
}

func (n *CmNode) ID() uuid.UUID { return n.id }

// State returns the current state.
func (n *CmNode) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *CmNode) addRef() {
	n.refcnt.Add(1)
}

// tryAddRef takes a reference unless the node is already being torn down.
func (n *CmNode) tryAddRef() bool {
	for {
		c := n.refcnt.Load()
		if c <= 0 {
			return false
		}
		if n.refcnt.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// RefCount is exported for diagnostics.
func (n *CmNode) RefCount() int32 {
	return n.refcnt.Load()
}

func (n *CmNode) addressInfo() AddressInfo {
	return AddressInfo{
		Local:     netip.AddrPortFrom(n.key.LocalAddr, n.key.LocalPort),
		Remote:    netip.AddrPortFrom(n.key.RemoteAddr, n.key.RemotePort),
		VlanID:    n.key.VlanID,
		LocalMAC:  n.locMAC,
		RemoteMAC: n.remMAC,
		TOS:       n.tos,
		UserPri:   n.userPri,
	}
}

func (n *CmNode) markEstablished() {
	n.establishOnce.Do(func() { close(n.establishComp) })
}

// offloadInfo snapshots the context hardware needs. Caller holds n.mu.
func (n *CmNode) offloadInfo(lsmm []byte) OffloadInfo {
	return OffloadInfo{
		ID:          n.id,
		Addr:        n.addressInfo(),
		QP:          n.qp,
		SndNxt:      n.tcp.LocSeqNum,
		RcvNxt:      n.tcp.RcvNxt,
		SndWnd:      n.tcp.SndWnd,
		MaxSndWnd:   n.tcp.MaxSndWnd,
		RcvWnd:      n.tcp.RcvWnd,
		SndWscale:   n.tcp.SndWscale,
		RcvWscale:   n.tcp.RcvWscale,
		MSS:         n.tcp.MSS,
		Cwnd:        2 * uint32(n.tcp.MSS),
		MpaRevision: n.mpaRev,
		IRD:         n.irdSize,
		ORD:         n.ordSize,
		Rdma0Op:     n.sendRdma0Op,
		SndMarkers:  n.sndMarkEn,
		RcvMarkers:  n.rcvMarkEn,
		Active:      n.tcp.Client,
		LSMM:        lsmm,
	}
}

// ConnHandle is the upper layer's reference to a connection. Closing it
// releases that reference exactly once.
type ConnHandle struct {
	node     *CmNode
	closed   atomic.Bool
	answered atomic.Bool // passive only: Accept or Reject was called
}

func (h *ConnHandle) ID() uuid.UUID { return h.node.id }

func (h *ConnHandle) LocalAddr() netip.AddrPort {
	return netip.AddrPortFrom(h.node.key.LocalAddr, h.node.key.LocalPort)
}

func (h *ConnHandle) RemoteAddr() netip.AddrPort {
	return netip.AddrPortFrom(h.node.key.RemoteAddr, h.node.key.RemotePort)
}

// State is the state of the underlying node.
func (h *ConnHandle) State() NodeState {
	return h.node.State()
}

// Established is closed once the upper layer has been told the connection is up.
func (h *ConnHandle) Established() <-chan struct{} {
	return h.node.establishComp
}
