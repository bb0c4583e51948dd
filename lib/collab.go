package lib

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// Transmitter puts a frame on the wire. It owns one reference of buf and
// must release it whether or not the send succeeds.
type Transmitter interface {
	Send(buf *TxBuffer) error
}

// NeighborResolver maps a next hop to a link address. ready is false while
// resolution is still in progress.
type NeighborResolver interface {
	ResolveNextHop(ctx context.Context, addr netip.Addr, vlanID uint16) (mac net.HardwareAddr, ready bool, err error)
}

// QPBinding is the queue pair an upper layer binds to a connection.
type QPBinding interface {
	QPNumber() uint32
}

// QPNum is a bare queue pair number.
type QPNum uint32

func (q QPNum) QPNumber() uint32 { return uint32(q) }

// AddressInfo describes both ends of a connection at the link level.
type AddressInfo struct {
	Local     netip.AddrPort
	Remote    netip.AddrPort
	VlanID    uint16
	LocalMAC  net.HardwareAddr
	RemoteMAC net.HardwareAddr
	TOS       uint8
	UserPri   uint8
}

// OffloadInfo is the TCP and RDMA context handed to hardware when a
// connection leaves software control.
type OffloadInfo struct {
	ID   uuid.UUID
	Addr AddressInfo
	QP   QPBinding

	SndNxt    uint32
	RcvNxt    uint32
	SndWnd    uint32
	MaxSndWnd uint32
	RcvWnd    uint32
	SndWscale uint8
	RcvWscale uint8
	MSS       uint16
	Cwnd      uint32

	MpaRevision uint8
	IRD         uint32
	ORD         uint32
	Rdma0Op     Rdma0Op
	SndMarkers  bool
	RcvMarkers  bool

	Active bool   // initiator side
	LSMM   []byte // MPA reply and private data the passive side still owes its peer
}

// Offload programs address handles and queue pair contexts.
type Offload interface {
	CreateAddressHandle(ctx context.Context, info AddressInfo) error
	FreeAddressHandle(info AddressInfo)
	// Activate moves the connection into hardware. The returned channel is
	// closed once the queue pair is ready to send.
	Activate(ctx context.Context, info OffloadInfo) (<-chan struct{}, error)
}

// EventSink receives upper layer events from the event worker, one at a time.
type EventSink interface {
	Deliver(ev Event)
}

type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Deliver(ev Event) { f(ev) }

// StaticResolver resolves next hops from a fixed table.
type StaticResolver struct {
	mu               sync.RWMutex
	entries          map[netip.Addr]net.HardwareAddr
	BroadcastUnknown bool // resolve unknown hops to ff:ff:ff:ff:ff:ff
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{entries: make(map[netip.Addr]net.HardwareAddr)}
}

func (r *StaticResolver) Add(addr netip.Addr, mac net.HardwareAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[addr] = mac
}

func (r *StaticResolver) ResolveNextHop(ctx context.Context, addr netip.Addr, vlanID uint16) (net.HardwareAddr, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.RLock()
	mac, ok := r.entries[addr]
	r.mu.RUnlock()
	if ok {
		return mac, true, nil
	}
	if r.BroadcastUnknown {
		return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, true, nil
	}
	return nil, false, nil
}

// SoftOffload stands in for hardware: it counts address handles and, on the
// passive side, transmits the pending MPA reply as a plain data segment.
type SoftOffload struct {
	tx   Transmitter
	pool *BufferPool

	mu          sync.Mutex
	handles     map[netip.AddrPort]int
	activations []OffloadInfo
	nextIPID    uint16
}

func NewSoftOffload(tx Transmitter, pool *BufferPool) *SoftOffload {
	return &SoftOffload{
		tx:      tx,
		pool:    pool,
		handles: make(map[netip.AddrPort]int),
	}
}

func (o *SoftOffload) CreateAddressHandle(ctx context.Context, info AddressInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles[info.Remote]++
	return nil
}

func (o *SoftOffload) FreeAddressHandle(info AddressInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handles[info.Remote] <= 1 {
		delete(o.handles, info.Remote)
		return
	}
	o.handles[info.Remote]--
}

// AddressHandles reports the number of live address handles.
func (o *SoftOffload) AddressHandles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.handles {
		n += c
	}
	return n
}

func (o *SoftOffload) Activate(ctx context.Context, info OffloadInfo) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.activations = append(o.activations, info)
	o.nextIPID++
	ipID := o.nextIPID
	o.mu.Unlock()

	if !info.Active && len(info.LSMM) > 0 {
		seg := &segment{
			addr:    info.Addr,
			ipID:    ipID,
			seq:     info.SndNxt,
			ack:     info.RcvNxt,
			flags:   ACKFlag | PSHFlag,
			window:  uint16(info.RcvWnd),
			payload: info.LSMM,
		}
		frame, err := encodeSegment(seg)
		if err != nil {
			return nil, err
		}
		buf, err := o.pool.Get(frame)
		if err != nil {
			return nil, err
		}
		if err := o.tx.Send(buf); err != nil {
			return nil, err
		}
	}

	ready := make(chan struct{})
	close(ready)
	return ready, nil
}

// Activations returns the contexts activated so far.
func (o *SoftOffload) Activations() []OffloadInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]OffloadInfo(nil), o.activations...)
}
