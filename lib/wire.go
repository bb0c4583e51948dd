package lib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FrameReceiver consumes inbound Ethernet frames; CmCore is one.
type FrameReceiver interface {
	Receive(frame []byte) error
}

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// LoopbackWire is an in-process Ethernet segment. Frames are queued and
// handed to the receiver owning the destination MAC by Pump or Run, never
// on the sending goroutine.
type LoopbackWire struct {
	mu     sync.Mutex
	ports  []*LoopbackPort
	queue  []loopFrame
	notify chan struct{}

	// DropFunc, when set, drops every frame it returns true for.
	DropFunc func(frame []byte) bool
}

type loopFrame struct {
	from  *LoopbackPort
	frame []byte
}

func NewLoopbackWire() *LoopbackWire {
	return &LoopbackWire{notify: make(chan struct{}, 1)}
}

// LoopbackPort is one station on a LoopbackWire. It is the Transmitter of
// the core bound to it.
type LoopbackPort struct {
	wire *LoopbackWire
	mac  net.HardwareAddr
	rcv  FrameReceiver
	sent [][]byte
}

// Port attaches a station with the given MAC.
func (w *LoopbackWire) Port(mac net.HardwareAddr) *LoopbackPort {
	p := &LoopbackPort{wire: w, mac: mac}
	w.mu.Lock()
	w.ports = append(w.ports, p)
	w.mu.Unlock()
	return p
}

// Bind sets the receiver for frames addressed to this port.
func (p *LoopbackPort) Bind(r FrameReceiver) {
	p.wire.mu.Lock()
	p.rcv = r
	p.wire.mu.Unlock()
}

func (p *LoopbackPort) Send(buf *TxBuffer) error {
	frame := bytes.Clone(buf.Bytes())
	buf.Release()

	w := p.wire
	w.mu.Lock()
	p.sent = append(p.sent, frame)
	w.queue = append(w.queue, loopFrame{from: p, frame: frame})
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns copies of every frame this port transmitted, dropped ones included.
func (p *LoopbackPort) Sent() [][]byte {
	p.wire.mu.Lock()
	defer p.wire.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

// Pump delivers queued frames, including those sent while delivering,
// until the queue is empty. It returns the number delivered.
func (w *LoopbackWire) Pump() int {
	delivered := 0
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return delivered
		}
		f := w.queue[0]
		w.queue = w.queue[1:]
		drop := w.DropFunc
		targets := w.targetsLocked(f)
		w.mu.Unlock()

		if drop != nil && drop(f.frame) {
			continue
		}
		for _, r := range targets {
			r.Receive(f.frame)
			delivered++
		}
	}
}

func (w *LoopbackWire) targetsLocked(f loopFrame) []FrameReceiver {
	if len(f.frame) < 6 {
		return nil
	}
	dst := net.HardwareAddr(f.frame[:6])
	var out []FrameReceiver
	for _, p := range w.ports {
		if p == f.from || p.rcv == nil {
			continue
		}
		if bytes.Equal(dst, broadcastMAC) || bytes.Equal(dst, p.mac) {
			out = append(out, p.rcv)
		}
	}
	return out
}

// Run pumps frames as they are sent until ctx ends.
func (w *LoopbackWire) Run(ctx context.Context) error {
	for {
		w.Pump()
		select {
		case <-ctx.Done():
			return nil
		case <-w.notify:
		}
	}
}

// UDPWire carries Ethernet frames in UDP datagrams to one peer, so two
// processes can run the handshake against each other.
type UDPWire struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	log  zerolog.Logger
}

func ListenUDPWire(local, peer string, log zerolog.Logger) (*UDPWire, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolving local address %s: %w", local, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("resolving peer address %s: %w", peer, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", local, err)
	}
	return &UDPWire{
		conn: conn,
		peer: raddr,
		log:  log.With().Str("wire", "udp").Stringer("local", conn.LocalAddr()).Stringer("peer", raddr).Logger(),
	}, nil
}

func (w *UDPWire) Send(buf *TxBuffer) error {
	defer buf.Release()
	_, err := w.conn.WriteToUDP(buf.Bytes(), w.peer)
	return err
}

func (w *UDPWire) LocalAddr() net.Addr { return w.conn.LocalAddr() }

// Close releases the socket of a wire that was never run.
func (w *UDPWire) Close() error { return w.conn.Close() }

// Run feeds received frames to r until ctx ends or the socket fails.
func (w *UDPWire) Run(ctx context.Context, r FrameReceiver) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return w.conn.Close()
	})
	g.Go(func() error {
		buf := make([]byte, 65535)
		for {
			n, from, err := w.conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("reading frame: %w", err)
			}
			if err := r.Receive(buf[:n]); err != nil {
				w.log.Debug().Err(err).Stringer("from", from).Msg("frame rejected")
			}
		}
	})
	return g.Wait()
}
