//go:build windows

package filter

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	divert "github.com/imgk/divert-go"
	"github.com/rs/zerolog"
)

// divertBackend diverts every outbound RST through WinDivert and drops the
// ones matching a rule, reinjecting the rest.
type divertBackend struct {
	mu       sync.Mutex
	handle   *divert.Handle
	stopChan chan struct{}
	done     chan struct{}
	server   map[netip.AddrPort]bool
	client   map[netip.AddrPort]bool
	log      zerolog.Logger
}

func newSystemBackend(identifier string, log zerolog.Logger) (backend, error) {
	return &divertBackend{
		server: make(map[netip.AddrPort]bool),
		client: make(map[netip.AddrPort]bool),
		log:    log.With().Str("identifier", identifier).Logger(),
	}, nil
}

func ruleAddr(addr string, port int) (netip.AddrPort, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(port)), nil
}

// ensureRunning opens the divert handle on first use. Caller holds b.mu.
func (b *divertBackend) ensureRunning() error {
	if b.handle != nil {
		return nil
	}
	h, err := divert.Open("outbound and tcp.Rst", divert.LayerNetwork, 0, 0)
	if err != nil {
		return fmt.Errorf("opening WinDivert handle: %w", err)
	}
	b.handle = h
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.runFilteringLoop(h, b.stopChan, b.done)
	return nil
}

func (b *divertBackend) set(rules map[netip.AddrPort]bool, addr string, port int, on bool) error {
	k, err := ruleAddr(addr, port)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if on {
		if err := b.ensureRunning(); err != nil {
			return err
		}
		rules[k] = true
		return nil
	}
	delete(rules, k)
	return nil
}

func (b *divertBackend) addServerRule(srcAddr string, srcPort int) error {
	return b.set(b.server, srcAddr, srcPort, true)
}

func (b *divertBackend) removeServerRule(srcAddr string, srcPort int) error {
	return b.set(b.server, srcAddr, srcPort, false)
}

func (b *divertBackend) addClientRule(dstAddr string, dstPort int) error {
	return b.set(b.client, dstAddr, dstPort, true)
}

func (b *divertBackend) removeClientRule(dstAddr string, dstPort int) error {
	return b.set(b.client, dstAddr, dstPort, false)
}

func (b *divertBackend) flush() error {
	b.mu.Lock()
	clear(b.server)
	clear(b.client)
	h, stop, done := b.handle, b.stopChan, b.done
	b.handle = nil
	b.mu.Unlock()

	if h == nil {
		return nil
	}
	close(stop)
	// Recv blocks until a packet arrives; closing the handle wakes it
	err := h.Close()
	<-done
	return err
}

// shouldDrop reports whether an outbound RST matches a rule.
func (b *divertBackend) shouldDrop(packet gopacket.Packet) bool {
	var src, dst netip.Addr
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		return false
	}
	tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.server[netip.AddrPortFrom(src, uint16(tcp.SrcPort))] ||
		b.client[netip.AddrPortFrom(dst, uint16(tcp.DstPort))]
}

func (b *divertBackend) runFilteringLoop(h *divert.Handle, stop, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 1500)
	addr := divert.Address{}
	for {
		n, err := h.Recv(buf, &addr)
		select {
		case <-stop:
			b.log.Debug().Msg("stopping filter loop")
			return
		default:
		}
		if err != nil {
			b.log.Warn().Err(err).Msg("failed to receive packet")
			continue
		}

		first := layers.LayerTypeIPv4
		if n > 0 && buf[0]>>4 == 6 {
			first = layers.LayerTypeIPv6
		}
		packet := gopacket.NewPacket(buf[:n], first, gopacket.Default)
		if b.shouldDrop(packet) {
			b.log.Trace().Msg("dropping RST packet")
			continue
		}
		if _, err := h.Send(buf[:n], &addr); err != nil {
			b.log.Warn().Err(err).Msg("failed to reinject packet")
		}
	}
}
