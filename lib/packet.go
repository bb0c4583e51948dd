package lib

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// segment is everything needed to put one CM TCP segment on the wire.
type segment struct {
	addr    AddressInfo
	ipID    uint16
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	options []layers.TCPOption
	payload []byte
}

// encodeSegment serializes Ethernet, an optional 802.1Q tag, IPv4 or IPv6
// and TCP with checksums filled in.
func encodeSegment(s *segment) ([]byte, error) {
	local, remote := s.addr.Local.Addr(), s.addr.Remote.Addr()
	if !local.IsValid() || !remote.IsValid() || local.Is4() != remote.Is4() {
		return nil, fmt.Errorf("encodeSegment: mismatched addresses %s -> %s", local, remote)
	}

	ipType := layers.EthernetTypeIPv4
	if !local.Is4() {
		ipType = layers.EthernetTypeIPv6
	}

	eth := &layers.Ethernet{
		SrcMAC:       s.addr.LocalMAC,
		DstMAC:       s.addr.RemoteMAC,
		EthernetType: ipType,
	}
	stack := []gopacket.SerializableLayer{eth}
	if s.addr.VlanID < VlanIDLimit {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{
			Priority:       s.addr.UserPri,
			VLANIdentifier: s.addr.VlanID,
			Type:           ipType,
		})
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.addr.Local.Port()),
		DstPort: layers.TCPPort(s.addr.Remote.Port()),
		Seq:     s.seq,
		Ack:     s.ack,
		Window:  s.window,
		Options: s.options,
		FIN:     s.flags&FINFlag != 0,
		SYN:     s.flags&SYNFlag != 0,
		RST:     s.flags&RSTFlag != 0,
		PSH:     s.flags&PSHFlag != 0,
		ACK:     s.flags&ACKFlag != 0,
		URG:     s.flags&URGFlag != 0,
	}

	if local.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TOS:      s.addr.TOS,
			Id:       s.ipID,
			Flags:    layers.IPv4DontFragment,
			TTL:      IPv4TTL,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(local.AsSlice()),
			DstIP:    net.IP(remote.AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		stack = append(stack, ip)
	} else {
		ip := &layers.IPv6{
			Version:      6,
			TrafficClass: s.addr.TOS,
			HopLimit:     IPv6HopLimit,
			NextHeader:   layers.IPProtocolTCP,
			SrcIP:        net.IP(local.AsSlice()),
			DstIP:        net.IP(remote.AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		stack = append(stack, ip)
	}
	stack = append(stack, tcp, gopacket.Payload(s.payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("encodeSegment: %w", err)
	}
	return buf.Bytes(), nil
}

// InboundPacket is a decoded CM segment.
type InboundPacket struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	VlanID  uint16
	UserPri uint8
	TOS     uint8
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Options []byte // raw option bytes
	Payload []byte
}

func (p *InboundPacket) has(flag uint8) bool {
	return p.Flags&flag != 0
}

// normalizeVlan maps priority-only tags (id 0) and out of range ids to VlanNone.
func normalizeVlan(id uint16) uint16 {
	if id == 0 || id >= VlanIDLimit {
		return VlanNone
	}
	return id
}

// key is the connection key seen from the receiving side.
func (p *InboundPacket) key() ConnectionKey {
	return ConnectionKey{
		LocalAddr:  p.Dst.Addr(),
		RemoteAddr: p.Src.Addr(),
		LocalPort:  p.Dst.Port(),
		RemotePort: p.Src.Port(),
		VlanID:     p.VlanID,
	}
}

// DecodeFrame parses an Ethernet frame carrying a TCP segment.
func DecodeFrame(frame []byte) (*InboundPacket, error) {
	var (
		eth   layers.Ethernet
		dot1q layers.Dot1Q
		ip4   layers.IPv4
		ip6   layers.IPv6
		tcp   layers.TCP
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &dot1q, &ip4, &ip6, &tcp)
	parser.IgnoreUnsupported = true

	decoded := make([]gopacket.LayerType, 0, 4)
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		return nil, fmt.Errorf("DecodeFrame: %w", err)
	}

	p := &InboundPacket{VlanID: VlanNone}
	var haveIP, haveTCP bool
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			p.SrcMAC = eth.SrcMAC
			p.DstMAC = eth.DstMAC
		case layers.LayerTypeDot1Q:
			p.VlanID = normalizeVlan(dot1q.VLANIdentifier)
			p.UserPri = dot1q.Priority
		case layers.LayerTypeIPv4:
			src, _ := netip.AddrFromSlice(ip4.SrcIP.To4())
			dst, _ := netip.AddrFromSlice(ip4.DstIP.To4())
			p.Src, p.Dst = netip.AddrPortFrom(src, 0), netip.AddrPortFrom(dst, 0)
			p.TOS = ip4.TOS
			haveIP = true
		case layers.LayerTypeIPv6:
			src, _ := netip.AddrFromSlice(ip6.SrcIP.To16())
			dst, _ := netip.AddrFromSlice(ip6.DstIP.To16())
			p.Src, p.Dst = netip.AddrPortFrom(src, 0), netip.AddrPortFrom(dst, 0)
			p.TOS = ip6.TrafficClass
			haveIP = true
		case layers.LayerTypeTCP:
			haveTCP = true
		}
	}
	if !haveIP || !haveTCP {
		return nil, fmt.Errorf("DecodeFrame: not a TCP/IP frame (layers %v)", decoded)
	}

	p.Src = netip.AddrPortFrom(p.Src.Addr(), uint16(tcp.SrcPort))
	p.Dst = netip.AddrPortFrom(p.Dst.Addr(), uint16(tcp.DstPort))
	p.Seq = tcp.Seq
	p.Ack = tcp.Ack
	p.Window = tcp.Window
	p.Flags = tcpFlags(&tcp)
	if len(tcp.Contents) > TcpHeaderLength {
		p.Options = tcp.Contents[TcpHeaderLength:]
	}
	p.Payload = tcp.Payload
	return p, nil
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= FINFlag
	}
	if tcp.SYN {
		f |= SYNFlag
	}
	if tcp.RST {
		f |= RSTFlag
	}
	if tcp.PSH {
		f |= PSHFlag
	}
	if tcp.ACK {
		f |= ACKFlag
	}
	if tcp.URG {
		f |= URGFlag
	}
	return f
}

// ParsedOptions holds the TCP options the CM acts on.
type ParsedOptions struct {
	MSS                uint16
	MSSPresent         bool
	WindowScale        uint8
	WindowScalePresent bool
}

// ParseOptions walks raw TCP option bytes. EOL stops the walk and NOP is
// skipped. An MSS option whose length is not 4 is an error, as is any option
// whose length byte is missing or overruns the option area.
func ParseOptions(raw []byte) (ParsedOptions, error) {
	var po ParsedOptions
	for off := 0; off < len(raw); {
		kind := raw[off]
		switch kind {
		case OptionEOL:
			return po, nil
		case OptionNOP:
			off++
			continue
		}
		if off+1 >= len(raw) {
			return po, fmt.Errorf("option %d at offset %d has no length: %w", kind, off, ErrBadTcpOption)
		}
		length := int(raw[off+1])
		if length < 2 || off+length > len(raw) {
			return po, fmt.Errorf("option %d at offset %d has bad length %d: %w", kind, off, length, ErrBadTcpOption)
		}
		switch kind {
		case OptionMSS:
			if length != 4 {
				return po, fmt.Errorf("mss option length %d: %w", length, ErrBadTcpOption)
			}
			po.MSS = binary.BigEndian.Uint16(raw[off+2 : off+4])
			po.MSSPresent = true
		case OptionWindowScale:
			if length != 3 {
				return po, fmt.Errorf("window scale option length %d: %w", length, ErrBadTcpOption)
			}
			po.WindowScale = raw[off+2]
			po.WindowScalePresent = true
		}
		off += length
	}
	return po, nil
}

// SynOptions returns MSS, window scale and end-of-list, the option block
// carried on every SYN the CM sends.
func SynOptions(mss uint16, wscale uint8) []layers.TCPOption {
	mssData := make([]byte, 2)
	binary.BigEndian.PutUint16(mssData, mss)
	return []layers.TCPOption{
		{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: mssData},
		{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{wscale}},
		{OptionType: layers.TCPOptionKindEndList, OptionLength: 1},
	}
}
