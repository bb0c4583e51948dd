package lib

// TcpContext is the software TCP state a node keeps until it is offloaded.
type TcpContext struct {
	LocSeqNum uint32 // next sequence number to send
	LocAckNum uint32 // last ack number sent
	RemAckNum uint32 // last ack number received
	RcvNxt    uint32 // next sequence number expected from the peer
	LocID     uint16 // IPv4 identification of the last frame sent

	SndWnd    uint32
	MaxSndWnd uint32
	RcvWnd    uint32 // advertised window field, already scaled down
	SndWscale uint8
	RcvWscale uint8
	MSS       uint16

	Client bool // active side
}

// mssForMTU derives the MSS a link MTU allows.
func mssForMTU(mtu int, ipv4 bool) uint16 {
	if ipv4 {
		return uint16(mtu - MTUToMSSIPv4)
	}
	return uint16(mtu - MTUToMSSIPv6)
}

func minMTU(ipv4 bool) int {
	if ipv4 {
		return MinMTUIPv4
	}
	return MinMTUIPv6
}

// applyOptions folds parsed options into the context. A peer MSS that would
// imply an MTU below the protocol minimum is rejected.
func (t *TcpContext) applyOptions(po ParsedOptions, syn, ipv4 bool, defaultMSS uint16) error {
	if po.MSSPresent {
		if int(po.MSS)+mtuToMSS(ipv4) < minMTU(ipv4) {
			return newCmError(KindProtocolViolation, "tcp options", ErrMtuTooSmall)
		}
		if po.MSS < t.MSS {
			t.MSS = po.MSS
		}
	} else if syn {
		t.MSS = defaultMSS
	}
	if po.WindowScalePresent {
		t.SndWscale = po.WindowScale
	}
	return nil
}

func mtuToMSS(ipv4 bool) int {
	if ipv4 {
		return MTUToMSSIPv4
	}
	return MTUToMSSIPv6
}

// updateSndWnd records the peer's advertised window.
func (t *TcpContext) updateSndWnd(window uint16) {
	t.SndWnd = uint32(window) << t.SndWscale
	if t.SndWnd > t.MaxSndWnd {
		t.MaxSndWnd = t.SndWnd
	}
}
