package lib

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Clouded-Sabre/iwarp-cm/config"
)

// Rdma0Op is the zero-length operation the initiator issues to move the
// responder out of its MPA state.
type Rdma0Op uint8

const (
	Rdma0ReadZero Rdma0Op = iota + 1
	Rdma0WriteZero
)

func (op Rdma0Op) String() string {
	switch op {
	case Rdma0ReadZero:
		return "read0"
	case Rdma0WriteZero:
		return "write0"
	}
	return "none"
}

func rdma0OpFromConfig(s string) Rdma0Op {
	if s == config.Rdma0OpWrite {
		return Rdma0WriteZero
	}
	return Rdma0ReadZero
}

// MpaResult is what a parsed MPA frame means for the node.
type MpaResult struct {
	Reject  bool
	Markers bool
}

func mpaKeyFor(reply bool) string {
	if reply {
		return MpaKeyReply
	}
	return MpaKeyRequest
}

// BuildMpaFrame returns the MPA header for the node's revision followed by
// its private data. reply selects the reply key over the request key.
func BuildMpaFrame(n *CmNode, reply bool) []byte {
	hdrLen := MpaV1HeaderLen
	if n.mpaRev == config.MpaRevision2 {
		hdrLen = MpaV2HeaderLen
	}
	frame := make([]byte, hdrLen+len(n.pdata))
	copy(frame[:MpaKeySize], mpaKeyFor(reply))

	flags := byte(MpaFlagCRC)
	if n.rcvMarkEn {
		flags |= MpaFlagMarkers
	}
	privLen := len(n.pdata)
	if n.mpaRev == config.MpaRevision2 {
		flags |= MpaFlagV2
		privLen += MpaRtrLen
		ird, ord := buildRtr(n, reply)
		binary.BigEndian.PutUint16(frame[MpaV1HeaderLen:], ird)
		binary.BigEndian.PutUint16(frame[MpaV1HeaderLen+2:], ord)
	}
	frame[16] = flags
	frame[17] = n.mpaRev
	binary.BigEndian.PutUint16(frame[18:20], uint16(privLen))
	copy(frame[hdrLen:], n.pdata)
	return frame
}

func buildRtr(n *CmNode, reply bool) (uint16, uint16) {
	var ird, ord uint16
	if n.noIrdOrd {
		ird, ord = RtrNoIrdOrd, RtrNoIrdOrd
	} else {
		ird = uint16(min(n.irdSize, RtrNoIrdOrd))
		ord = uint16(min(n.ordSize, RtrNoIrdOrd))
	}
	ird |= RtrPeerToPeer

	if !reply {
		ord |= RtrRdma0Write | RtrRdma0Read
		return ird, ord
	}
	switch n.sendRdma0Op {
	case Rdma0WriteZero:
		ord |= RtrRdma0Write
	case Rdma0ReadZero:
		ord |= RtrRdma0Read
	}
	return ird, ord
}

// ParseMpa validates an inbound MPA frame against the node, lowers the
// node's revision to the peer's, runs IRD/ORD negotiation for revision 2 and
// copies the private data into the node.
func ParseMpa(n *CmNode, buf []byte) (MpaResult, error) {
	var res MpaResult
	if len(buf) < MpaV1HeaderLen {
		return res, newCmError(KindProtocolViolation, "parse mpa", fmt.Errorf("%d bytes: %w", len(buf), ErrMpaTooShort))
	}

	flags := buf[16]
	rev := buf[17]
	privLen := int(binary.BigEndian.Uint16(buf[18:20]))

	limit := MaxPrivateData
	if rev == config.MpaRevision2 {
		limit += MpaRtrLen
	}
	if privLen > limit {
		return res, newCmError(KindProtocolViolation, "parse mpa", fmt.Errorf("%d bytes: %w", privLen, ErrPrivateDataOverflow))
	}
	if rev != config.MpaRevision1 && rev != config.MpaRevision2 {
		return res, newCmError(KindProtocolViolation, "parse mpa", fmt.Errorf("revision %d: %w", rev, ErrBadMpaRevision))
	}
	if rev > n.mpaRev {
		return res, newCmError(KindProtocolViolation, "parse mpa", fmt.Errorf("revision %d above offered %d: %w", rev, n.mpaRev, ErrBadMpaRevision))
	}
	n.mpaRev = rev

	wantReply := n.state == MpaReqSent
	if !bytes.Equal(buf[:MpaKeySize], []byte(mpaKeyFor(wantReply))) {
		return res, newCmError(KindProtocolViolation, "parse mpa", ErrBadMpaKey)
	}
	if privLen+MpaV1HeaderLen > len(buf) {
		return res, newCmError(KindProtocolViolation, "parse mpa", fmt.Errorf("private data %d exceeds frame %d: %w", privLen, len(buf), ErrMpaBufferOverflow))
	}
	if len(buf) > MaxCmBuf {
		return res, newCmError(KindProtocolViolation, "parse mpa", fmt.Errorf("frame of %d bytes: %w", len(buf), ErrMpaBufferOverflow))
	}

	pdata := buf[MpaV1HeaderLen : MpaV1HeaderLen+privLen]
	if rev == config.MpaRevision2 {
		if privLen < MpaRtrLen {
			return res, newCmError(KindProtocolViolation, "parse mpa", fmt.Errorf("rtr message missing: %w", ErrMpaTooShort))
		}
		ctrlIrd := binary.BigEndian.Uint16(pdata[0:2])
		ctrlOrd := binary.BigEndian.Uint16(pdata[2:4])
		if err := NegotiateIrdOrd(n, ctrlIrd, ctrlOrd); err != nil {
			return res, err
		}
		pdata = pdata[MpaRtrLen:]
	}

	n.pdata = append(n.pdata[:0], pdata...)
	res.Reject = flags&MpaFlagReject != 0
	if flags&MpaFlagMarkers != 0 {
		n.sndMarkEn = true
		res.Markers = true
	}
	return res, nil
}

// NegotiateIrdOrd applies the peer's RTR message. The responder and the
// initiator clamp differently.
func NegotiateIrdOrd(n *CmNode, ctrlIrd, ctrlOrd uint16) error {
	irdSize := uint32(ctrlIrd & RtrIrdOrdMask)
	ordSize := uint32(ctrlOrd & RtrIrdOrdMask)

	if ctrlIrd&RtrPeerToPeer == 0 {
		return newCmError(KindNegotiationFailed, "negotiate ird/ord", ErrNoPeerToPeer)
	}

	if irdSize == RtrNoIrdOrd || ordSize == RtrNoIrdOrd {
		n.noIrdOrd = true
	} else if n.state != MpaReqSent {
		// responder
		if ordSize == 0 && ctrlOrd&RtrRdma0Read != 0 {
			n.irdSize = 1
		}
		if n.ordSize > irdSize {
			n.ordSize = irdSize
		}
	} else {
		// initiator
		if irdSize == 0 && ctrlOrd&RtrRdma0Read != 0 {
			return newCmError(KindNegotiationFailed, "negotiate ird/ord", fmt.Errorf("peer cannot serve read0: %w", ErrRdma0Unsupported))
		}
		if n.ordSize > irdSize {
			n.ordSize = irdSize
		}
		if n.irdSize < ordSize {
			return newCmError(KindNegotiationFailed, "negotiate ird/ord", fmt.Errorf("local ird %d below peer ord %d: %w", n.irdSize, ordSize, ErrIrdOrd))
		}
	}

	switch {
	case ctrlOrd&RtrRdma0Read != 0:
		n.sendRdma0Op = Rdma0ReadZero
	case ctrlOrd&RtrRdma0Write != 0:
		n.sendRdma0Op = Rdma0WriteZero
	default:
		return newCmError(KindNegotiationFailed, "negotiate ird/ord", ErrRdma0Unsupported)
	}
	return nil
}

// RecordIrdOrd stores the sizes requested by the upper layer, clamped to the
// device limits. A zero ORD with read0 still needs one outstanding read.
func RecordIrdOrd(n *CmNode, ird, ord, maxIrd, maxOrd uint32) {
	if ird > maxIrd {
		ird = maxIrd
	}
	if ord > maxOrd {
		ord = maxOrd
	} else if ord == 0 && n.sendRdma0Op == Rdma0ReadZero {
		ord = 1
	}
	n.irdSize = ird
	n.ordSize = ord
}

// limitIrdOrd lowers the negotiated sizes to what the accepting upper layer
// asks for. Zero keeps the negotiated value, and nothing is raised.
func limitIrdOrd(n *CmNode, ird, ord uint32) {
	if n.noIrdOrd {
		return
	}
	if ird != 0 && ird < n.irdSize {
		n.irdSize = ird
	}
	if ord != 0 && ord < n.ordSize {
		n.ordSize = ord
	}
}
