package lib

import (
	"github.com/google/gopacket/layers"
)

type pktKind int

const (
	pktUnknown pktKind = iota
	pktSyn
	pktSynAck
	pktAck
	pktRst
)

func classify(p *InboundPacket) pktKind {
	switch {
	case p.has(RSTFlag):
		return pktRst
	case p.has(SYNFlag) && p.has(ACKFlag):
		return pktSynAck
	case p.has(SYNFlag):
		return pktSyn
	case p.has(ACKFlag):
		return pktAck
	}
	return pktUnknown
}

// processPacket runs one inbound segment through the state machine.
// Caller holds n.mu.
func (c *CmCore) processPacket(n *CmNode, p *InboundPacket) {
	n.log.Trace().Stringer("state", n.state).Uint8("flags", p.Flags).Uint32("seq", p.Seq).Uint32("ack", p.Ack).Int("len", len(p.Payload)).Msg("segment")

	fin := p.has(FINFlag)
	switch classify(p) {
	case pktSyn:
		c.handleSyn(n, p)
	case pktSynAck:
		c.handleSynAck(n, p)
	case pktAck:
		if err := c.handleAck(n, p); err == nil && fin {
			c.handleFin(n)
		}
	case pktRst:
		c.handleRst(n)
	default:
		if fin {
			if err := c.checkSeq(n, p); err == nil {
				c.handleFin(n)
			}
		}
	}
}

// checkSeq accepts a segment that acks everything sent and starts inside
// the receive window.
func (c *CmCore) checkSeq(n *CmNode, p *InboundPacket) error {
	if p.Ack != n.tcp.LocSeqNum || !seqBetween(p.Seq, n.tcp.RcvNxt, SeqIncrementBy(n.tcp.RcvNxt, n.tcp.RcvWnd)) {
		countDrop(dropSequence)
		n.log.Debug().Uint32("seq", p.Seq).Uint32("ack", p.Ack).Uint32("rcv_nxt", n.tcp.RcvNxt).Uint32("loc_seq", n.tcp.LocSeqNum).Msg("sequence check failed")
		return newCmError(KindSequence, "check seq", nil)
	}
	return nil
}

// handleTcpOptions parses and applies the segment's options, then records
// the peer window. On bad options the node is failed with a reset.
func (c *CmCore) handleTcpOptions(n *CmNode, p *InboundPacket, passive bool) error {
	if len(p.Options) > 0 {
		po, err := ParseOptions(p.Options)
		if err == nil {
			err = n.tcp.applyOptions(po, p.has(SYNFlag), n.key.ipv4(), c.cfg.DefaultMSS)
		}
		if err != nil {
			n.log.Warn().Err(err).Msg("bad tcp options, sending reset")
			if passive {
				c.passiveOpenErr(n, true)
			} else {
				c.activeOpenErr(n, true, err)
			}
			return err
		}
	}
	n.tcp.updateSndWnd(p.Window)
	return nil
}

func (c *CmCore) handleSyn(n *CmNode, p *InboundPacket) {
	switch n.state {
	case SynSent, MpaReqSent:
		c.activeOpenErr(n, true, nil)
	case Listening:
		l := n.listener
		if l.pendAccepts.Load() > l.backlog {
			c.stats.backlogDrops.inc()
			countDrop(dropBacklog)
			c.passiveOpenErr(n, false)
			return
		}
		if err := c.handleTcpOptions(n, p, true); err != nil {
			return
		}
		if err := c.createAddressHandle(n); err != nil {
			n.log.Error().Err(err).Msg("address handle creation failed")
			c.passiveOpenErr(n, false)
			return
		}
		n.tcp.RcvNxt = SeqIncrement(p.Seq)
		n.acceptPend = true
		l.pendAccepts.Add(1)
		n.state = SynRcvd
		if err := c.sendSyn(n, true); err != nil {
			n.log.Error().Err(err).Msg("sending syn-ack failed")
			c.passiveOpenErr(n, false)
		}
	case Closed:
		c.cleanupRetransEntry(n)
		n.addRef()
		c.sendReset(n)
	default:
		// Offloaded, Established, FinWait1/2, MpaReqRcvd, LastAck, Closing: ignore
	}
}

func (c *CmCore) handleSynAck(n *CmNode, p *InboundPacket) {
	switch n.state {
	case SynSent:
		c.cleanupRetransEntry(n)
		if p.Ack != n.tcp.LocSeqNum {
			n.log.Debug().Uint32("ack", p.Ack).Uint32("loc_seq", n.tcp.LocSeqNum).Msg("syn-ack does not ack our syn")
			c.activeOpenErr(n, true, nil)
			return
		}
		n.tcp.RemAckNum = p.Ack
		if err := c.handleTcpOptions(n, p, false); err != nil {
			return
		}
		n.tcp.RcvNxt = SeqIncrement(p.Seq)
		c.sendAck(n)
		if err := c.sendMpaRequest(n); err != nil {
			n.log.Error().Err(err).Msg("sending mpa request failed")
			return
		}
		n.state = MpaReqSent
	case MpaReqRcvd:
		c.passiveOpenErr(n, true)
	case Listening:
		n.tcp.LocSeqNum = p.Ack
		c.cleanupRetransEntry(n)
		n.state = Closed
		c.sendReset(n)
	case Closed:
		n.tcp.LocSeqNum = p.Ack
		c.cleanupRetransEntry(n)
		n.addRef()
		c.sendReset(n)
	default:
		// Established, FinWait1/2, LastAck, Offloaded, Closing, MpaReqSent: ignore
	}
}

func (c *CmCore) handleAck(n *CmNode, p *InboundPacket) error {
	if err := c.checkSeq(n, p); err != nil {
		return err
	}

	datasize := uint32(len(p.Payload))
	switch n.state {
	case SynRcvd:
		c.cleanupRetransEntry(n)
		if err := c.handleTcpOptions(n, p, true); err != nil {
			return err
		}
		n.tcp.RemAckNum = p.Ack
		n.state = Established
		if datasize > 0 {
			n.tcp.RcvNxt = SeqIncrementBy(p.Seq, datasize)
			c.handleRcvMpa(n, p.Payload)
		}
	case Established:
		c.cleanupRetransEntry(n)
		if datasize > 0 {
			n.tcp.RcvNxt = SeqIncrementBy(p.Seq, datasize)
			c.handleRcvMpa(n, p.Payload)
		}
	case MpaReqSent:
		n.tcp.RemAckNum = p.Ack
		if datasize > 0 {
			n.tcp.RcvNxt = SeqIncrementBy(p.Seq, datasize)
			n.ackRcvd = false
			c.handleRcvMpa(n, p.Payload)
		} else {
			n.ackRcvd = true
		}
	case Listening:
		c.cleanupRetransEntry(n)
		n.state = Closed
		c.sendReset(n)
	case Closed:
		c.cleanupRetransEntry(n)
		n.addRef()
		c.sendReset(n)
	case LastAck, Closing:
		c.cleanupRetransEntry(n)
		n.state = Closed
		c.remRef(n)
	case FinWait1:
		c.cleanupRetransEntry(n)
		n.state = FinWait2
	default:
		c.cleanupRetransEntry(n)
	}
	return nil
}

func (c *CmCore) handleRst(n *CmNode) {
	n.log.Debug().Stringer("state", n.state).Msg("reset received")
	c.cleanupRetransEntry(n)
	switch n.state {
	case SynSent, MpaReqSent:
		if n.mpaRev == 2 {
			// one retry with MPA revision 1
			n.mpaRev = 1
			n.mpaV1Retry = true
			n.state = SynSent
			if err := c.sendSyn(n, false); err != nil {
				c.activeOpenErr(n, false, err)
			}
			return
		}
		c.activeOpenErr(n, false, nil)
	case MpaReqRcvd:
		n.passiveState.Add(1)
	case Established, SynRcvd, Listening:
		c.passiveOpenErr(n, false)
	case Offloaded:
		c.activeOpenErr(n, false, nil)
	case Closed:
	case FinWait2, FinWait1, LastAck, TimeWait:
		n.state = Closed
		c.remRef(n)
	}
}

func (c *CmCore) handleFin(n *CmNode) {
	switch n.state {
	case SynRcvd, SynSent, Established, MpaRejRcvd:
		n.tcp.RcvNxt = SeqIncrement(n.tcp.RcvNxt)
		c.cleanupRetransEntry(n)
		n.state = LastAck
		c.sendFin(n)
	case MpaReqSent:
		c.createEvent(n, cmEventAborted, ErrConnectionReset)
		n.tcp.RcvNxt = SeqIncrement(n.tcp.RcvNxt)
		c.cleanupRetransEntry(n)
		n.state = Closed
		n.addRef()
		c.sendReset(n)
	case FinWait1:
		// simultaneous close: wait for the ack, then drop the node
		n.tcp.RcvNxt = SeqIncrement(n.tcp.RcvNxt)
		c.cleanupRetransEntry(n)
		n.state = Closing
		c.sendAck(n)
	case FinWait2:
		n.tcp.RcvNxt = SeqIncrement(n.tcp.RcvNxt)
		c.cleanupRetransEntry(n)
		n.state = TimeWait
		c.sendAck(n)
		if err := c.scheduleTimer(n, nil, timerClose, true, false); err != nil {
			n.log.Warn().Err(err).Msg("scheduling time-wait close")
		}
	case TimeWait:
		n.tcp.RcvNxt = SeqIncrement(n.tcp.RcvNxt)
		c.cleanupRetransEntry(n)
		n.state = Closed
		c.remRef(n)
	default:
		n.log.Debug().Stringer("state", n.state).Msg("fin ignored")
	}
}

func (c *CmCore) handleRcvMpa(n *CmNode, payload []byte) {
	res, err := ParseMpa(n, payload)
	if err != nil {
		n.log.Warn().Err(err).Stringer("state", n.state).Msg("bad mpa frame")
		if n.state == MpaReqSent {
			c.activeOpenErr(n, true, err)
		} else {
			c.passiveOpenErr(n, true)
		}
		return
	}

	switch n.state {
	case Established:
		if res.Reject {
			n.log.Debug().Msg("reject flag set on mpa request")
		}
		n.state = MpaReqRcvd
		c.sendAck(n)
		n.passiveState.Store(passiveIndicated)
		c.createEvent(n, cmEventMpaRequest, nil)
	case MpaReqSent:
		c.cleanupRetransEntry(n)
		if res.Reject {
			n.state = MpaRejRcvd
			c.sendAck(n)
			c.createEvent(n, cmEventMpaReject, ErrConnectionRefused)
			return
		}
		n.state = Offloaded
		c.sendAck(n)
		c.createEvent(n, cmEventConnected, nil)
	default:
		n.log.Debug().Stringer("state", n.state).Msg("mpa frame in unexpected state")
	}
}

// activeOpenErr fails an initiator with status, ErrConnectionReset when nil.
// With reset the peer gets an RST and an extra reference covers it.
func (c *CmCore) activeOpenErr(n *CmNode, reset bool, status error) {
	if status == nil {
		status = ErrConnectionReset
	}
	c.cleanupRetransEntry(n)
	c.stats.connectErrs.inc()
	if reset {
		n.addRef()
		c.sendReset(n)
	}
	n.state = Closed
	c.createEvent(n, cmEventAborted, status)
}

// passiveOpenErr fails a responder. Without reset the node's reference is
// dropped here; with reset the RST consumes it.
func (c *CmCore) passiveOpenErr(n *CmNode, reset bool) {
	c.cleanupRetransEntry(n)
	c.stats.passiveErrs.inc()
	n.state = Closed
	if reset {
		c.sendReset(n)
	} else {
		c.remRef(n)
	}
}

// closeNode is the upper layer's close. Caller holds n.mu.
func (c *CmCore) closeNode(n *CmNode) error {
	switch n.state {
	case SynRcvd, SynSent, OneSideEstablished, Established, Accepting, MpaReqSent, MpaReqRcvd, Listening:
		c.cleanupRetransEntry(n)
		c.sendReset(n)
	case CloseWait:
		n.state = LastAck
		c.sendFin(n)
	case FinWait1, FinWait2, LastAck, TimeWait, Closing:
		return newCmError(KindArgument, "close", ErrInvalidState)
	case MpaRejRcvd, Unknown, Inited, Closed, ListenerDestroyed:
		c.remRef(n)
	case Offloaded:
		if n.sendEntry != nil {
			n.log.Debug().Msg("send entry pending on offloaded node")
		}
		c.remRef(n)
	}
	return nil
}

// formFrame builds the next segment for n and advances its send sequence.
func (c *CmCore) formFrame(n *CmNode, opts []layers.TCPOption, payload []byte, flags uint8) (*TxBuffer, error) {
	seg := &segment{
		addr:    n.addressInfo(),
		seq:     n.tcp.LocSeqNum,
		flags:   flags,
		window:  uint16(n.tcp.RcvWnd),
		options: opts,
		payload: payload,
	}
	if flags&ACKFlag != 0 {
		seg.ack = n.tcp.RcvNxt
	}
	if n.key.ipv4() {
		seg.ipID = n.tcp.LocID + 1
	}

	frame, err := encodeSegment(seg)
	if err != nil {
		return nil, err
	}
	buf, err := c.pool.Get(frame)
	if err != nil {
		return nil, err
	}

	if flags&ACKFlag != 0 {
		n.tcp.LocAckNum = n.tcp.RcvNxt
	}
	if n.key.ipv4() {
		n.tcp.LocID++
	}
	if flags&SYNFlag != 0 {
		n.tcp.LocSeqNum = SeqIncrement(n.tcp.LocSeqNum)
	} else {
		n.tcp.LocSeqNum = SeqIncrementBy(n.tcp.LocSeqNum, uint32(len(payload)))
	}
	if flags&FINFlag != 0 {
		n.tcp.LocSeqNum = SeqIncrement(n.tcp.LocSeqNum)
	}
	return buf, nil
}

func (c *CmCore) transmit(n *CmNode, buf *TxBuffer) {
	if err := c.tx.Send(buf); err != nil {
		n.log.Warn().Err(err).Msg("transmit failed")
	}
}

func (c *CmCore) sendSyn(n *CmNode, sendAck bool) error {
	flags := SYNFlag
	if sendAck {
		flags |= ACKFlag
	}
	buf, err := c.formFrame(n, SynOptions(n.tcp.MSS, n.tcp.RcvWscale), nil, flags)
	if err != nil {
		return err
	}
	return c.scheduleTimer(n, buf, timerSend, true, false)
}

// sendReset sends RST|ACK once. The send consumes one node reference.
func (c *CmCore) sendReset(n *CmNode) error {
	buf, err := c.formFrame(n, nil, nil, RSTFlag|ACKFlag)
	if err != nil {
		n.log.Warn().Err(err).Msg("forming reset failed")
		return err
	}
	return c.scheduleTimer(n, buf, timerSend, false, true)
}

func (c *CmCore) sendAck(n *CmNode) {
	buf, err := c.formFrame(n, nil, nil, ACKFlag)
	if err != nil {
		n.log.Warn().Err(err).Msg("forming ack failed")
		return
	}
	c.transmit(n, buf)
}

func (c *CmCore) sendFin(n *CmNode) error {
	buf, err := c.formFrame(n, nil, nil, ACKFlag|FINFlag)
	if err != nil {
		n.log.Warn().Err(err).Msg("forming fin failed")
		return err
	}
	return c.scheduleTimer(n, buf, timerSend, true, false)
}

func (c *CmCore) sendMpaRequest(n *CmNode) error {
	buf, err := c.formFrame(n, nil, BuildMpaFrame(n, false), ACKFlag)
	if err != nil {
		return err
	}
	return c.scheduleTimer(n, buf, timerSend, true, false)
}

// sendMpaReject answers an MPA request with a reject reply and our FIN in
// one segment.
func (c *CmCore) sendMpaReject(n *CmNode) error {
	frame := BuildMpaFrame(n, true)
	frame[16] |= MpaFlagReject
	buf, err := c.formFrame(n, nil, frame, ACKFlag|FINFlag)
	if err != nil {
		return err
	}
	n.state = FinWait1
	return c.scheduleTimer(n, buf, timerSend, true, false)
}
