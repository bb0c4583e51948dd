package lib

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mpaNode(state NodeState, rev uint8, ird, ord uint32) *CmNode {
	return &CmNode{
		state:       state,
		mpaRev:      rev,
		irdSize:     ird,
		ordSize:     ord,
		sendRdma0Op: Rdma0ReadZero,
	}
}

// rawMpa builds an MPA frame by hand so tests can break it.
func rawMpa(key string, flags, rev byte, privLen uint16, body []byte) []byte {
	frame := make([]byte, MpaV1HeaderLen, MpaV1HeaderLen+len(body))
	copy(frame, key)
	frame[16] = flags
	frame[17] = rev
	binary.BigEndian.PutUint16(frame[18:20], privLen)
	return append(frame, body...)
}

func rtr(ird, ord uint16) []byte {
	b := make([]byte, MpaRtrLen)
	binary.BigEndian.PutUint16(b[0:2], ird)
	binary.BigEndian.PutUint16(b[2:4], ord)
	return b
}

func TestMpaRequestReplyRoundTrip(t *testing.T) {
	initiator := mpaNode(MpaReqSent, 2, 4, 4)
	initiator.pdata = []byte("hello")
	responder := mpaNode(Established, 2, 8, 8)

	req := BuildMpaFrame(initiator, false)
	assert.Equal(t, MpaKeyRequest, string(req[:MpaKeySize]))
	assert.Equal(t, byte(MpaFlagCRC|MpaFlagV2), req[16])
	assert.Len(t, req, MpaV2HeaderLen+5)

	res, err := ParseMpa(responder, req)
	require.NoError(t, err)
	assert.False(t, res.Reject)
	assert.Equal(t, []byte("hello"), responder.pdata, "rtr message is not private data")
	assert.Equal(t, uint8(2), responder.mpaRev)
	assert.Equal(t, uint32(4), responder.ordSize, "ord clamped to the initiator's ird")
	assert.Equal(t, Rdma0ReadZero, responder.sendRdma0Op)

	responder.pdata = []byte("world")
	responder.state = MpaReqRcvd
	rep := BuildMpaFrame(responder, true)
	assert.Equal(t, MpaKeyReply, string(rep[:MpaKeySize]))

	res, err = ParseMpa(initiator, rep)
	require.NoError(t, err)
	assert.False(t, res.Reject)
	assert.Equal(t, []byte("world"), initiator.pdata)
	assert.Equal(t, Rdma0ReadZero, initiator.sendRdma0Op)
}

func TestMpaRevisionOneHasNoRtr(t *testing.T) {
	initiator := mpaNode(MpaReqSent, 1, 4, 4)
	initiator.pdata = []byte("v1")
	frame := BuildMpaFrame(initiator, false)
	assert.Len(t, frame, MpaV1HeaderLen+2)
	assert.Equal(t, byte(MpaFlagCRC), frame[16])

	// a revision 2 responder lowers itself to the peer's revision
	responder := mpaNode(Established, 2, 8, 8)
	_, err := ParseMpa(responder, frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), responder.mpaRev)
	assert.Equal(t, uint32(8), responder.ordSize, "no negotiation on revision 1")
	assert.Equal(t, []byte("v1"), responder.pdata)
}

func TestParseMpaErrors(t *testing.T) {
	okRtr := rtr(4|RtrPeerToPeer, 4|RtrRdma0Read)
	testCases := []struct {
		name  string
		state NodeState
		rev   uint8
		ird   uint32
		frame []byte
		kind  ErrorKind
		want  error
	}{
		{
			name:  "too short",
			state: Established,
			rev:   2,
			frame: []byte("MPA ID Req"),
			kind:  KindProtocolViolation,
			want:  ErrMpaTooShort,
		},
		{
			name:  "private data over the limit",
			state: Established,
			rev:   2,
			frame: rawMpa(MpaKeyRequest, MpaFlagCRC, 1, MaxPrivateData+1, make([]byte, MaxPrivateData+1)),
			kind:  KindProtocolViolation,
			want:  ErrPrivateDataOverflow,
		},
		{
			name:  "unknown revision",
			state: Established,
			rev:   2,
			frame: rawMpa(MpaKeyRequest, MpaFlagCRC, 3, 0, nil),
			kind:  KindProtocolViolation,
			want:  ErrBadMpaRevision,
		},
		{
			name:  "revision above offered",
			state: Established,
			rev:   1,
			frame: rawMpa(MpaKeyRequest, MpaFlagCRC|MpaFlagV2, 2, MpaRtrLen, okRtr),
			kind:  KindProtocolViolation,
			want:  ErrBadMpaRevision,
		},
		{
			name:  "request key where a reply is due",
			state: MpaReqSent,
			rev:   2,
			frame: rawMpa(MpaKeyRequest, MpaFlagCRC|MpaFlagV2, 2, MpaRtrLen, okRtr),
			kind:  KindProtocolViolation,
			want:  ErrBadMpaKey,
		},
		{
			name:  "private data length past the frame",
			state: Established,
			rev:   2,
			frame: rawMpa(MpaKeyRequest, MpaFlagCRC, 1, 10, []byte("abc")),
			kind:  KindProtocolViolation,
			want:  ErrMpaBufferOverflow,
		},
		{
			name:  "revision 2 without rtr",
			state: Established,
			rev:   2,
			frame: rawMpa(MpaKeyRequest, MpaFlagCRC|MpaFlagV2, 2, 2, []byte{0, 0}),
			kind:  KindProtocolViolation,
			want:  ErrMpaTooShort,
		},
		{
			name:  "peer without peer-to-peer",
			state: Established,
			rev:   2,
			frame: rawMpa(MpaKeyRequest, MpaFlagCRC|MpaFlagV2, 2, MpaRtrLen, rtr(4, 4|RtrRdma0Read)),
			kind:  KindNegotiationFailed,
			want:  ErrNoPeerToPeer,
		},
		{
			name:  "no rdma0 operation offered",
			state: Established,
			rev:   2,
			frame: rawMpa(MpaKeyRequest, MpaFlagCRC|MpaFlagV2, 2, MpaRtrLen, rtr(4|RtrPeerToPeer, 4)),
			kind:  KindNegotiationFailed,
			want:  ErrRdma0Unsupported,
		},
		{
			name:  "initiator ird below peer ord",
			state: MpaReqSent,
			rev:   2,
			ird:   2,
			frame: rawMpa(MpaKeyReply, MpaFlagCRC|MpaFlagV2, 2, MpaRtrLen, rtr(4|RtrPeerToPeer, 4|RtrRdma0Read)),
			kind:  KindNegotiationFailed,
			want:  ErrIrdOrd,
		},
		{
			name:  "responder cannot serve read0",
			state: MpaReqSent,
			rev:   2,
			ird:   8,
			frame: rawMpa(MpaKeyReply, MpaFlagCRC|MpaFlagV2, 2, MpaRtrLen, rtr(0|RtrPeerToPeer, 4|RtrRdma0Read)),
			kind:  KindNegotiationFailed,
			want:  ErrRdma0Unsupported,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ird := tc.ird
			if ird == 0 {
				ird = 8
			}
			n := mpaNode(tc.state, tc.rev, ird, 8)
			_, err := ParseMpa(n, tc.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestParsePrivateDataBoundary(t *testing.T) {
	pdata := bytes.Repeat([]byte{0xab}, MaxPrivateData)
	n := mpaNode(Established, 1, 8, 8)
	_, err := ParseMpa(n, rawMpa(MpaKeyRequest, MpaFlagCRC, 1, MaxPrivateData, pdata))
	require.NoError(t, err)
	assert.Len(t, n.pdata, MaxPrivateData)
}

func TestParseMpaFlags(t *testing.T) {
	n := mpaNode(MpaReqSent, 1, 8, 8)
	res, err := ParseMpa(n, rawMpa(MpaKeyReply, MpaFlagCRC|MpaFlagReject|MpaFlagMarkers, 1, 2, []byte("no")))
	require.NoError(t, err)
	assert.True(t, res.Reject)
	assert.True(t, res.Markers)
	assert.True(t, n.sndMarkEn)
	assert.Equal(t, []byte("no"), n.pdata)
}

func TestNegotiateNoIrdOrdLimit(t *testing.T) {
	n := mpaNode(Established, 2, 8, 8)
	require.NoError(t, NegotiateIrdOrd(n, RtrNoIrdOrd|RtrPeerToPeer, RtrNoIrdOrd|RtrRdma0Write))
	assert.True(t, n.noIrdOrd)
	assert.Equal(t, Rdma0WriteZero, n.sendRdma0Op)

	frame := BuildMpaFrame(n, true)
	assert.Equal(t, uint16(RtrNoIrdOrd|RtrPeerToPeer), binary.BigEndian.Uint16(frame[20:22]))
	assert.Equal(t, uint16(RtrNoIrdOrd|RtrRdma0Write), binary.BigEndian.Uint16(frame[22:24]))
}

func TestResponderRead0WithZeroOrd(t *testing.T) {
	n := mpaNode(Established, 2, 8, 8)
	require.NoError(t, NegotiateIrdOrd(n, 4|RtrPeerToPeer, 0|RtrRdma0Read))
	assert.Equal(t, uint32(1), n.irdSize)
	assert.Equal(t, uint32(4), n.ordSize)
}

func TestRecordIrdOrd(t *testing.T) {
	testCases := []struct {
		name             string
		ird, ord         uint32
		op               Rdma0Op
		wantIrd, wantOrd uint32
	}{
		{name: "within limits", ird: 4, ord: 2, op: Rdma0ReadZero, wantIrd: 4, wantOrd: 2},
		{name: "clamped to device", ird: 100, ord: 100, op: Rdma0ReadZero, wantIrd: 64, wantOrd: 32},
		{name: "read0 needs one ord", ird: 4, ord: 0, op: Rdma0ReadZero, wantIrd: 4, wantOrd: 1},
		{name: "write0 allows zero ord", ird: 4, ord: 0, op: Rdma0WriteZero, wantIrd: 4, wantOrd: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := &CmNode{sendRdma0Op: tc.op}
			RecordIrdOrd(n, tc.ird, tc.ord, 64, 32)
			assert.Equal(t, tc.wantIrd, n.irdSize)
			assert.Equal(t, tc.wantOrd, n.ordSize)
		})
	}
}

func TestRdma0OpFromConfig(t *testing.T) {
	assert.Equal(t, Rdma0WriteZero, rdma0OpFromConfig("write"))
	assert.Equal(t, Rdma0ReadZero, rdma0OpFromConfig("read"))
	assert.Equal(t, "read0", Rdma0ReadZero.String())
	assert.Equal(t, "none", Rdma0Op(0).String())
}

func TestParsePrivateDataBoundaryRevision2(t *testing.T) {
	okRtr := rtr(4|RtrPeerToPeer, 4|RtrRdma0Read)
	testCases := []struct {
		name    string
		pdata   int
		wantErr bool
	}{
		{name: "512 bytes after the rtr", pdata: MaxPrivateData},
		{name: "513 bytes after the rtr", pdata: MaxPrivateData + 1, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body := append(bytes.Clone(okRtr), bytes.Repeat([]byte{0x11}, tc.pdata)...)
			frame := rawMpa(MpaKeyRequest, MpaFlagCRC|MpaFlagV2, 2, uint16(len(body)), body)
			n := mpaNode(Established, 2, 8, 8)

			_, err := ParseMpa(n, frame)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrPrivateDataOverflow)
				assert.Equal(t, KindProtocolViolation, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Len(t, n.pdata, tc.pdata)
		})
	}
}

func TestLimitIrdOrd(t *testing.T) {
	testCases := []struct {
		name             string
		ird, ord         uint32
		wantIrd, wantOrd uint32
	}{
		{name: "zero keeps negotiated", wantIrd: 16, wantOrd: 4},
		{name: "larger never raises", ird: 64, ord: 64, wantIrd: 16, wantOrd: 4},
		{name: "smaller lowers", ird: 2, ord: 1, wantIrd: 2, wantOrd: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := mpaNode(MpaReqRcvd, 2, 16, 4)
			limitIrdOrd(n, tc.ird, tc.ord)
			assert.Equal(t, tc.wantIrd, n.irdSize)
			assert.Equal(t, tc.wantOrd, n.ordSize)
		})
	}

	n := mpaNode(MpaReqRcvd, 2, 16, 4)
	n.noIrdOrd = true
	limitIrdOrd(n, 1, 1)
	assert.Equal(t, uint32(16), n.irdSize, "no limit negotiated")
}
