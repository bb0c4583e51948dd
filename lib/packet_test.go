package lib

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSegment(t *testing.T) {
	testCases := []struct {
		name    string
		local   netip.AddrPort
		remote  netip.AddrPort
		vlanID  uint16
		userPri uint8
		flags   uint8
		payload []byte
		wantVln uint16
	}{
		{
			name:    "ipv4 untagged",
			local:   netip.MustParseAddrPort("10.0.0.1:40000"),
			remote:  netip.MustParseAddrPort("10.0.0.2:4791"),
			vlanID:  VlanNone,
			flags:   ACKFlag | PSHFlag,
			payload: []byte("MPA ID Req Frame"),
			wantVln: VlanNone,
		},
		{
			name:    "ipv4 tagged",
			local:   netip.MustParseAddrPort("10.0.0.1:40000"),
			remote:  netip.MustParseAddrPort("10.0.0.2:4791"),
			vlanID:  100,
			userPri: 3,
			flags:   SYNFlag,
			wantVln: 100,
		},
		{
			name:    "ipv6 untagged",
			local:   netip.MustParseAddrPort("[fd00::1]:40000"),
			remote:  netip.MustParseAddrPort("[fd00::2]:4791"),
			vlanID:  VlanNone,
			flags:   RSTFlag | ACKFlag,
			wantVln: VlanNone,
		},
		{
			name:    "priority tag only",
			local:   netip.MustParseAddrPort("10.0.0.1:40000"),
			remote:  netip.MustParseAddrPort("10.0.0.2:4791"),
			vlanID:  0,
			userPri: 5,
			flags:   FINFlag | ACKFlag,
			wantVln: VlanNone,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			seg := &segment{
				addr: AddressInfo{
					Local:     tc.local,
					Remote:    tc.remote,
					VlanID:    tc.vlanID,
					LocalMAC:  macA,
					RemoteMAC: macB,
					UserPri:   tc.userPri,
					TOS:       0x10,
				},
				ipID:    7,
				seq:     1000,
				ack:     2000,
				flags:   tc.flags,
				window:  16383,
				payload: tc.payload,
			}
			frame, err := encodeSegment(seg)
			require.NoError(t, err)

			p, err := DecodeFrame(frame)
			require.NoError(t, err)
			assert.Equal(t, macA, p.SrcMAC)
			assert.Equal(t, macB, p.DstMAC)
			assert.Equal(t, tc.wantVln, p.VlanID)
			if tc.vlanID != VlanNone {
				assert.Equal(t, tc.userPri, p.UserPri)
			}
			assert.Equal(t, uint8(0x10), p.TOS)
			assert.Equal(t, tc.local, p.Src)
			assert.Equal(t, tc.remote, p.Dst)
			assert.Equal(t, uint32(1000), p.Seq)
			assert.Equal(t, uint32(2000), p.Ack)
			assert.Equal(t, uint16(16383), p.Window)
			assert.Equal(t, tc.flags, p.Flags)
			assert.Equal(t, len(tc.payload), len(p.Payload))
			if len(tc.payload) > 0 {
				assert.Equal(t, tc.payload, p.Payload)
			}

			// the receiving side sees the key mirrored
			k := p.key()
			assert.Equal(t, tc.remote.Addr(), k.LocalAddr)
			assert.Equal(t, tc.local.Port(), k.RemotePort)
		})
	}
}

func TestEncodeSegmentRejectsMixedFamilies(t *testing.T) {
	_, err := encodeSegment(&segment{addr: AddressInfo{
		Local:     netip.MustParseAddrPort("10.0.0.1:1"),
		Remote:    netip.MustParseAddrPort("[fd00::2]:2"),
		VlanID:    VlanNone,
		LocalMAC:  macA,
		RemoteMAC: macB,
	}})
	assert.Error(t, err)
}

func TestDecodeFrameRejectsNonTCP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: addrA.AsSlice(), DstIP: addrB.AsSlice()}
	udp := &layers.UDP{SrcPort: 1, DstPort: 2}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, udp))

	_, err := DecodeFrame(buf.Bytes())
	assert.Error(t, err)

	_, err = DecodeFrame([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseOptions(t *testing.T) {
	testCases := []struct {
		name    string
		raw     []byte
		want    ParsedOptions
		wantErr bool
	}{
		{name: "empty", raw: nil},
		{
			name: "mss and window scale",
			raw:  []byte{OptionMSS, 4, 0x05, 0xb4, OptionWindowScale, 3, 7, OptionEOL},
			want: ParsedOptions{MSS: 1460, MSSPresent: true, WindowScale: 7, WindowScalePresent: true},
		},
		{
			name: "nops are skipped",
			raw:  []byte{OptionNOP, OptionNOP, OptionMSS, 4, 0x02, 0x18},
			want: ParsedOptions{MSS: 536, MSSPresent: true},
		},
		{
			name: "eol stops the walk",
			raw:  []byte{OptionEOL, OptionMSS, 4, 0, 1},
		},
		{
			name: "unknown option skipped by length",
			raw:  []byte{8, 10, 0, 0, 0, 0, 0, 0, 0, 0, OptionWindowScale, 3, 2},
			want: ParsedOptions{WindowScale: 2, WindowScalePresent: true},
		},
		{name: "mss with bad length", raw: []byte{OptionMSS, 3, 0}, wantErr: true},
		{name: "window scale with bad length", raw: []byte{OptionWindowScale, 4, 1, 1}, wantErr: true},
		{name: "missing length", raw: []byte{OptionMSS}, wantErr: true},
		{name: "length overruns", raw: []byte{OptionMSS, 10, 0, 0}, wantErr: true},
		{name: "length below two", raw: []byte{8, 1, 0}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseOptions(tc.raw)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrBadTcpOption)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSynOptionsSurviveTheWire(t *testing.T) {
	frame, err := encodeSegment(&segment{
		addr: AddressInfo{
			Local:     netip.MustParseAddrPort("10.0.0.1:40000"),
			Remote:    netip.MustParseAddrPort("10.0.0.2:4791"),
			VlanID:    VlanNone,
			LocalMAC:  macA,
			RemoteMAC: macB,
		},
		flags:   SYNFlag,
		options: SynOptions(1460, 2),
	})
	require.NoError(t, err)

	p, err := DecodeFrame(frame)
	require.NoError(t, err)
	po, err := ParseOptions(p.Options)
	require.NoError(t, err)
	assert.Equal(t, ParsedOptions{MSS: 1460, MSSPresent: true, WindowScale: 2, WindowScalePresent: true}, po)
}

func TestApplyOptions(t *testing.T) {
	t.Run("smaller peer mss wins", func(t *testing.T) {
		tcp := TcpContext{MSS: 1460}
		require.NoError(t, tcp.applyOptions(ParsedOptions{MSS: 1200, MSSPresent: true, WindowScale: 3, WindowScalePresent: true}, true, true, 536))
		assert.Equal(t, uint16(1200), tcp.MSS)
		assert.Equal(t, uint8(3), tcp.SndWscale)

		tcp.updateSndWnd(1000)
		assert.Equal(t, uint32(8000), tcp.SndWnd)
		assert.Equal(t, uint32(8000), tcp.MaxSndWnd)
		tcp.updateSndWnd(10)
		assert.Equal(t, uint32(8000), tcp.MaxSndWnd)
	})

	t.Run("syn without mss uses the default", func(t *testing.T) {
		tcp := TcpContext{MSS: 1460}
		require.NoError(t, tcp.applyOptions(ParsedOptions{}, true, true, 536))
		assert.Equal(t, uint16(536), tcp.MSS)
	})

	t.Run("mss below the minimum mtu", func(t *testing.T) {
		tcp := TcpContext{MSS: 1460}
		err := tcp.applyOptions(ParsedOptions{MSS: 100, MSSPresent: true}, true, true, 536)
		assert.ErrorIs(t, err, ErrMtuTooSmall)
		assert.Equal(t, KindProtocolViolation, KindOf(err))
	})
}

func TestMssForMTU(t *testing.T) {
	assert.Equal(t, uint16(1460), mssForMTU(1500, true))
	assert.Equal(t, uint16(1440), mssForMTU(1500, false))
	assert.Equal(t, MinMTUIPv4, minMTU(true))
	assert.Equal(t, MinMTUIPv6, minMTU(false))
}
