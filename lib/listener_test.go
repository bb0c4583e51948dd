package lib

import (
	"net/netip"
	"testing"

	"github.com/Clouded-Sabre/iwarp-cm/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerMatches(t *testing.T) {
	exact := &Listener{addr: addrB, port: 4791, vlanID: 100, state: listenerActive}
	wild := &Listener{addr: netip.IPv4Unspecified(), port: 4791, vlanID: VlanNone, state: listenerPassive}

	testCases := []struct {
		name   string
		l      *Listener
		addr   netip.Addr
		port   uint16
		vlanID uint16
		want   listenerState
		match  bool
	}{
		{name: "exact", l: exact, addr: addrB, port: 4791, vlanID: 100, want: listenerActive, match: true},
		{name: "exact wrong vlan", l: exact, addr: addrB, port: 4791, vlanID: VlanNone, want: listenerActive},
		{name: "exact wrong port", l: exact, addr: addrB, port: 4792, vlanID: 100, want: listenerActive},
		{name: "exact wrong address", l: exact, addr: addrA, port: 4791, vlanID: 100, want: listenerActive},
		{name: "exact wrong state", l: exact, addr: addrB, port: 4791, vlanID: 100, want: listenerPassive},
		{name: "wildcard any vlan", l: wild, addr: addrA, port: 4791, vlanID: 7, want: listenerEither, match: true},
		{name: "wildcard only passive", l: wild, addr: addrA, port: 4791, vlanID: 7, want: listenerActive},
		{name: "wildcard other family", l: wild, addr: netip.MustParseAddr("fd00::2"), port: 4791, want: listenerEither},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.match, tc.l.matches(tc.addr, tc.port, tc.vlanID, tc.want))
		})
	}
}

func TestWildcardListenerFiltersEveryLocalAddress(t *testing.T) {
	cfg := testConfig(macB, addrB)
	cfg.LocalAddresses = append(cfg.LocalAddresses,
		config.LocalAddress{Addr: "10.1.0.2"},
		config.LocalAddress{Addr: "fd00::2"},
	)
	c := newTestCore(t, cfg, &recordingTx{}, newTestClock(), nil)

	h, err := c.CreateListener(ListenParams{Addr: netip.MustParseAddrPort("0.0.0.0:4791"), Backlog: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2:4791", "10.1.0.2:4791"}, c.filter.ListenRules())
	assert.Equal(t, netip.MustParseAddrPort("0.0.0.0:4791"), h.Addr())

	require.NoError(t, c.DestroyListener(h))
	assert.Empty(t, c.filter.ListenRules())
	assert.Equal(t, 0, c.Listeners())
	assert.Equal(t, uint64(1), c.Stats().ListenersDestroyed)
}

func TestCreateListenerErrors(t *testing.T) {
	c := newTestCore(t, testConfig(macB, addrB), &recordingTx{}, newTestClock(), nil)

	_, err := c.CreateListener(ListenParams{Addr: listenAddr})
	require.NoError(t, err)

	_, err = c.CreateListener(ListenParams{Addr: listenAddr})
	assert.ErrorIs(t, err, ErrAddressInUse)
	assert.Equal(t, 1, c.Listeners(), "failed listen leaves the first one alone")

	// a different vlan on the same address is its own listener
	_, err = c.CreateListener(ListenParams{Addr: listenAddr, VlanID: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Listeners())

	_, err = c.CreateListener(ListenParams{Addr: netip.AddrPortFrom(addrB, 0)})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = c.CreateListener(ListenParams{})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	assert.ErrorIs(t, c.DestroyListener(nil), ErrHandleClosed)
}

func synFrame(t *testing.T, srcPort, vlanID uint16) []byte {
	t.Helper()
	frame, err := encodeSegment(&segment{
		addr: AddressInfo{
			Local:     netip.AddrPortFrom(addrA, srcPort),
			Remote:    listenAddr,
			VlanID:    vlanID,
			LocalMAC:  macA,
			RemoteMAC: macB,
		},
		seq:     100,
		flags:   SYNFlag,
		window:  1000,
		options: SynOptions(1460, 0),
	})
	require.NoError(t, err)
	return frame
}

func TestSynRoutedByVlan(t *testing.T) {
	tx := &recordingTx{}
	c := newTestCore(t, testConfig(macB, addrB), tx, newTestClock(), nil)
	h, err := c.CreateListener(ListenParams{Addr: listenAddr, VlanID: 100, Backlog: 4})
	require.NoError(t, err)

	require.NoError(t, c.Receive(synFrame(t, 40000, VlanNone)))
	assert.Equal(t, 0, tx.count(), "untagged syn has no listener")

	require.NoError(t, c.Receive(synFrame(t, 40001, 100)))
	synAck := tx.last(t)
	assert.Equal(t, SYNFlag|ACKFlag, synAck.Flags)
	assert.Equal(t, uint16(100), synAck.VlanID)
	assert.Equal(t, uint32(101), synAck.Ack)
	assert.Equal(t, netip.AddrPortFrom(addrA, 40001), synAck.Dst)
	assert.Equal(t, 1, c.Stats().ActiveNodes)
	assert.Equal(t, int32(1), h.PendingAccepts())

	// a retransmitted syn lands on the existing node
	require.NoError(t, c.Receive(synFrame(t, 40001, 100)))
	assert.Equal(t, 1, c.Stats().ActiveNodes)
	assert.Equal(t, 1, tx.count())
}
