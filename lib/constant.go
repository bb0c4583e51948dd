package lib

import "time"

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpOptionsMaxLength = 40
	TcpHeaderLength     = 20 //options not included
	EthernetHeaderLen   = 14
	VlanTagLen          = 4
)

// TCP option kinds the CM understands.
const (
	OptionEOL         = 0
	OptionNOP         = 1
	OptionMSS         = 2
	OptionWindowScale = 3
)

const (
	VlanNone    uint16 = 0xFFFF // untagged
	VlanIDLimit uint16 = 4096   // ids below this carry an 802.1Q tag

	MinMTUIPv4   = 576
	MinMTUIPv6   = 1280
	MTUToMSSIPv4 = 40
	MTUToMSSIPv6 = 60

	IPv4TTL      = 64
	IPv6HopLimit = 128
)

// Retransmission defaults.
const (
	DefaultRetries      = 64
	DefaultRetrans      = 32
	DefaultRetryTimeout = time.Second
	DefaultMaxTimeout   = 12 * time.Second
	DefaultCloseDelay   = 100 * time.Millisecond
	DefaultLongTime     = 2 * time.Second
)

// MPA wire constants.
const (
	MpaKeySize        = 16
	MpaV1HeaderLen    = 20
	MpaRtrLen         = 4
	MpaV2HeaderLen    = MpaV1HeaderLen + MpaRtrLen
	MaxPrivateData    = 512
	MaxCmBuf          = MpaV2HeaderLen + MaxPrivateData
	MpaFlagMarkers    = 0x80
	MpaFlagCRC        = 0x40
	MpaFlagReject     = 0x20
	MpaFlagV2         = 0x10
	RtrPeerToPeer     = 0x8000 // ctrl_ird
	RtrRdma0Write     = 0x8000 // ctrl_ord
	RtrRdma0Read      = 0x4000 // ctrl_ord
	RtrIrdOrdMask     = 0x3FFF
	RtrNoIrdOrd       = 0x3FFF
)

const (
	MpaKeyRequest = "MPA ID Req Frame"
	MpaKeyReply   = "MPA ID Rep Frame"
)
