package lib

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the connection manager returns.
type ErrorKind int

const (
	KindArgument ErrorKind = iota + 1
	KindResourceExhausted
	KindProtocolViolation
	KindSequence
	KindNegotiationFailed
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindArgument:
		return "argument error"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindProtocolViolation:
		return "protocol violation"
	case KindSequence:
		return "sequence error"
	case KindNegotiationFailed:
		return "negotiation failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// Kind sentinels, matched with errors.Is against any *CmError of that kind.
var (
	ErrArgument          = errors.New("argument error")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrSequence          = errors.New("sequence error")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrTimeout           = errors.New("timeout")
)

var (
	ErrMpaTooShort         = errors.New("mpa frame too short")
	ErrPrivateDataOverflow = errors.New("private data too large")
	ErrBadMpaRevision      = errors.New("unsupported mpa revision")
	ErrBadMpaKey           = errors.New("unexpected mpa key")
	ErrMpaBufferOverflow   = errors.New("mpa frame exceeds buffer")
	ErrNoPeerToPeer        = errors.New("peer-to-peer mode not supported by peer")
	ErrRdma0Unsupported    = errors.New("rdma0 operation not supported")
	ErrIrdOrd              = errors.New("no ird/ord resources available")
	ErrBadTcpOption        = errors.New("malformed tcp option")
	ErrMtuTooSmall         = errors.New("mtu below protocol minimum")
	ErrBacklogFull         = errors.New("listen backlog full")
	ErrHandleClosed        = errors.New("handle already closed")
	ErrConnectionReset     = errors.New("connection reset")
	ErrConnectionRefused   = errors.New("connection refused")
	ErrAddressInUse        = errors.New("address already in use")
	ErrInvalidState        = errors.New("operation not valid in current state")
	ErrNoBuffer            = errors.New("no transmit buffer available")
	ErrNoNeighbor          = errors.New("next hop not resolved")
	ErrCoreClosed          = errors.New("connection manager closed")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrNotEstablished      = errors.New("connection not established")
)

// CmError carries the kind and the operation that failed.
type CmError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CmError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CmError) Unwrap() error {
	return e.Err
}

func (e *CmError) Is(target error) bool {
	return kindSentinel(e.Kind) == target
}

func kindSentinel(k ErrorKind) error {
	switch k {
	case KindArgument:
		return ErrArgument
	case KindResourceExhausted:
		return ErrResourceExhausted
	case KindProtocolViolation:
		return ErrProtocolViolation
	case KindSequence:
		return ErrSequence
	case KindNegotiationFailed:
		return ErrNegotiationFailed
	case KindTimeout:
		return ErrTimeout
	}
	return nil
}

func newCmError(kind ErrorKind, op string, err error) error {
	return &CmError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or 0 when err is not a *CmError.
func KindOf(err error) ErrorKind {
	var ce *CmError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
