package lib

import (
	"fmt"
	"sync/atomic"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/rs/zerolog/log"
)

// Payload is the ring pool element holding one outbound frame.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element. The only parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error().Msg("NewPayload: invalid number of parameters, expected buffer length")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok {
		log.Error().Msg("NewPayload: buffer length must be an int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Printf("Content: % x\n", p.payloadBytes[:p.length])
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("Payload Copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// BufferPool hands out reference counted transmit buffers backed by a ring pool.
type BufferPool struct {
	ring         *rp.RingPool
	bufferLength int
	outstanding  atomic.Int64
}

func NewBufferPool(name string, size, bufferLength int, debug bool, processTimeThreshold time.Duration) *BufferPool {
	rp.Debug = debug
	ring := rp.NewRingPool(name, size, NewPayload, bufferLength)
	ring.Debug = debug
	ring.ProcessTimeThreshold = processTimeThreshold
	return &BufferPool{ring: ring, bufferLength: bufferLength}
}

// Get returns a buffer holding a copy of frame with one reference.
func (bp *BufferPool) Get(frame []byte) (*TxBuffer, error) {
	if len(frame) > bp.bufferLength {
		return nil, fmt.Errorf("frame of %d bytes exceeds buffer length %d: %w", len(frame), bp.bufferLength, ErrNoBuffer)
	}
	chunk := bp.ring.GetElement()
	if chunk == nil {
		return nil, ErrNoBuffer
	}
	if err := chunk.Data.(*Payload).Copy(frame); err != nil {
		bp.ring.ReturnElement(chunk)
		return nil, err
	}
	b := &TxBuffer{chunk: chunk, pool: bp}
	if rp.Debug {
		b.fp = chunk.AddFootPrint("BufferPool.Get")
	}
	b.refs.Store(1)
	bp.outstanding.Add(1)
	return b, nil
}

// Outstanding reports buffers handed out and not yet returned.
func (bp *BufferPool) Outstanding() int64 {
	return bp.outstanding.Load()
}

// TxBuffer is one outbound frame. A timer entry and an in-flight transmit
// each hold their own reference; the chunk goes back to the pool at zero.
type TxBuffer struct {
	chunk *rp.Element
	pool  *BufferPool
	refs  atomic.Int32
	fp    int
}

func (b *TxBuffer) Bytes() []byte {
	return b.chunk.Data.(*Payload).GetSlice()
}

func (b *TxBuffer) Retain() *TxBuffer {
	b.refs.Add(1)
	return b
}

func (b *TxBuffer) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		if rp.Debug {
			b.chunk.TickFootPrint(b.fp)
		}
		b.pool.ring.ReturnElement(b.chunk)
		b.pool.outstanding.Add(-1)
	case n < 0:
		log.Error().Int32("refs", n).Msg("TxBuffer released more times than retained")
	}
}
