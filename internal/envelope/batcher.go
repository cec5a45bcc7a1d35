package envelope

import "github.com/macsnoeren/gms-diode/internal/protocol"

// DefaultBufferCap bounds how many bytes a single GMS_START/GMS_END batch
// may accumulate before it is closed and flushed, per spec.md §4.2's
// "appending the next instruction would exceed the configured buffer cap".
const DefaultBufferCap = 16 * 1024

// Batcher groups consecutive instructions belonging to one session between
// a GMS_START id and a matching GMS_END id, per spec.md §3's batching rule:
// a batch ends when appending the next instruction would overflow the
// configured cap, or when the session's ingress queue runs momentarily
// empty (signalled by the caller via Flush). Batching preserves the order
// instructions were read in — it never reorders or merges across sessions.
type Batcher struct {
	id        string
	bufferCap int
	open      bool
	size      int
}

// NewBatcher returns a Batcher for the given session id. bufferCap <= 0
// uses DefaultBufferCap.
func NewBatcher(id string, bufferCap int) *Batcher {
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCap
	}
	return &Batcher{id: id, bufferCap: bufferCap}
}

// Append feeds one instruction belonging to this session through the
// batcher. emit is called zero or more times with instructions to place on
// the egress stream — it may open a new GMS_START, emit the instruction
// itself, and/or close the previous batch with GMS_END, depending on
// whether the cap was reached.
func (b *Batcher) Append(instr protocol.Instruction, emit func(protocol.Instruction)) {
	n := len(instr)
	if b.open && b.size+n > b.bufferCap {
		b.closeBatch(emit)
	}
	if !b.open {
		emit(Encode(Start, b.id))
		b.open = true
		b.size = 0
	}
	emit(instr)
	b.size += n
}

// Flush closes the current batch, if one is open, because the caller's
// ingress queue has gone momentarily empty (spec.md §3's second batch-end
// condition). It is a no-op if no batch is open.
func (b *Batcher) Flush(emit func(protocol.Instruction)) {
	if b.open {
		b.closeBatch(emit)
	}
}

func (b *Batcher) closeBatch(emit func(protocol.Instruction)) {
	emit(Encode(End, b.id))
	b.open = false
	b.size = 0
}
