package protocol

import (
	"fmt"
)

// state is the validator's position within one instruction, following
// spec.md §4.1's FSM (grounded on original_source/gmdatadiode's
// include/guacamole/validator.hpp ProtocolValidator).
type state int

const (
	stateStart state = iota
	stateLength
	stateValue
)

// element identifies whether the value currently being read is the
// instruction's opcode (the first value) or one of its arguments.
type element int

const (
	elementOpcode element = iota
	elementArgument
)

// DefaultMaxInstructionSize is the per-instruction size bound recommended by
// spec.md §4.1 ("≥ 20 KiB recommended").
const DefaultMaxInstructionSize = 20 * 1024

// Error is returned (via the onError callback) for every syntax violation
// the validator detects. It never stops the stream: the validator discards
// the in-progress instruction and resynchronises at the next digit, exactly
// as spec.md §4.1's error policy requires.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "protocol: " + e.Reason }

// Validator re-segments an arbitrary byte stream into whole Guacamole
// instructions. One Validator instance must be used per ingress byte
// stream (front-end socket, guacd socket, diode TCP/UDP hop) — never
// shared across streams (spec.md §9).
type Validator struct {
	maxSize int

	st        state
	el        element
	lenDigits []byte
	remaining int
	buf       []byte

	// inResyncRun collapses a run of consecutive non-digit bytes at
	// stateStart into a single reported error, matching spec.md §8's E3
	// scenario ("abc5.mouse,1.0;" logs exactly one error, not one per
	// garbage byte) — resynchronisation is a single event, not per-byte.
	inResyncRun bool
}

// New creates a Validator. maxSize <= 0 uses DefaultMaxInstructionSize.
func New(maxSize int) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxInstructionSize
	}
	return &Validator{
		maxSize: maxSize,
		st:      stateStart,
		el:      elementOpcode,
	}
}

// Feed processes one chunk of bytes, invoking emit for every complete
// instruction found and onError for every syntax violation. Either callback
// may be nil. Feed may be called repeatedly with arbitrarily-sized chunks;
// a chunk boundary may fall anywhere, including mid-length or mid-value,
// without losing data (spec.md §4.1's segmentation guarantees).
func (v *Validator) Feed(data []byte, emit func(Instruction), onError func(error)) {
	for _, c := range data {
		v.processByte(c, emit, onError)
	}
}

func (v *Validator) processByte(c byte, emit func(Instruction), onError func(error)) {
	// Oversize check applies regardless of state: an instruction that has
	// already grown past the bound is dropped the instant the next byte
	// would be appended, per spec.md §4.1 ("Exceeding it is an error with
	// the same recovery").
	if len(v.buf) >= v.maxSize {
		v.reportError(onError, fmt.Sprintf("instruction exceeds max size %d", v.maxSize))
		v.resetForNextInstruction()
		// Re-process c as the first byte of a fresh instruction attempt.
		v.processByte(c, emit, onError)
		return
	}

	switch v.st {
	case stateStart:
		if c >= '0' && c <= '9' {
			v.inResyncRun = false
			if v.el == elementOpcode {
				v.buf = v.buf[:0]
			}
			v.buf = append(v.buf, c)
			v.lenDigits = append(v.lenDigits[:0], c)
			v.st = stateLength
		} else {
			if !v.inResyncRun {
				v.reportError(onError, "expected digit to start a length")
				v.inResyncRun = true
			}
			v.resetToStart()
		}

	case stateLength:
		if c >= '0' && c <= '9' {
			v.lenDigits = append(v.lenDigits, c)
			v.buf = append(v.buf, c)
		} else if c == '.' {
			n := 0
			for _, d := range v.lenDigits {
				n = n*10 + int(d-'0')
			}
			v.remaining = n
			v.buf = append(v.buf, c)
			v.st = stateValue
		} else {
			v.reportError(onError, fmt.Sprintf("expected digit or '.', got %q", c))
			v.resetToStart()
		}

	case stateValue:
		if v.remaining > 0 {
			v.buf = append(v.buf, c)
			v.remaining--
			return
		}
		switch c {
		case ',', ';':
			v.buf = append(v.buf, c)
			if c == ';' {
				out := make([]byte, len(v.buf))
				copy(out, v.buf)
				if emit != nil {
					emit(Instruction(out))
				}
				v.resetForNextInstruction()
			} else {
				v.el = elementArgument
			}
			v.st = stateStart
		default:
			v.reportError(onError, fmt.Sprintf("expected ',' or ';' after value, got %q", c))
			v.resetToStart()
		}
	}
}

// resetToStart discards the in-progress instruction and resynchronises at
// the next digit, per spec.md §4.1's error policy. The opcode/argument role
// is left untouched: an error never completes an instruction, so the next
// value read is still whatever role was in progress.
func (v *Validator) resetToStart() {
	v.st = stateStart
	v.buf = v.buf[:0]
	v.remaining = 0
}

// resetForNextInstruction is called after a complete instruction has been
// emitted (or dropped for being oversize) so the next byte is treated as
// the start of a brand new instruction's opcode.
func (v *Validator) resetForNextInstruction() {
	v.st = stateStart
	v.buf = v.buf[:0]
	v.remaining = 0
	v.el = elementOpcode
}

func (v *Validator) reportError(onError func(error), reason string) {
	if onError != nil {
		onError(&Error{Reason: reason})
	}
}
