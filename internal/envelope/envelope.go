// Package envelope implements the GMS_* framing layer spec.md §3/§4.2 adds
// on top of validated Guacamole instructions (internal/protocol) to
// multiplex sessions and signal lifecycle across the diode.
package envelope

import (
	"strings"

	"github.com/macsnoeren/gms-diode/internal/protocol"
)

// Opcode is one of the envelope's reserved GMS_* opcodes.
type Opcode string

const (
	New       Opcode = "GMS_NEW"
	Close     Opcode = "GMS_CLOSE"
	Start     Opcode = "GMS_START"
	End       Opcode = "GMS_END"
	Heartbeat Opcode = "GMS_HEARTBEAT"
)

// prefix identifies any opcode reserved for envelope framing, per spec.md
// §3: "opcodes are ordinary Guacamole opcodes whose names begin with
// GMS_".
const prefix = "GMS_"

// IsEnvelope reports whether a Guacamole opcode belongs to this framing
// layer rather than to the tunnelled session traffic.
func IsEnvelope(opcode string) bool {
	return strings.HasPrefix(opcode, prefix)
}

// Encode builds the single-instruction wire form of a GMS_* message, e.g.
// Encode(New, id) => "7.GMS_NEW,<len>.<id>;"
func Encode(op Opcode, args ...string) protocol.Instruction {
	return protocol.Encode(string(op), args...)
}

// Message is a decoded envelope instruction.
type Message struct {
	Opcode Opcode
	Arg    string // empty for Heartbeat
}

// Decode inspects an already-validated instruction (internal/protocol) and
// extracts its envelope opcode and single argument, if any. It returns
// ok=false for instructions whose opcode does not start with GMS_ —
// decoding never validates syntax, since its input is assumed already
// validated (spec.md §4.2: "Decoding operates on already-validated
// instructions only").
func Decode(instr protocol.Instruction) (Message, bool) {
	elems := protocol.Elements(instr)
	if len(elems) == 0 || !IsEnvelope(elems[0]) {
		return Message{}, false
	}
	msg := Message{Opcode: Opcode(elems[0])}
	if len(elems) > 1 {
		msg.Arg = elems[1]
	}
	return msg, true
}
