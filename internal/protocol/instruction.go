// Package protocol implements the Guacamole instruction wire grammar: the
// byte-level re-framer that turns an arbitrary stream of bytes into whole,
// validated instructions of the form L1.V1,L2.V2,...,Ln.Vn; (see spec.md §3,
// §4.1). It is the trust boundary for every byte that enters a mux or
// shipper from a socket it does not control.
package protocol

import "fmt"

// Instruction is one validated, byte-exact Guacamole instruction, including
// its trailing ';'. It is never mutated after Emit.
type Instruction []byte

// String renders the instruction for logging. Values may contain arbitrary
// bytes, so this is best-effort and only meant for diagnostics.
func (i Instruction) String() string {
	return string(i)
}

// Encode builds one instruction from an opcode and its arguments, following
// the length-prefixed grammar of spec.md §3: L.V,L.V,...;
func Encode(opcode string, args ...string) Instruction {
	buf := make([]byte, 0, 32)
	buf = appendElement(buf, opcode)
	for _, a := range args {
		buf = append(buf, ',')
		buf = appendElement(buf, a)
	}
	buf = append(buf, ';')
	return Instruction(buf)
}

func appendElement(buf []byte, v string) []byte {
	buf = append(buf, []byte(fmt.Sprintf("%d.", len(v)))...)
	buf = append(buf, v...)
	return buf
}

// Elements splits an already-validated instruction into its opcode and
// arguments. It assumes the instruction was produced by Validator.Feed (or
// Encode) and therefore well-formed; malformed input should never reach
// here.
func Elements(instr Instruction) []string {
	var out []string
	raw := []byte(instr)
	i := 0
	for i < len(raw) {
		dot := -1
		for j := i; j < len(raw); j++ {
			if raw[j] == '.' {
				dot = j
				break
			}
		}
		if dot == -1 {
			break
		}
		n := 0
		for _, c := range raw[i:dot] {
			n = n*10 + int(c-'0')
		}
		start := dot + 1
		end := start + n
		if end > len(raw) {
			break
		}
		out = append(out, string(raw[start:end]))
		i = end + 1 // skip the ',' or ';'
	}
	return out
}
