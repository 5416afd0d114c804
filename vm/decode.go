package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------
//
// The dispatcher never touches raw bytes: every instruction is decoded into
// an Instr up front, so unknown opcodes, truncated immediates and bad pool
// offsets surface here rather than halfway through a handler.

var ErrUnknownOpcode = errors.New("unknown opcode")

// Instr is one decoded instruction. A and B carry the raw immediates in
// order, except for STRING, SEXP and TAG: their pool offset is not kept,
// Str holds the resolved string-pool entry instead, and B holds the arity
// of SEXP and TAG. Args holds the capture list for CLOSURE.
type Instr struct {
	Op   Opcode
	Addr uint32 // offset of the opcode byte
	A, B uint32
	Str  string
	Args []ClosureArg
}

// SignedA returns the first immediate as a signed value (CONST).
func (in Instr) SignedA() int32 {
	return int32(in.A)
}

// decodeNext decodes the instruction at the cursor, leaving the cursor on
// the following instruction.
func decodeNext(bf *Bytefile) (Instr, error) {
	in := Instr{Addr: bf.Address()}

	b, err := bf.NextU8()
	if err != nil {
		return in, err
	}
	in.Op = Opcode(b)

	if !in.Op.Known() {
		return in, fmt.Errorf("%w %#02x at %#x", ErrUnknownOpcode, b, in.Addr)
	}

	switch in.Op {
	case OpString:
		in.Str, err = bf.NextString()
	case OpSexp, OpTag:
		if in.Str, err = bf.NextString(); err == nil {
			in.B, err = bf.NextU32()
		}
	case OpClosure:
		var n uint32
		if in.A, err = bf.NextU32(); err == nil {
			if n, err = bf.NextU32(); err == nil {
				in.B = n
				in.Args, err = bf.ClosureArgs(n)
			}
		}
	default:
		switch in.Op.Info().Imms {
		case 1:
			in.A, err = bf.NextU32()
		case 2:
			if in.A, err = bf.NextU32(); err == nil {
				in.B, err = bf.NextU32()
			}
		}
	}
	if err != nil {
		return in, fmt.Errorf("%s at %#x: %w", in.Op, in.Addr, err)
	}
	return in, nil
}

// binOp returns the binary operation selected by a family-0 opcode.
func (in Instr) binOp() BinOp {
	return BinOp(in.Op & 0x0F)
}

// varKind returns the variable kind selected by an LD/LDA/ST opcode.
func (in Instr) varKind() VarKind {
	return VarKind(in.Op & 0x0F)
}

// pattern returns the probe selected by a family-6 opcode.
func (in Instr) pattern() Pattern {
	return Pattern(in.Op & 0x0F)
}
