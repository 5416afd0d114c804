// Package vm is the execution engine: the bytefile loader, the evaluation
// stack, and the opcode dispatcher. Object allocation and the built-in
// operations on boxed values are delegated to package heap.
package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. The high nibble selects
// the instruction family, the low nibble the variant within it.
type Opcode byte

// Binary operations (family 0; low nibble is the operation)
const (
	OpBinopAdd Opcode = 0x01 // +
	OpBinopSub Opcode = 0x02 // -
	OpBinopMul Opcode = 0x03 // *
	OpBinopDiv Opcode = 0x04 // /
	OpBinopRem Opcode = 0x05 // %
	OpBinopLt  Opcode = 0x06 // <
	OpBinopLe  Opcode = 0x07 // <=
	OpBinopGt  Opcode = 0x08 // >
	OpBinopGe  Opcode = 0x09 // >=
	OpBinopEq  Opcode = 0x0A // ==
	OpBinopNe  Opcode = 0x0B // !=
	OpBinopAnd Opcode = 0x0C // &&
	OpBinopOr  Opcode = 0x0D // ||
)

// Family 1
const (
	OpConst  Opcode = 0x10 // push boxed i32
	OpString Opcode = 0x11 // allocate string from pool offset
	OpSexp   Opcode = 0x12 // allocate s-expression (tag offset, arity)
	OpSti    Opcode = 0x13 // unused, fatal
	OpSta    Opcode = 0x14 // indexed / reference store
	OpJmp    Opcode = 0x15 // absolute jump
	OpEnd    Opcode = 0x16 // function epilogue
	OpRet    Opcode = 0x17 // function epilogue
	OpDrop   Opcode = 0x18 // discard top
	OpDup    Opcode = 0x19 // duplicate top
	OpSwap   Opcode = 0x1A // exchange top two
	OpElem   Opcode = 0x1B // indexed load
)

// Variable access (families 2..4; low nibble is the variable kind)
const (
	OpLdGlobal    Opcode = 0x20
	OpLdLocal     Opcode = 0x21
	OpLdArgument  Opcode = 0x22
	OpLdCaptured  Opcode = 0x23
	OpLdaGlobal   Opcode = 0x30
	OpLdaLocal    Opcode = 0x31
	OpLdaArgument Opcode = 0x32
	OpLdaCaptured Opcode = 0x33
	OpStGlobal    Opcode = 0x40
	OpStLocal     Opcode = 0x41
	OpStArgument  Opcode = 0x42
	OpStCaptured  Opcode = 0x43
)

// Family 5
const (
	OpCjmpZ   Opcode = 0x50 // pop, jump if zero
	OpCjmpNz  Opcode = 0x51 // pop, jump if non-zero
	OpBegin   Opcode = 0x52 // function prologue
	OpCBegin  Opcode = 0x53 // closure function prologue
	OpClosure Opcode = 0x54 // allocate closure
	OpCallC   Opcode = 0x55 // call through closure on stack
	OpCall    Opcode = 0x56 // direct call
	OpTag     Opcode = 0x57 // s-expression tag probe
	OpArray   Opcode = 0x58 // array size probe
	OpFail    Opcode = 0x59 // pattern-match failure
	OpLine    Opcode = 0x5A // source line annotation
)

// Pattern probes (family 6; low nibble is the pattern kind)
const (
	OpPattStrCmp Opcode = 0x60 // =str
	OpPattString Opcode = 0x61 // #string
	OpPattArray  Opcode = 0x62 // #array
	OpPattSexp   Opcode = 0x63 // #sexp
	OpPattRef    Opcode = 0x64 // #ref
	OpPattVal    Opcode = 0x65 // #val
	OpPattFun    Opcode = 0x66 // #fun
)

// Runtime calls (family 7)
const (
	OpCallRead   Opcode = 0x70
	OpCallWrite  Opcode = 0x71
	OpCallLength Opcode = 0x72
	OpCallString Opcode = 0x73
	OpCallArray  Opcode = 0x74
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds decoding metadata about an opcode.
type OpcodeInfo struct {
	Name string // mnemonic used in listings and diagnostics
	Imms int    // number of 32-bit immediates (closureImms for CLOSURE)
}

// closureImms marks the variable-length capture list of CLOSURE.
const closureImms = -1

var opcodeTable = map[Opcode]OpcodeInfo{
	OpBinopAdd: {"BINOP +", 0},
	OpBinopSub: {"BINOP -", 0},
	OpBinopMul: {"BINOP *", 0},
	OpBinopDiv: {"BINOP /", 0},
	OpBinopRem: {"BINOP %", 0},
	OpBinopLt:  {"BINOP <", 0},
	OpBinopLe:  {"BINOP <=", 0},
	OpBinopGt:  {"BINOP >", 0},
	OpBinopGe:  {"BINOP >=", 0},
	OpBinopEq:  {"BINOP ==", 0},
	OpBinopNe:  {"BINOP !=", 0},
	OpBinopAnd: {"BINOP &&", 0},
	OpBinopOr:  {"BINOP ||", 0},

	OpConst:  {"CONST", 1},
	OpString: {"STRING", 1},
	OpSexp:   {"SEXP", 2},
	OpSti:    {"STI", 0},
	OpSta:    {"STA", 0},
	OpJmp:    {"JMP", 1},
	OpEnd:    {"END", 0},
	OpRet:    {"RET", 0},
	OpDrop:   {"DROP", 0},
	OpDup:    {"DUP", 0},
	OpSwap:   {"SWAP", 0},
	OpElem:   {"ELEM", 0},

	OpLdGlobal:    {"LD G", 1},
	OpLdLocal:     {"LD L", 1},
	OpLdArgument:  {"LD A", 1},
	OpLdCaptured:  {"LD C", 1},
	OpLdaGlobal:   {"LDA G", 1},
	OpLdaLocal:    {"LDA L", 1},
	OpLdaArgument: {"LDA A", 1},
	OpLdaCaptured: {"LDA C", 1},
	OpStGlobal:    {"ST G", 1},
	OpStLocal:     {"ST L", 1},
	OpStArgument:  {"ST A", 1},
	OpStCaptured:  {"ST C", 1},

	OpCjmpZ:   {"CJMPz", 1},
	OpCjmpNz:  {"CJMPnz", 1},
	OpBegin:   {"BEGIN", 2},
	OpCBegin:  {"CBEGIN", 2},
	OpClosure: {"CLOSURE", closureImms},
	OpCallC:   {"CALLC", 1},
	OpCall:    {"CALL", 2},
	OpTag:     {"TAG", 2},
	OpArray:   {"ARRAY", 1},
	OpFail:    {"FAIL", 0},
	OpLine:    {"LINE", 1},

	OpPattStrCmp: {"PATT =str", 0},
	OpPattString: {"PATT #string", 0},
	OpPattArray:  {"PATT #array", 0},
	OpPattSexp:   {"PATT #sexp", 0},
	OpPattRef:    {"PATT #ref", 0},
	OpPattVal:    {"PATT #val", 0},
	OpPattFun:    {"PATT #fun", 0},

	OpCallRead:   {"CALL Lread", 0},
	OpCallWrite:  {"CALL Lwrite", 0},
	OpCallLength: {"CALL Llength", 0},
	OpCallString: {"CALL Lstring", 0},
	OpCallArray:  {"CALL Barray", 1},
}

// Known reports whether op is a defined opcode.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Operand sub-enumerations
// ---------------------------------------------------------------------------

// BinOp selects a binary operation (the low nibble of a family-0 opcode).
type BinOp byte

const (
	BinAdd BinOp = 0x01
	BinSub BinOp = 0x02
	BinMul BinOp = 0x03
	BinDiv BinOp = 0x04
	BinRem BinOp = 0x05
	BinLt  BinOp = 0x06
	BinLe  BinOp = 0x07
	BinGt  BinOp = 0x08
	BinGe  BinOp = 0x09
	BinEq  BinOp = 0x0A
	BinNe  BinOp = 0x0B
	BinAnd BinOp = 0x0C
	BinOr  BinOp = 0x0D
)

// VarKind selects one of the four variable locations.
type VarKind byte

const (
	VarGlobal   VarKind = 0x0
	VarLocal    VarKind = 0x1
	VarArgument VarKind = 0x2
	VarCaptured VarKind = 0x3
)

// String implements the Stringer interface.
func (k VarKind) String() string {
	switch k {
	case VarGlobal:
		return "global"
	case VarLocal:
		return "local"
	case VarArgument:
		return "argument"
	case VarCaptured:
		return "captured"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Pattern selects one of the pattern probes.
type Pattern byte

const (
	PattStrCmp Pattern = 0x0 // =str, pops two operands
	PattString Pattern = 0x1
	PattArray  Pattern = 0x2
	PattSexp   Pattern = 0x3
	PattRef    Pattern = 0x4
	PattVal    Pattern = 0x5
	PattFun    Pattern = 0x6
)

// ClosureArg is one entry of a CLOSURE capture list: which variable of the
// creating frame to copy into the closure.
type ClosureArg struct {
	Kind  VarKind
	Index uint32
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences, mostly for tests and
// for tools that synthesize bytefiles.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length, i.e. the address of the next emit.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no immediates.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitU32 appends an opcode with one 32-bit immediate.
func (b *BytecodeBuilder) EmitU32(op Opcode, a uint32) {
	b.Emit(op)
	b.putU32(a)
}

// EmitI32 appends an opcode with one signed 32-bit immediate.
func (b *BytecodeBuilder) EmitI32(op Opcode, a int32) {
	b.EmitU32(op, uint32(a))
}

// Emit2 appends an opcode with two 32-bit immediates.
func (b *BytecodeBuilder) Emit2(op Opcode, a, c uint32) {
	b.Emit(op)
	b.putU32(a)
	b.putU32(c)
}

// EmitClosure appends a CLOSURE instruction with its capture list.
func (b *BytecodeBuilder) EmitClosure(addr uint32, args []ClosureArg) {
	b.Emit(OpClosure)
	b.putU32(addr)
	b.putU32(uint32(len(args)))
	for _, a := range args {
		b.bytes = append(b.bytes, byte(a.Kind))
		b.putU32(a.Index)
	}
}

// PatchU32 overwrites the 32-bit value at offset, for back-patching forward
// jump targets.
func (b *BytecodeBuilder) PatchU32(offset int, v uint32) {
	b.bytes[offset] = byte(v)
	b.bytes[offset+1] = byte(v >> 8)
	b.bytes[offset+2] = byte(v >> 16)
	b.bytes[offset+3] = byte(v >> 24)
}

func (b *BytecodeBuilder) putU32(v uint32) {
	b.bytes = append(b.bytes, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
