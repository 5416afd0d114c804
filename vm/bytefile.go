package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ---------------------------------------------------------------------------
// Load Error Types
// ---------------------------------------------------------------------------

var (
	ErrTruncatedHeader = errors.New("truncated header")
	ErrRegionOverflow  = errors.New("region exceeds file size")
	ErrEmptyBytecode   = errors.New("bytecode region is empty")
	ErrTruncatedCode   = errors.New("unexpected end of bytecode")
	ErrBadStringOffset = errors.New("string offset outside string pool")
)

// headerSize is the fixed prefix of every bytefile: string pool size,
// global area size, public symbol pair count, all little-endian u32.
const headerSize = 12

// ---------------------------------------------------------------------------
// Bytefile: Loaded bytecode image
// ---------------------------------------------------------------------------

// Bytefile is a loaded bytecode image. The four regions are immutable after
// load; the cursor (ip) and the source-line annotation are the only mutable
// state.
//
// On-disk layout, little-endian, no padding:
//
//	u32 stringPoolSize          (bytes)
//	u32 globalAreaSize          (words)
//	u32 publicSymbolCount       (pairs; the table is 2*count u32 entries)
//	u32[2*publicSymbolCount]    public symbols
//	u8[stringPoolSize]          string pool, NUL-terminated entries
//	u8[...]                     bytecode, the non-empty remainder
type Bytefile struct {
	StringPool     []byte
	PublicSymbols  []uint32
	Code           []byte
	GlobalAreaSize uint32

	// FileLine is the most recent LINE annotation, for diagnostics only.
	FileLine uint32

	ip int
}

// Load reads and validates a bytefile from disk.
func Load(path string) (*Bytefile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open bytefile: %w", err)
	}
	defer f.Close()

	return LoadFrom(f)
}

// LoadFrom reads and validates a bytefile from an io.Reader.
func LoadFrom(r io.Reader) (*Bytefile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cannot read bytefile: %w", err)
	}
	return FromBytes(data)
}

// FromBytes parses a bytefile from a byte slice. Region errors are gathered
// and reported together.
func FromBytes(data []byte) (*Bytefile, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: file is %d bytes, header needs %d", ErrTruncatedHeader, len(data), headerSize)
	}

	poolSize := binary.LittleEndian.Uint32(data[0:])
	globalSize := binary.LittleEndian.Uint32(data[4:])
	symbolCount := binary.LittleEndian.Uint32(data[8:])

	var diags []error

	rest := uint64(len(data)) - headerSize

	symbolBytes := uint64(symbolCount) * 2 * 4
	if symbolBytes > rest {
		diags = append(diags, fmt.Errorf("%w: public symbol table is %d bytes, %d remain after header",
			ErrRegionOverflow, symbolBytes, rest))
		symbolBytes = 0
		symbolCount = 0
	}
	rest -= symbolBytes

	if uint64(poolSize) > rest {
		diags = append(diags, fmt.Errorf("%w: string pool is %d bytes, %d remain after public symbols",
			ErrRegionOverflow, poolSize, rest))
		poolSize = 0
	}
	rest -= uint64(poolSize)

	if rest == 0 {
		diags = append(diags, ErrEmptyBytecode)
	}

	if len(diags) > 0 {
		return nil, errors.Join(diags...)
	}

	symbols := make([]uint32, 2*symbolCount)
	for i := range symbols {
		symbols[i] = binary.LittleEndian.Uint32(data[headerSize+4*i:])
	}

	poolStart := headerSize + int(symbolBytes)
	codeStart := poolStart + int(poolSize)

	return &Bytefile{
		StringPool:     data[poolStart:codeStart],
		PublicSymbols:  symbols,
		Code:           data[codeStart:],
		GlobalAreaSize: globalSize,
	}, nil
}

// ---------------------------------------------------------------------------
// Cursor
// ---------------------------------------------------------------------------

// Address returns the cursor position as a bytecode offset.
func (bf *Bytefile) Address() uint32 {
	return uint32(bf.ip)
}

// Enough reports whether at least n bytes remain at the cursor.
func (bf *Bytefile) Enough(n int) bool {
	return len(bf.Code)-bf.ip >= n
}

// SetAddress repositions the cursor. It reports false, without moving, when
// addr lies outside the bytecode.
func (bf *Bytefile) SetAddress(addr uint32) bool {
	if uint64(addr) >= uint64(len(bf.Code)) {
		return false
	}
	bf.ip = int(addr)
	return true
}

// NextU8 reads one byte and advances.
func (bf *Bytefile) NextU8() (byte, error) {
	if !bf.Enough(1) {
		return 0, ErrTruncatedCode
	}
	b := bf.Code[bf.ip]
	bf.ip++
	return b, nil
}

// PeekU8 reads one byte without advancing.
func (bf *Bytefile) PeekU8() (byte, error) {
	if !bf.Enough(1) {
		return 0, ErrTruncatedCode
	}
	return bf.Code[bf.ip], nil
}

// NextU32 reads a little-endian u32 and advances.
func (bf *Bytefile) NextU32() (uint32, error) {
	if !bf.Enough(4) {
		return 0, ErrTruncatedCode
	}
	v := binary.LittleEndian.Uint32(bf.Code[bf.ip:])
	bf.ip += 4
	return v, nil
}

// NextI32 reads a little-endian i32 and advances.
func (bf *Bytefile) NextI32() (int32, error) {
	v, err := bf.NextU32()
	return int32(v), err
}

// StringAt returns the NUL-terminated string starting at offset in the
// string pool.
func (bf *Bytefile) StringAt(offset uint32) (string, error) {
	if uint64(offset) >= uint64(len(bf.StringPool)) {
		return "", fmt.Errorf("%w: %d of pool size %d", ErrBadStringOffset, offset, len(bf.StringPool))
	}
	tail := bf.StringPool[offset:]
	if end := bytes.IndexByte(tail, 0); end >= 0 {
		tail = tail[:end]
	}
	return string(tail), nil
}

// NextString reads a u32 pool offset and dereferences it.
func (bf *Bytefile) NextString() (string, error) {
	offset, err := bf.NextU32()
	if err != nil {
		return "", err
	}
	return bf.StringAt(offset)
}

// ClosureArgs reads n capture-list entries (one kind byte plus a u32 index
// each, unaligned) and advances past them.
func (bf *Bytefile) ClosureArgs(n uint32) ([]ClosureArg, error) {
	if !bf.Enough(int(n) * 5) {
		return nil, ErrTruncatedCode
	}
	args := make([]ClosureArg, n)
	for i := range args {
		kind := bf.Code[bf.ip]
		if kind > byte(VarCaptured) {
			return nil, fmt.Errorf("closure capture %d has unknown variable kind %d", i, kind)
		}
		args[i] = ClosureArg{
			Kind:  VarKind(kind),
			Index: binary.LittleEndian.Uint32(bf.Code[bf.ip+1:]),
		}
		bf.ip += 5
	}
	return args, nil
}
