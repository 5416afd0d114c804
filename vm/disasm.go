package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// ListingEntry is one disassembled instruction.
type ListingEntry struct {
	Addr uint32 `cbor:"addr"`
	Text string `cbor:"text"`
}

// Disassemble renders the whole bytecode region as a listing. Decoding
// stops at the first malformed instruction, which is reported in place: a
// partial listing of a broken file is more useful than no listing.
func Disassemble(bf *Bytefile) string {
	var sb strings.Builder
	for _, e := range DisassembleEntries(bf) {
		fmt.Fprintf(&sb, "%08x\t%s\n", e.Addr, e.Text)
	}
	return sb.String()
}

// DisassembleEntries decodes the bytecode region into listing entries.
func DisassembleEntries(bf *Bytefile) []ListingEntry {
	saved := bf.Address()
	defer bf.SetAddress(saved)

	bf.SetAddress(0)
	var entries []ListingEntry
	for bf.Enough(1) {
		addr := bf.Address()
		in, err := decodeNext(bf)
		if err != nil {
			entries = append(entries, ListingEntry{Addr: addr, Text: fmt.Sprintf("<%v>", err)})
			break
		}
		entries = append(entries, ListingEntry{Addr: addr, Text: formatInstr(in)})
	}
	return entries
}

// formatInstr renders one decoded instruction the way the listing (and the
// trace log) shows it.
func formatInstr(in Instr) string {
	switch in.Op {
	case OpConst:
		return fmt.Sprintf("%s %d", in.Op, in.SignedA())
	case OpString:
		return fmt.Sprintf("%s %q", in.Op, in.Str)
	case OpSexp, OpTag:
		return fmt.Sprintf("%s %q %d", in.Op, in.Str, in.B)
	case OpJmp, OpCjmpZ, OpCjmpNz:
		return fmt.Sprintf("%s %#x", in.Op, in.A)
	case OpCall:
		return fmt.Sprintf("%s %#x %d", in.Op, in.A, in.B)
	case OpBegin, OpCBegin:
		return fmt.Sprintf("%s %d %d", in.Op, in.A, in.B)
	case OpClosure:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %#x", in.Op, in.A)
		for _, a := range in.Args {
			fmt.Fprintf(&sb, " %s(%d)", a.Kind, a.Index)
		}
		return sb.String()
	default:
		if in.Op.Info().Imms == 1 {
			return fmt.Sprintf("%s %d", in.Op, in.A)
		}
		return in.Op.String()
	}
}
