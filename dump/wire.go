// Package dump serializes tooling artifacts — disassembly listings and
// execution profiles — in a stable wire format other tools can consume.
package dump

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/lamarun/vm"
)

// cborEncMode uses canonical mode for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dump: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Listing is the disassembly of one bytefile.
type Listing struct {
	File    string            `cbor:"file"`
	Entries []vm.ListingEntry `cbor:"entries"`
}

// Profile is the execution profile of one run.
type Profile struct {
	File    string            `cbor:"file"`
	Total   uint64            `cbor:"total"`
	Opcodes map[string]uint64 `cbor:"opcodes"`
}

// MarshalListing serializes a Listing to CBOR bytes.
func MarshalListing(l *Listing) ([]byte, error) {
	return cborEncMode.Marshal(l)
}

// UnmarshalListing deserializes a Listing from CBOR bytes.
func UnmarshalListing(data []byte) (*Listing, error) {
	var l Listing
	if err := cbor.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("dump: unmarshal listing: %w", err)
	}
	return &l, nil
}

// MarshalProfile serializes a Profile to CBOR bytes.
func MarshalProfile(p *Profile) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// UnmarshalProfile deserializes a Profile from CBOR bytes.
func UnmarshalProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("dump: unmarshal profile: %w", err)
	}
	return &p, nil
}

// WriteProfile marshals p and writes it to path.
func WriteProfile(path string, p *Profile) error {
	data, err := MarshalProfile(p)
	if err != nil {
		return fmt.Errorf("dump: marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("dump: write profile: %w", err)
	}
	return nil
}
