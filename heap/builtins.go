package heap

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Tag hashing
// ---------------------------------------------------------------------------

// tagChars is the alphabet an s-expression tag may use. Each character packs
// into six bits; the hash is the low 26 bits of the big-endian packing, so
// it keeps the last four characters in full and two bits of the one before.
const tagChars = "_abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TagHash computes the integer hash of an s-expression tag name. SEXP and
// TAG must agree on this value, nothing else depends on it.
func (rt *Runtime) TagHash(name string) int32 {
	var h int32
	for i := 0; i < len(name); i++ {
		code := strings.IndexByte(tagChars, name[i])
		if code < 0 {
			code = 0
		}
		h = (h<<6 | int32(code)) & 0x3FFFFFF
	}
	return h
}

// ---------------------------------------------------------------------------
// Indexed access
// ---------------------------------------------------------------------------

// Elem returns container[index]. Strings yield the boxed byte at that
// position, arrays and s-expressions the stored word.
func (rt *Runtime) Elem(container, index Word) (Word, error) {
	if !IsBoxed(index) {
		return 0, fmt.Errorf("%w: index is not a boxed integer", ErrBadKind)
	}
	i := int(Unbox(index))

	obj, err := rt.Lookup(container)
	if err != nil {
		return 0, err
	}
	switch obj.Kind {
	case KindString:
		if i < 0 || i >= len(obj.Bytes) {
			return 0, fmt.Errorf("%w: %d of string length %d", ErrIndexOutOfRange, i, len(obj.Bytes))
		}
		return Box(int32(obj.Bytes[i])), nil
	case KindArray, KindSexp:
		if i < 0 || i >= len(obj.Fields) {
			return 0, fmt.Errorf("%w: %d of %s arity %d", ErrIndexOutOfRange, i, obj.Kind, len(obj.Fields))
		}
		return obj.Fields[i], nil
	}
	return 0, fmt.Errorf("%w: cannot index a %s", ErrBadKind, obj.Kind)
}

// StoreIndexed performs container[index] := value and returns value. When
// index is a reference object the container operand is ignored and the
// store goes through the reference instead; this is how an address produced
// by the load-address instruction is consumed.
func (rt *Runtime) StoreIndexed(value, index, container Word) (Word, error) {
	if IsHandle(index) {
		ref, err := rt.Lookup(index)
		if err != nil {
			return 0, err
		}
		if ref.Kind != KindRef {
			return 0, fmt.Errorf("%w: store target is a %s, not a ref", ErrBadKind, ref.Kind)
		}
		*ref.Slot = value
		return value, nil
	}
	if !IsBoxed(index) {
		return 0, fmt.Errorf("%w: index is neither boxed nor a ref", ErrBadKind)
	}
	i := int(Unbox(index))

	obj, err := rt.Lookup(container)
	if err != nil {
		return 0, err
	}
	switch obj.Kind {
	case KindString:
		if i < 0 || i >= len(obj.Bytes) {
			return 0, fmt.Errorf("%w: %d of string length %d", ErrIndexOutOfRange, i, len(obj.Bytes))
		}
		if !IsBoxed(value) {
			return 0, fmt.Errorf("%w: string element must be a boxed integer", ErrBadKind)
		}
		obj.Bytes[i] = byte(Unbox(value))
		return value, nil
	case KindArray, KindSexp:
		if i < 0 || i >= len(obj.Fields) {
			return 0, fmt.Errorf("%w: %d of %s arity %d", ErrIndexOutOfRange, i, obj.Kind, len(obj.Fields))
		}
		obj.Fields[i] = value
		return value, nil
	}
	return 0, fmt.Errorf("%w: cannot store into a %s", ErrBadKind, obj.Kind)
}

// Length returns the boxed element count of a string, array or
// s-expression.
func (rt *Runtime) Length(x Word) (Word, error) {
	obj, err := rt.Lookup(x)
	if err != nil {
		return 0, err
	}
	switch obj.Kind {
	case KindString:
		return Box(int32(len(obj.Bytes))), nil
	case KindArray, KindSexp:
		return Box(int32(len(obj.Fields))), nil
	}
	return 0, fmt.Errorf("%w: %s has no length", ErrBadKind, obj.Kind)
}

// ---------------------------------------------------------------------------
// Tag and pattern probes
// ---------------------------------------------------------------------------

// HasTag reports (boxed) whether x is an s-expression with the given tag
// hash and arity.
func (rt *Runtime) HasTag(x Word, hash int32, arity int) Word {
	obj, err := rt.Lookup(x)
	if err != nil {
		return Box(0)
	}
	return BoxBool(obj.Kind == KindSexp && obj.Tag == hash && len(obj.Fields) == arity)
}

// StringsEqual reports (boxed) whether x and y are strings with identical
// contents.
func (rt *Runtime) StringsEqual(x, y Word) Word {
	a, errA := rt.Lookup(x)
	b, errB := rt.Lookup(y)
	if errA != nil || errB != nil || a.Kind != KindString || b.Kind != KindString {
		return Box(0)
	}
	return BoxBool(string(a.Bytes) == string(b.Bytes))
}

// isKind is the shared shape probe behind the #string/#array/#sexp/#fun
// patterns.
func (rt *Runtime) isKind(x Word, k Kind) Word {
	obj, err := rt.Lookup(x)
	if err != nil {
		return Box(0)
	}
	return BoxBool(obj.Kind == k)
}

// IsString reports (boxed) whether x is a string object.
func (rt *Runtime) IsString(x Word) Word { return rt.isKind(x, KindString) }

// IsArray reports (boxed) whether x is an array object.
func (rt *Runtime) IsArray(x Word) Word { return rt.isKind(x, KindArray) }

// IsSexp reports (boxed) whether x is an s-expression object.
func (rt *Runtime) IsSexp(x Word) Word { return rt.isKind(x, KindSexp) }

// IsClosure reports (boxed) whether x is a closure object.
func (rt *Runtime) IsClosure(x Word) Word { return rt.isKind(x, KindClosure) }

// IsReference reports (boxed) whether x is any heap pointer.
func (rt *Runtime) IsReference(x Word) Word { return BoxBool(IsHandle(x)) }

// IsValue reports (boxed) whether x is a boxed integer.
func (rt *Runtime) IsValue(x Word) Word { return BoxBool(IsBoxed(x)) }

// ArrayHasSize reports (boxed) whether x is an array of exactly n elements.
func (rt *Runtime) ArrayHasSize(x Word, n int) Word {
	obj, err := rt.Lookup(x)
	if err != nil {
		return Box(0)
	}
	return BoxBool(obj.Kind == KindArray && len(obj.Fields) == n)
}

// ---------------------------------------------------------------------------
// Conversion and I/O
// ---------------------------------------------------------------------------

// Stringify returns a string object holding the printable form of x.
func (rt *Runtime) Stringify(x Word) (Word, error) {
	var sb strings.Builder
	if err := rt.writeValue(&sb, x, 0); err != nil {
		return 0, err
	}
	return rt.NewString([]byte(sb.String())), nil
}

// maxPrintDepth bounds recursion over data that references itself.
const maxPrintDepth = 64

func (rt *Runtime) writeValue(sb *strings.Builder, w Word, depth int) error {
	if depth > maxPrintDepth {
		sb.WriteString("...")
		return nil
	}
	if IsBoxed(w) {
		sb.WriteString(strconv.FormatInt(int64(Unbox(w)), 10))
		return nil
	}
	if w == 0 {
		sb.WriteString("<null>")
		return nil
	}
	obj, err := rt.Lookup(w)
	if err != nil {
		return err
	}
	switch obj.Kind {
	case KindString:
		sb.Write(obj.Bytes)
	case KindArray:
		sb.WriteByte('[')
		for i, f := range obj.Fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			if err := rt.writeValue(sb, f, depth+1); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case KindSexp:
		fmt.Fprintf(sb, "sexp<%d>", obj.Tag)
		if len(obj.Fields) > 0 {
			sb.WriteString(" (")
			for i, f := range obj.Fields {
				if i > 0 {
					sb.WriteString(", ")
				}
				if err := rt.writeValue(sb, f, depth+1); err != nil {
					return err
				}
			}
			sb.WriteByte(')')
		}
	case KindClosure:
		fmt.Fprintf(sb, "<closure %#x>", uint32(obj.Fields[0]))
	case KindRef:
		sb.WriteString("<ref>")
	}
	return nil
}

// Read reads one integer from the runtime's input, prompting first, and
// returns it boxed.
func (rt *Runtime) Read() (Word, error) {
	fmt.Fprint(rt.out, "> ")
	var v int32
	if _, err := fmt.Fscanf(rt.in, "%d", &v); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return Box(v), nil
}

// Write prints an integer followed by a newline and returns boxed zero.
func (rt *Runtime) Write(v int32) Word {
	fmt.Fprintf(rt.out, "%d\n", v)
	return Box(0)
}
