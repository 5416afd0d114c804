package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/lamarun/heap"
)

// ---------------------------------------------------------------------------
// Stack Error Types
// ---------------------------------------------------------------------------

var (
	ErrStackOverflow  = errors.New("cannot allocate enough memory on stack: overflow")
	ErrStackUnderflow = errors.New("cannot allocate enough memory on stack: underflow")
	ErrBadReference   = errors.New("cannot take reference")
	ErrNotInClosure   = errors.New("captured variable accessed outside a closure frame")
)

// MaxStackWords is the fixed capacity of the value stack backing array.
const MaxStackWords = 100_000

// bootArgs is the argument count of the bootstrap frame; the program entry
// is entered as if called with two arguments, both boxed zero.
const bootArgs = 2

// haltAddr is the return-address sentinel of the bootstrap frame. An
// epilogue that restores it has unwound the whole program.
const haltAddr = ^uint32(0)

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// frame is the shadow record of one activation. Return addresses and saved
// base pointers live here, in an array the collector never scans, so every
// word on the value stack is either a boxed integer or a heap handle.
type frame struct {
	retAddr      uint32
	savedBP      int
	savedNArgs   int
	savedNLocals int
	isClosure    bool
}

// ---------------------------------------------------------------------------
// Stack: value stack + shadow frame stack
// ---------------------------------------------------------------------------

// Stack owns the value stack and the shadow frame records. While alive it
// publishes its live word region to the runtime as the collector's root
// set; Close withdraws the registration.
//
// Layout, growing upward:
//
//	data[0 .. globals-1]   global area, boxed zero at start
//	data[globals ..]       bootstrap arguments, then per-frame regions:
//	                       [closure?] args... locals... seat operands...
//
// bp is the index of the current frame's first local. Arguments sit
// immediately below bp; for closure-entered frames the closure handle sits
// below the arguments.
type Stack struct {
	data    []heap.Word
	sp      int
	bp      int
	nArgs   int
	nLocals int
	globals int

	frames []frame

	rt *heap.Runtime
}

// NewStack builds the stack for a program with the given global area size,
// seeds the bootstrap frame state, and publishes the root region to rt.
func NewStack(globalAreaSize uint32, rt *heap.Runtime) (*Stack, error) {
	if uint64(globalAreaSize)+bootArgs > MaxStackWords {
		return nil, fmt.Errorf("%w: global area of %d words", ErrStackOverflow, globalAreaSize)
	}

	s := &Stack{
		data:    make([]heap.Word, MaxStackWords),
		globals: int(globalAreaSize),
		nArgs:   bootArgs,
		rt:      rt,
	}
	for i := 0; i < s.globals+bootArgs; i++ {
		s.data[i] = heap.Box(0)
	}
	s.sp = s.globals + bootArgs
	s.bp = s.sp

	// The sentinel frame: restoring its return address means the program
	// has unwound completely.
	s.frames = []frame{{retAddr: haltAddr, savedBP: s.bp, savedNArgs: bootArgs}}

	rt.PublishRoots(func() []heap.Word { return s.data[:s.sp] })
	return s, nil
}

// Close withdraws the root region from the runtime.
func (s *Stack) Close() {
	s.rt.ClearRoots()
}

// ---------------------------------------------------------------------------
// Primitive operations
// ---------------------------------------------------------------------------

// CanPush reports whether n more words fit.
func (s *Stack) CanPush(n int) bool {
	return s.sp+n <= len(s.data)
}

// CanPop reports whether n words can be popped without crossing into the
// global area.
func (s *Stack) CanPop(n int) bool {
	return s.sp-n >= s.globals
}

// Push appends v.
func (s *Stack) Push(v heap.Word) error {
	if !s.CanPush(1) {
		return ErrStackOverflow
	}
	s.data[s.sp] = v
	s.sp++
	return nil
}

// Pop removes and returns the top word.
func (s *Stack) Pop() (heap.Word, error) {
	if !s.CanPop(1) {
		return 0, ErrStackUnderflow
	}
	s.sp--
	return s.data[s.sp], nil
}

// Top returns the top word without removing it.
func (s *Stack) Top() (heap.Word, error) {
	if !s.CanPop(1) {
		return 0, ErrStackUnderflow
	}
	return s.data[s.sp-1], nil
}

// Depth returns the number of live words above the global area.
func (s *Stack) Depth() int {
	return s.sp - s.globals
}

// FrameDepth returns the number of live frames, sentinel included.
func (s *Stack) FrameDepth() int {
	return len(s.frames)
}

// ---------------------------------------------------------------------------
// Reference resolution
// ---------------------------------------------------------------------------

// Ref resolves a variable reference to the word slot that backs it.
func (s *Stack) Ref(kind VarKind, index uint32) (*heap.Word, error) {
	slot, _, err := s.RefWithOwner(kind, index)
	return slot, err
}

// RefWithOwner resolves a variable reference and additionally returns the
// handle of the heap object owning the slot (zero for stack slots). The
// owner is what a reference object must keep alive.
func (s *Stack) RefWithOwner(kind VarKind, index uint32) (*heap.Word, heap.Word, error) {
	switch kind {
	case VarGlobal:
		if index > uint32(s.globals) {
			return nil, 0, fmt.Errorf("%w to global %d: global area has %d slots", ErrBadReference, index, s.globals)
		}
		return &s.data[index], 0, nil
	case VarLocal:
		if index >= uint32(s.nLocals) {
			return nil, 0, fmt.Errorf("%w to local %d: frame has %d locals", ErrBadReference, index, s.nLocals)
		}
		return &s.data[s.bp+int(index)], 0, nil
	case VarArgument:
		if index >= uint32(s.nArgs) {
			return nil, 0, fmt.Errorf("%w to argument %d: frame has %d arguments", ErrBadReference, index, s.nArgs)
		}
		return &s.data[s.bp-s.nArgs+int(index)], 0, nil
	case VarCaptured:
		obj, handle, err := s.currentClosure()
		if err != nil {
			return nil, 0, err
		}
		if int(index)+1 >= len(obj.Fields) {
			return nil, 0, fmt.Errorf("%w to captured %d: closure captures %d values", ErrBadReference, index, len(obj.Fields)-1)
		}
		return &obj.Fields[1+index], handle, nil
	}
	return nil, 0, fmt.Errorf("%w: unknown variable kind %d", ErrBadReference, kind)
}

// currentClosure returns the closure object of the current frame. The
// handle sits on the value stack just below the arguments.
func (s *Stack) currentClosure() (*heap.Object, heap.Word, error) {
	if !s.frames[len(s.frames)-1].isClosure {
		return nil, 0, ErrNotInClosure
	}
	handle := s.data[s.bp-s.nArgs-1]
	obj, err := s.rt.Lookup(handle)
	if err != nil {
		return nil, 0, err
	}
	if obj.Kind != heap.KindClosure {
		return nil, 0, fmt.Errorf("%w: closure slot holds a %s", ErrBadReference, obj.Kind)
	}
	return obj, handle, nil
}

// ClosureTarget reads the closure sitting below nArgs pushed arguments and
// returns its handle and raw code offset, without disturbing the stack.
func (s *Stack) ClosureTarget(nArgs uint32) (heap.Word, uint32, error) {
	idx := s.sp - int(nArgs) - 1
	if idx < s.globals {
		return 0, 0, ErrStackUnderflow
	}
	handle := s.data[idx]
	obj, err := s.rt.Lookup(handle)
	if err != nil {
		return 0, 0, fmt.Errorf("callee is not a closure: %w", err)
	}
	if obj.Kind != heap.KindClosure {
		return 0, 0, fmt.Errorf("callee is a %s, not a closure", obj.Kind)
	}
	return handle, uint32(obj.Fields[0]), nil
}

// ---------------------------------------------------------------------------
// Prologue / epilogue
// ---------------------------------------------------------------------------

// Prologue enters a new frame: records the caller's state in a shadow
// frame, rebases bp, and reserves the locals plus the return-value seat,
// all boxed zero. The zero fill is mandatory: a collection between here and
// the first store must see classifiable words in every reserved slot.
func (s *Stack) Prologue(isClosure bool, retAddr uint32, newNArgs, newNLocals uint32) error {
	if !s.CanPush(int(newNLocals) + 1) {
		return ErrStackOverflow
	}
	s.frames = append(s.frames, frame{
		retAddr:      retAddr,
		savedBP:      s.bp,
		savedNArgs:   s.nArgs,
		savedNLocals: s.nLocals,
		isClosure:    isClosure,
	})
	s.nArgs = int(newNArgs)
	s.nLocals = int(newNLocals)
	s.bp = s.sp
	for i := 0; i <= int(newNLocals); i++ {
		s.data[s.sp] = heap.Box(0)
		s.sp++
	}
	return nil
}

// Epilogue leaves the current frame: captures the top as the return value,
// discards locals, arguments and (for closure-entered frames) the closure
// slot, restores the caller's state and pushes the return value. It reports
// halted when the sentinel frame was reached.
func (s *Stack) Epilogue() (retAddr uint32, halted bool, err error) {
	if len(s.frames) == 1 {
		return 0, true, nil
	}

	retval, err := s.Pop()
	if err != nil {
		return 0, false, err
	}

	f := s.frames[len(s.frames)-1]
	newSP := s.bp - s.nArgs
	if f.isClosure {
		newSP--
	}
	if newSP < s.globals {
		return 0, false, ErrStackUnderflow
	}

	s.sp = newSP
	s.bp = f.savedBP
	s.nArgs = f.savedNArgs
	s.nLocals = f.savedNLocals
	s.frames = s.frames[:len(s.frames)-1]

	s.data[s.sp] = retval
	s.sp++

	return f.retAddr, f.retAddr == haltAddr, nil
}
