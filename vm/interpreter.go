package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/lamarun/heap"
)

// ---------------------------------------------------------------------------
// Interpreter: fetch/decode/execute over a loaded bytefile
// ---------------------------------------------------------------------------

// Verdict is a handler's judgement on how dispatch proceeds.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictStop
)

var (
	ErrDivisionByZero = errors.New("integer division by zero")
	ErrNotAnInteger   = errors.New("operand is not a boxed integer")
	ErrSti            = errors.New("non-used bytecode STI")
)

// Interpreter executes a loaded bytefile against a runtime. It is strictly
// single-threaded and non-reentrant: one Run per interpreter.
type Interpreter struct {
	bf *Bytefile
	st *Stack
	rt *heap.Runtime

	// A call site parks the return address and the closure-entered flag
	// here; the prologue at the call target consumes them.
	pendingRet     uint32
	pendingSet     bool
	pendingClosure bool

	prof  *Profiler
	trace bool
	log   commonlog.Logger
}

// NewInterpreter builds an interpreter for bf, sizing the stack from the
// bytefile's declared global area.
func NewInterpreter(bf *Bytefile, rt *heap.Runtime) (*Interpreter, error) {
	st, err := NewStack(bf.GlobalAreaSize, rt)
	if err != nil {
		return nil, err
	}
	return &Interpreter{
		bf:  bf,
		st:  st,
		rt:  rt,
		log: commonlog.GetLogger("lamarun.vm"),
	}, nil
}

// SetProfiler attaches an opcode profiler. Nil detaches.
func (i *Interpreter) SetProfiler(p *Profiler) {
	i.prof = p
}

// SetTrace enables per-instruction trace logging.
func (i *Interpreter) SetTrace(on bool) {
	i.trace = on
}

// Stack exposes the evaluation stack, mostly for tests and tooling.
func (i *Interpreter) Stack() *Stack {
	return i.st
}

// Run drives dispatch until the program halts or faults. The returned error
// is the final diagnostic; nil means the program ran to completion.
func (i *Interpreter) Run() error {
	defer i.st.Close()

	for {
		in, err := decodeNext(i.bf)
		if err != nil {
			return i.fault(in, err)
		}
		if i.prof != nil {
			i.prof.Record(in.Op)
		}
		if i.trace {
			i.log.Debugf("%#06x %s", in.Addr, formatInstr(in))
		}

		verdict, err := i.exec(in)
		if err != nil {
			return i.fault(in, err)
		}
		if verdict == VerdictStop {
			return nil
		}
	}
}

// fault builds the final diagnostic: the failing opcode's offset and name,
// plus the most recent source-line annotation when one was seen.
func (i *Interpreter) fault(in Instr, err error) error {
	where := "code without line information"
	if i.bf.FileLine != 0 {
		where = fmt.Sprintf("source line %d", i.bf.FileLine)
	}
	return fmt.Errorf("while interpreting %s at %#x (%s): %w", in.Op, in.Addr, where, err)
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func (i *Interpreter) exec(in Instr) (Verdict, error) {
	switch in.Op {
	case OpBinopAdd, OpBinopSub, OpBinopMul, OpBinopDiv, OpBinopRem,
		OpBinopLt, OpBinopLe, OpBinopGt, OpBinopGe, OpBinopEq, OpBinopNe,
		OpBinopAnd, OpBinopOr:
		return i.execBinop(in.binOp())

	case OpConst:
		return VerdictContinue, i.st.Push(heap.Box(in.SignedA()))

	case OpString:
		return VerdictContinue, i.st.Push(i.rt.NewString([]byte(in.Str)))

	case OpSexp:
		return i.execSexp(in.Str, in.B)

	case OpSti:
		return VerdictContinue, ErrSti

	case OpSta:
		return i.execSta()

	case OpJmp:
		if !i.bf.SetAddress(in.A) {
			return VerdictContinue, fmt.Errorf("cannot jump to address %#x: outside bytecode", in.A)
		}
		return VerdictContinue, nil

	case OpEnd, OpRet:
		retAddr, halted, err := i.st.Epilogue()
		if err != nil {
			return VerdictContinue, err
		}
		if halted {
			return VerdictStop, nil
		}
		if !i.bf.SetAddress(retAddr) {
			return VerdictContinue, fmt.Errorf("cannot return to address %#x: outside bytecode", retAddr)
		}
		return VerdictContinue, nil

	case OpDrop:
		_, err := i.st.Pop()
		return VerdictContinue, err

	case OpDup:
		top, err := i.st.Top()
		if err != nil {
			return VerdictContinue, err
		}
		return VerdictContinue, i.st.Push(top)

	case OpSwap:
		return i.execSwap()

	case OpElem:
		return i.execElem()

	case OpLdGlobal, OpLdLocal, OpLdArgument, OpLdCaptured:
		slot, err := i.st.Ref(in.varKind(), in.A)
		if err != nil {
			return VerdictContinue, err
		}
		return VerdictContinue, i.st.Push(*slot)

	case OpLdaGlobal, OpLdaLocal, OpLdaArgument, OpLdaCaptured:
		return i.execLda(in.varKind(), in.A)

	case OpStGlobal, OpStLocal, OpStArgument, OpStCaptured:
		slot, err := i.st.Ref(in.varKind(), in.A)
		if err != nil {
			return VerdictContinue, err
		}
		top, err := i.st.Top()
		if err != nil {
			return VerdictContinue, err
		}
		*slot = top
		return VerdictContinue, nil

	case OpCjmpZ, OpCjmpNz:
		return i.execCondJump(in)

	case OpBegin, OpCBegin:
		retAddr := haltAddr
		if i.pendingSet {
			retAddr = i.pendingRet
		}
		err := i.st.Prologue(i.pendingClosure, retAddr, in.A, in.B)
		i.pendingSet = false
		i.pendingClosure = false
		return VerdictContinue, err

	case OpClosure:
		return i.execClosure(in.A, in.Args)

	case OpCallC:
		return i.execCallClosure(in.A)

	case OpCall:
		return i.execCall(in.A, in.B)

	case OpTag:
		x, err := i.st.Pop()
		if err != nil {
			return VerdictContinue, err
		}
		return VerdictContinue, i.st.Push(i.rt.HasTag(x, i.rt.TagHash(in.Str), int(in.B)))

	case OpArray:
		x, err := i.st.Pop()
		if err != nil {
			return VerdictContinue, err
		}
		return VerdictContinue, i.st.Push(i.rt.ArrayHasSize(x, int(in.A)))

	case OpFail:
		return i.execFail()

	case OpLine:
		i.bf.FileLine = in.A
		return VerdictContinue, nil

	case OpPattStrCmp, OpPattString, OpPattArray, OpPattSexp, OpPattRef, OpPattVal, OpPattFun:
		return i.execPattern(in.pattern())

	case OpCallRead:
		v, err := i.rt.Read()
		if err != nil {
			return VerdictContinue, err
		}
		return VerdictContinue, i.st.Push(v)

	case OpCallWrite:
		v, err := i.popInt()
		if err != nil {
			return VerdictContinue, err
		}
		return VerdictContinue, i.st.Push(i.rt.Write(v))

	case OpCallLength:
		x, err := i.st.Pop()
		if err != nil {
			return VerdictContinue, err
		}
		n, err := i.rt.Length(x)
		if err != nil {
			return VerdictContinue, err
		}
		return VerdictContinue, i.st.Push(n)

	case OpCallString:
		x, err := i.st.Pop()
		if err != nil {
			return VerdictContinue, err
		}
		s, err := i.rt.Stringify(x)
		if err != nil {
			return VerdictContinue, err
		}
		return VerdictContinue, i.st.Push(s)

	case OpCallArray:
		return i.execBarray(in.A)
	}

	return VerdictContinue, fmt.Errorf("%w %#02x", ErrUnknownOpcode, byte(in.Op))
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// popInt pops the top and unboxes it, rejecting heap handles.
func (i *Interpreter) popInt() (int32, error) {
	w, err := i.st.Pop()
	if err != nil {
		return 0, err
	}
	if !heap.IsBoxed(w) {
		return 0, ErrNotAnInteger
	}
	return heap.Unbox(w), nil
}

func (i *Interpreter) execBinop(op BinOp) (Verdict, error) {
	if !i.st.CanPop(2) {
		return VerdictContinue, ErrStackUnderflow
	}

	// Equality compares words: on boxed integers that is value equality,
	// on handles it is object identity, which is what the compiler emits
	// it for.
	if op == BinEq || op == BinNe {
		rhs, _ := i.st.Pop()
		lhs, _ := i.st.Pop()
		return VerdictContinue, i.st.Push(heap.BoxBool((lhs == rhs) == (op == BinEq)))
	}

	rhs, err := i.popInt()
	if err != nil {
		return VerdictContinue, err
	}
	lhs, err := i.popInt()
	if err != nil {
		return VerdictContinue, err
	}

	var result int32
	switch op {
	case BinAdd:
		result = lhs + rhs
	case BinSub:
		result = lhs - rhs
	case BinMul:
		result = lhs * rhs
	case BinDiv:
		if rhs == 0 {
			return VerdictContinue, ErrDivisionByZero
		}
		result = lhs / rhs
	case BinRem:
		if rhs == 0 {
			return VerdictContinue, ErrDivisionByZero
		}
		result = lhs % rhs
	case BinLt:
		result = boolToInt(lhs < rhs)
	case BinLe:
		result = boolToInt(lhs <= rhs)
	case BinGt:
		result = boolToInt(lhs > rhs)
	case BinGe:
		result = boolToInt(lhs >= rhs)
	case BinAnd:
		result = boolToInt(lhs != 0 && rhs != 0)
	case BinOr:
		result = boolToInt(lhs != 0 || rhs != 0)
	default:
		return VerdictContinue, fmt.Errorf("unknown binary operation %#x", byte(op))
	}
	return VerdictContinue, i.st.Push(heap.Box(result))
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// execSexp allocates before popping: the operands stay on the stack, and
// therefore in the root set, across a possible collection.
func (i *Interpreter) execSexp(tag string, n uint32) (Verdict, error) {
	if !i.st.CanPop(int(n)) {
		return VerdictContinue, ErrStackUnderflow
	}
	h := i.rt.AllocSexp(int(n), i.rt.TagHash(tag))
	obj, err := i.rt.Lookup(h)
	if err != nil {
		return VerdictContinue, err
	}
	for k := int(n); k > 0; k-- {
		obj.Fields[k-1], _ = i.st.Pop()
	}
	return VerdictContinue, i.st.Push(h)
}

func (i *Interpreter) execBarray(n uint32) (Verdict, error) {
	if !i.st.CanPop(int(n)) {
		return VerdictContinue, ErrStackUnderflow
	}
	h := i.rt.AllocArray(int(n))
	obj, err := i.rt.Lookup(h)
	if err != nil {
		return VerdictContinue, err
	}
	for k := int(n); k > 0; k-- {
		obj.Fields[k-1], _ = i.st.Pop()
	}
	return VerdictContinue, i.st.Push(h)
}

func (i *Interpreter) execSta() (Verdict, error) {
	if !i.st.CanPop(3) {
		return VerdictContinue, ErrStackUnderflow
	}
	value, _ := i.st.Pop()
	index, _ := i.st.Pop()
	container, _ := i.st.Pop()

	result, err := i.rt.StoreIndexed(value, index, container)
	if err != nil {
		return VerdictContinue, err
	}
	return VerdictContinue, i.st.Push(result)
}

func (i *Interpreter) execElem() (Verdict, error) {
	if !i.st.CanPop(2) {
		return VerdictContinue, ErrStackUnderflow
	}
	index, _ := i.st.Pop()
	container, _ := i.st.Pop()

	elem, err := i.rt.Elem(container, index)
	if err != nil {
		return VerdictContinue, err
	}
	return VerdictContinue, i.st.Push(elem)
}

func (i *Interpreter) execSwap() (Verdict, error) {
	if !i.st.CanPop(2) {
		return VerdictContinue, ErrStackUnderflow
	}
	first, _ := i.st.Pop()
	second, _ := i.st.Pop()
	if err := i.st.Push(first); err != nil {
		return VerdictContinue, err
	}
	return VerdictContinue, i.st.Push(second)
}

// execLda pushes a reference object for the slot, twice: the store that
// consumes it takes the reference both as its index and as its container.
func (i *Interpreter) execLda(kind VarKind, index uint32) (Verdict, error) {
	slot, owner, err := i.st.RefWithOwner(kind, index)
	if err != nil {
		return VerdictContinue, err
	}
	if !i.st.CanPush(2) {
		return VerdictContinue, ErrStackOverflow
	}
	h := i.rt.NewRef(slot, owner)
	if err := i.st.Push(h); err != nil {
		return VerdictContinue, err
	}
	return VerdictContinue, i.st.Push(h)
}

func (i *Interpreter) execCondJump(in Instr) (Verdict, error) {
	v, err := i.popInt()
	if err != nil {
		return VerdictContinue, err
	}
	jump := v == 0
	if in.Op == OpCjmpNz {
		jump = v != 0
	}
	if jump && !i.bf.SetAddress(in.A) {
		return VerdictContinue, fmt.Errorf("cannot jump to address %#x: outside bytecode", in.A)
	}
	return VerdictContinue, nil
}

// execCall validates the target before touching the stack or the pending
// call state, so a bad call faults with the caller's frame intact. The
// cursor has already moved to the target when the BEGIN check fails.
func (i *Interpreter) execCall(target, nArgs uint32) (Verdict, error) {
	_ = nArgs // the callee's BEGIN carries the authoritative count

	returnTo := i.bf.Address()
	if !i.bf.SetAddress(target) {
		return VerdictContinue, fmt.Errorf("cannot call to address %#x: outside bytecode", target)
	}
	next, err := i.bf.PeekU8()
	if err != nil {
		return VerdictContinue, err
	}
	if Opcode(next) != OpBegin {
		return VerdictContinue, fmt.Errorf("cannot call to address %#x: next opcode is %s, not BEGIN", target, Opcode(next))
	}

	i.pendingRet = returnTo
	i.pendingSet = true
	i.pendingClosure = false
	return VerdictContinue, nil
}

func (i *Interpreter) execCallClosure(nArgs uint32) (Verdict, error) {
	_, target, err := i.st.ClosureTarget(nArgs)
	if err != nil {
		return VerdictContinue, err
	}

	returnTo := i.bf.Address()
	if !i.bf.SetAddress(target) {
		return VerdictContinue, fmt.Errorf("cannot call closure at address %#x: outside bytecode", target)
	}
	next, err := i.bf.PeekU8()
	if err != nil {
		return VerdictContinue, err
	}
	if Opcode(next) != OpBegin && Opcode(next) != OpCBegin {
		return VerdictContinue, fmt.Errorf("cannot call closure at address %#x: next opcode is %s, not BEGIN or CBEGIN", target, Opcode(next))
	}

	i.pendingRet = returnTo
	i.pendingSet = true
	i.pendingClosure = true
	return VerdictContinue, nil
}

// execClosure allocates first, then copies the captured values in: the
// allocation may collect, the capture sources are already rooted.
func (i *Interpreter) execClosure(addr uint32, args []ClosureArg) (Verdict, error) {
	h := i.rt.AllocClosure(len(args), addr)
	obj, err := i.rt.Lookup(h)
	if err != nil {
		return VerdictContinue, err
	}
	for k, a := range args {
		slot, err := i.st.Ref(a.Kind, a.Index)
		if err != nil {
			return VerdictContinue, err
		}
		obj.Fields[1+k] = *slot
	}
	return VerdictContinue, i.st.Push(h)
}

func (i *Interpreter) execPattern(p Pattern) (Verdict, error) {
	if p == PattStrCmp {
		if !i.st.CanPop(2) {
			return VerdictContinue, ErrStackUnderflow
		}
		x, _ := i.st.Pop()
		y, _ := i.st.Pop()
		return VerdictContinue, i.st.Push(i.rt.StringsEqual(x, y))
	}

	x, err := i.st.Pop()
	if err != nil {
		return VerdictContinue, err
	}
	var result heap.Word
	switch p {
	case PattString:
		result = i.rt.IsString(x)
	case PattArray:
		result = i.rt.IsArray(x)
	case PattSexp:
		result = i.rt.IsSexp(x)
	case PattRef:
		result = i.rt.IsReference(x)
	case PattVal:
		result = i.rt.IsValue(x)
	case PattFun:
		result = i.rt.IsClosure(x)
	default:
		return VerdictContinue, fmt.Errorf("unknown pattern kind %#x", byte(p))
	}
	return VerdictContinue, i.st.Push(result)
}

func (i *Interpreter) execFail() (Verdict, error) {
	if !i.st.CanPop(2) {
		return VerdictContinue, fmt.Errorf("%w: no operands for failure report", ErrStackUnderflow)
	}
	first, _ := i.st.Pop()
	second, _ := i.st.Pop()
	return VerdictContinue, fmt.Errorf("program-initiated failure: %s, %s", describeWord(first), describeWord(second))
}

// describeWord renders a word for diagnostics without touching the heap.
func describeWord(w heap.Word) string {
	if heap.IsBoxed(w) {
		return fmt.Sprintf("%d", heap.Unbox(w))
	}
	return fmt.Sprintf("object %#x", uint32(w))
}
