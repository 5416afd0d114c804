package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/lamarun/heap"
)

// ---------------------------------------------------------------------------
// Test Helpers: Building and running programs
// ---------------------------------------------------------------------------

// buildProgram assembles a bytefile from a pool/code recipe.
func buildProgram(t *testing.T, globals uint32, emit func(img *testImageBuilder, c *BytecodeBuilder)) *Bytefile {
	t.Helper()
	img := newTestImageBuilder()
	img.globals = globals
	c := NewBytecodeBuilder()
	emit(img, c)

	bf, err := FromBytes(img.build(c.Bytes()))
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	return bf
}

// runProgram executes a built program with the given stdin and returns its
// stdout, the run error, and the interpreter for post-mortem assertions.
func runProgram(t *testing.T, bf *Bytefile, stdin string) (string, error, *Interpreter) {
	t.Helper()
	rt := heap.NewRuntime()
	var out bytes.Buffer
	rt.SetOutput(&out)
	rt.SetInput(strings.NewReader(stdin))

	interp, err := NewInterpreter(bf, rt)
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}
	runErr := interp.Run()
	return out.String(), runErr, interp
}

// run is the common case: build, execute, expect success, compare stdout.
func run(t *testing.T, globals uint32, want string, emit func(img *testImageBuilder, c *BytecodeBuilder)) *Interpreter {
	t.Helper()
	out, err, interp := runProgram(t, buildProgram(t, globals, emit), "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != want {
		t.Fatalf("stdout = %q, want %q", out, want)
	}
	return interp
}

// runExpectError builds and executes, expecting a diagnostic whose text
// contains every given fragment.
func runExpectError(t *testing.T, globals uint32, fragments []string, emit func(img *testImageBuilder, c *BytecodeBuilder)) {
	t.Helper()
	_, err, _ := runProgram(t, buildProgram(t, globals, emit), "")
	if err == nil {
		t.Fatal("Run succeeded, want a diagnostic")
	}
	for _, f := range fragments {
		if !strings.Contains(err.Error(), f) {
			t.Errorf("diagnostic %q does not mention %q", err, f)
		}
	}
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestConstAndWrite(t *testing.T) {
	interp := run(t, 0, "42\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 42)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})

	// The program unwound completely: only the sentinel frame remains.
	if interp.Stack().FrameDepth() != 1 {
		t.Errorf("FrameDepth = %d after halt", interp.Stack().FrameDepth())
	}
}

func TestArithmetic(t *testing.T) {
	run(t, 0, "2\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 7)
		c.EmitI32(OpConst, 5)
		c.Emit(OpBinopSub)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestNegativeArithmetic(t *testing.T) {
	run(t, 0, "-35\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, -7)
		c.EmitI32(OpConst, 5)
		c.Emit(OpBinopMul)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestLocalStoreLoad(t *testing.T) {
	run(t, 0, "18\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 9)
		c.EmitU32(OpStLocal, 0)
		c.EmitU32(OpLdLocal, 0)
		c.EmitU32(OpLdLocal, 0)
		c.Emit(OpBinopAdd)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestGlobalStoreLoad(t *testing.T) {
	run(t, 2, "11\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 11)
		c.EmitU32(OpStGlobal, 1)
		c.Emit(OpDrop)
		c.EmitU32(OpLdGlobal, 1)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

// ---------------------------------------------------------------------------
// Stack shuffling identities
// ---------------------------------------------------------------------------

func TestDupThenDropIsIdentity(t *testing.T) {
	run(t, 0, "5\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 5)
		c.Emit(OpDup)
		c.Emit(OpDrop)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestSwapTwiceIsIdentity(t *testing.T) {
	run(t, 0, "-1\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 1)
		c.EmitI32(OpConst, 2)
		c.Emit(OpSwap)
		c.Emit(OpSwap)
		c.Emit(OpBinopSub) // 1 - 2
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestSwap(t *testing.T) {
	run(t, 0, "1\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 1)
		c.EmitI32(OpConst, 2)
		c.Emit(OpSwap)
		c.Emit(OpBinopSub) // 2 - 1
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

// emitConditional builds the shared shape of the conditional scenarios:
// jump to the second arm when the condition meets the opcode's sense.
func emitConditional(cond int32, op Opcode) func(img *testImageBuilder, c *BytecodeBuilder) {
	return func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, cond)
		patchAt := c.Len() + 1
		c.EmitU32(op, 0) // patched below
		c.EmitI32(OpConst, 1)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
		c.PatchU32(patchAt, uint32(c.Len()))
		c.EmitI32(OpConst, 2)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	}
}

func TestCondJumpZeroTaken(t *testing.T) {
	run(t, 0, "2\n", emitConditional(0, OpCjmpZ))
}

func TestCondJumpZeroFallsThrough(t *testing.T) {
	run(t, 0, "1\n", emitConditional(1, OpCjmpZ))
}

func TestCondJumpNonZeroTaken(t *testing.T) {
	run(t, 0, "2\n", emitConditional(1, OpCjmpNz))
}

func TestCondJumpNonZeroFallsThrough(t *testing.T) {
	run(t, 0, "1\n", emitConditional(0, OpCjmpNz))
}

func TestUnconditionalJump(t *testing.T) {
	run(t, 0, "3\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		patchAt := c.Len() + 1
		c.EmitU32(OpJmp, 0) // patched below
		c.EmitI32(OpConst, 9)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
		c.PatchU32(patchAt, uint32(c.Len()))
		c.EmitI32(OpConst, 3)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestLoopCountsDown(t *testing.T) {
	// One local counts 3,2,1; each iteration prints it.
	run(t, 0, "3\n2\n1\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 3)
		c.EmitU32(OpStLocal, 0)
		c.Emit(OpDrop)
		loop := uint32(c.Len())
		c.EmitU32(OpLdLocal, 0)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.EmitU32(OpLdLocal, 0)
		c.EmitI32(OpConst, 1)
		c.Emit(OpBinopSub)
		c.EmitU32(OpStLocal, 0)
		c.EmitU32(OpCjmpNz, loop)
		c.Emit(OpEnd)
	})
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func TestCallAddsArguments(t *testing.T) {
	run(t, 0, "7\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 3)
		c.EmitI32(OpConst, 4)
		patchAt := c.Len() + 1
		c.Emit2(OpCall, 0, 2) // target patched below
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)

		c.PatchU32(patchAt, uint32(c.Len()))
		c.Emit2(OpBegin, 2, 0)
		c.EmitU32(OpLdArgument, 0)
		c.EmitU32(OpLdArgument, 1)
		c.Emit(OpBinopAdd)
		c.Emit(OpEnd)
	})
}

func TestRecursiveCallUnwinds(t *testing.T) {
	run(t, 0, "0\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 5)
		callAt := c.Len() + 1
		c.Emit2(OpCall, 0, 1) // f, patched below
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)

		f := uint32(c.Len())
		c.PatchU32(callAt, f)
		c.Emit2(OpBegin, 1, 0)
		c.EmitU32(OpLdArgument, 0)
		recAt := c.Len() + 1
		c.EmitU32(OpCjmpNz, 0) // patched below
		c.EmitI32(OpConst, 0)
		c.Emit(OpEnd)
		c.PatchU32(recAt, uint32(c.Len()))
		c.EmitU32(OpLdArgument, 0)
		c.EmitI32(OpConst, 1)
		c.Emit(OpBinopSub)
		c.Emit2(OpCall, f, 1)
		c.Emit(OpEnd)
	})
}

func TestRetBehavesLikeEnd(t *testing.T) {
	run(t, 0, "7\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 7)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpRet)
	})
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

func TestClosureCapturesLocal(t *testing.T) {
	run(t, 0, "15\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 10)
		c.EmitU32(OpStLocal, 0)
		c.Emit(OpDrop)
		cloAt := c.Len() + 1
		c.EmitClosure(0, []ClosureArg{{VarLocal, 0}}) // target patched below
		c.EmitI32(OpConst, 5)
		c.EmitU32(OpCallC, 1)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)

		c.PatchU32(cloAt, uint32(c.Len()))
		c.Emit2(OpCBegin, 1, 0)
		c.EmitU32(OpLdArgument, 0)
		c.EmitU32(OpLdCaptured, 0)
		c.Emit(OpBinopAdd)
		c.Emit(OpEnd)
	})
}

func TestClosureCaptureIsByValue(t *testing.T) {
	// Mutating the local after closure creation must not affect the
	// captured copy.
	run(t, 0, "15\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 10)
		c.EmitU32(OpStLocal, 0)
		c.Emit(OpDrop)
		cloAt := c.Len() + 1
		c.EmitClosure(0, []ClosureArg{{VarLocal, 0}})
		c.EmitI32(OpConst, 99)
		c.EmitU32(OpStLocal, 0)
		c.Emit(OpDrop)
		c.EmitI32(OpConst, 5)
		c.EmitU32(OpCallC, 1)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)

		c.PatchU32(cloAt, uint32(c.Len()))
		c.Emit2(OpCBegin, 1, 0)
		c.EmitU32(OpLdArgument, 0)
		c.EmitU32(OpLdCaptured, 0)
		c.Emit(OpBinopAdd)
		c.Emit(OpEnd)
	})
}

// ---------------------------------------------------------------------------
// Heap data: strings, arrays, s-expressions, patterns
// ---------------------------------------------------------------------------

func TestStringLengthAndElem(t *testing.T) {
	run(t, 0, "5\n104\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		off := img.addString("hello")
		c.Emit2(OpBegin, 2, 0)
		c.EmitU32(OpString, off)
		c.Emit(OpDup)
		c.Emit(OpCallLength)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.EmitI32(OpConst, 0)
		c.Emit(OpElem) // 'h' = 104
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestArrayBuildElemAndStore(t *testing.T) {
	run(t, 0, "20\n99\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 10)
		c.EmitI32(OpConst, 20)
		c.EmitU32(OpCallArray, 2)
		c.EmitU32(OpStLocal, 0)
		c.Emit(OpDrop)

		// array[1] is 20
		c.EmitU32(OpLdLocal, 0)
		c.EmitI32(OpConst, 1)
		c.Emit(OpElem)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)

		// array[0] := 99, STA pushes the stored value back
		c.EmitU32(OpLdLocal, 0)
		c.EmitI32(OpConst, 0)
		c.EmitI32(OpConst, 99)
		c.Emit(OpSta)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestSexpAndTagProbe(t *testing.T) {
	run(t, 0, "1\n0\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		cons := img.addString("cons")
		nilT := img.addString("nil")
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 1)
		c.EmitI32(OpConst, 2)
		c.Emit2(OpSexp, cons, 2)
		c.EmitU32(OpStLocal, 0)
		c.Emit(OpDrop)

		c.EmitU32(OpLdLocal, 0)
		c.Emit2(OpTag, cons, 2)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)

		c.EmitU32(OpLdLocal, 0)
		c.Emit2(OpTag, nilT, 2)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestSexpElemOrder(t *testing.T) {
	// The topmost popped value lands in the last slot.
	run(t, 0, "1\n2\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		cons := img.addString("cons")
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 1)
		c.EmitI32(OpConst, 2)
		c.Emit2(OpSexp, cons, 2)
		c.EmitU32(OpStLocal, 0)
		c.Emit(OpDrop)

		for idx := int32(0); idx < 2; idx++ {
			c.EmitU32(OpLdLocal, 0)
			c.EmitI32(OpConst, idx)
			c.Emit(OpElem)
			c.Emit(OpCallWrite)
			c.Emit(OpDrop)
		}
		c.Emit(OpEnd)
	})
}

func TestPatternProbes(t *testing.T) {
	run(t, 0, "1\n0\n1\n1\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		off := img.addString("abc")
		c.Emit2(OpBegin, 2, 0)

		c.EmitU32(OpString, off)
		c.Emit(OpPattString)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)

		c.EmitI32(OpConst, 3)
		c.Emit(OpPattString)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)

		c.EmitI32(OpConst, 3)
		c.Emit(OpPattVal)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)

		c.EmitU32(OpString, off)
		c.EmitU32(OpString, off)
		c.Emit(OpPattStrCmp)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)

		c.Emit(OpEnd)
	})
}

func TestArraySizeProbe(t *testing.T) {
	run(t, 0, "1\n0\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 1)
		c.EmitI32(OpConst, 2)
		c.EmitU32(OpCallArray, 2)
		c.EmitU32(OpStLocal, 0)

		c.EmitU32(OpArray, 2)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)

		c.EmitU32(OpLdLocal, 0)
		c.EmitU32(OpArray, 3)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestLdaThenStaStoresThroughReference(t *testing.T) {
	run(t, 0, "31\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 1)
		c.EmitU32(OpLdaLocal, 0)
		c.EmitI32(OpConst, 31)
		c.Emit(OpSta)
		c.Emit(OpDrop)
		c.EmitU32(OpLdLocal, 0)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestLstringOfInteger(t *testing.T) {
	// Lstring(-3) is "-3"; its length is 2.
	run(t, 0, "2\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, -3)
		c.Emit(OpCallString)
		c.Emit(OpCallLength)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

func TestLread(t *testing.T) {
	bf := buildProgram(t, 0, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.Emit(OpCallRead)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
	out, err, _ := runProgram(t, bf, "7\n")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "> 7\n" {
		t.Fatalf("stdout = %q", out)
	}
}

// ---------------------------------------------------------------------------
// Boundary behaviours
// ---------------------------------------------------------------------------

func TestEmptyProgramHaltsThroughSentinel(t *testing.T) {
	interp := run(t, 0, "", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 0, 0)
		c.Emit(OpEnd)
	})
	top, err := interp.Stack().Top()
	if err != nil {
		t.Fatalf("Top failed: %v", err)
	}
	if top != heap.Box(0) {
		t.Errorf("program result = %#x, want boxed zero", uint32(top))
	}
}

func TestLineIsANoOp(t *testing.T) {
	run(t, 0, "4\n", func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitU32(OpLine, 12)
		c.EmitI32(OpConst, 4)
		c.EmitU32(OpLine, 13)
		c.Emit(OpCallWrite)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})
}

// ---------------------------------------------------------------------------
// Negative cases
// ---------------------------------------------------------------------------

func TestStiIsFatal(t *testing.T) {
	runExpectError(t, 0, []string{"STI"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.Emit(OpSti)
		c.Emit(OpEnd)
	})
}

func TestJumpOutsideBytecode(t *testing.T) {
	runExpectError(t, 0, []string{"outside bytecode"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitU32(OpJmp, 0x4000)
		c.Emit(OpEnd)
	})
}

func TestArithmeticUnderflow(t *testing.T) {
	runExpectError(t, 0, []string{"underflow"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.Emit(OpDrop)
		c.Emit(OpDrop)
		c.Emit(OpDrop)
		c.Emit(OpBinopAdd)
		c.Emit(OpEnd)
	})
}

func TestCallToNonBegin(t *testing.T) {
	runExpectError(t, 0, []string{"not BEGIN"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		target := uint32(c.Len() + 9) // the CONST below, not a BEGIN
		c.Emit2(OpCall, target, 0)
		c.EmitI32(OpConst, 1)
		c.Emit(OpEnd)
	})
}

func TestCallOutsideBytecode(t *testing.T) {
	runExpectError(t, 0, []string{"outside bytecode"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.Emit2(OpCall, 0x9999, 0)
		c.Emit(OpEnd)
	})
}

func TestCallClosureOnNonClosure(t *testing.T) {
	runExpectError(t, 0, []string{"not a closure"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 1)
		c.EmitI32(OpConst, 2)
		c.EmitU32(OpCallC, 1)
		c.Emit(OpEnd)
	})
}

func TestUnknownOpcode(t *testing.T) {
	runExpectError(t, 0, []string{"unknown opcode"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.Emit(Opcode(0xEE))
		c.Emit(OpEnd)
	})
}

func TestDivisionByZero(t *testing.T) {
	runExpectError(t, 0, []string{"division by zero"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 1)
		c.EmitI32(OpConst, 0)
		c.Emit(OpBinopDiv)
		c.Emit(OpEnd)
	})
}

func TestFailAborts(t *testing.T) {
	runExpectError(t, 0, []string{"failure"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 3)
		c.EmitI32(OpConst, 4)
		c.Emit(OpFail)
	})
}

func TestDiagnosticCarriesLineAnnotation(t *testing.T) {
	runExpectError(t, 0, []string{"source line 21", "STI"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitU32(OpLine, 21)
		c.Emit(OpSti)
	})
}

func TestOutOfRangeLocalReference(t *testing.T) {
	runExpectError(t, 0, []string{"local"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 1)
		c.EmitU32(OpLdLocal, 4)
		c.Emit(OpEnd)
	})
}

func TestTruncatedImmediateIsADecodeError(t *testing.T) {
	runExpectError(t, 0, []string{"end of bytecode"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.Emit(OpConst) // immediate missing
	})
}

func TestDeepRecursionOverflows(t *testing.T) {
	runExpectError(t, 0, []string{"overflow"}, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 1)
		callAt := c.Len() + 1
		c.Emit2(OpCall, 0, 1)
		c.Emit(OpEnd)

		f := uint32(c.Len())
		c.PatchU32(callAt, f)
		c.Emit2(OpBegin, 1, 0)
		c.EmitU32(OpLdArgument, 0)
		c.Emit2(OpCall, f, 1)
		c.Emit(OpEnd)
	})
}

// ---------------------------------------------------------------------------
// Collection during execution
// ---------------------------------------------------------------------------

func TestAllocationHeavyLoopIsCollected(t *testing.T) {
	bf := buildProgram(t, 0, func(img *testImageBuilder, c *BytecodeBuilder) {
		off := img.addString("garbage")
		c.Emit2(OpBegin, 2, 1)
		c.EmitI32(OpConst, 300)
		c.EmitU32(OpStLocal, 0)
		c.Emit(OpDrop)
		loop := uint32(c.Len())
		c.EmitU32(OpString, off)
		c.Emit(OpDrop)
		c.EmitU32(OpLdLocal, 0)
		c.EmitI32(OpConst, 1)
		c.Emit(OpBinopSub)
		c.EmitU32(OpStLocal, 0)
		c.EmitU32(OpCjmpNz, loop)
		c.Emit(OpEnd)
	})

	rt := heap.NewRuntime()
	rt.SetOutput(&bytes.Buffer{})
	rt.SetGCThreshold(32)

	interp, err := NewInterpreter(bf, rt)
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}
	if err := interp.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stats := rt.Stats()
	if stats.Collections == 0 {
		t.Fatal("the loop allocated 300 strings but never collected")
	}
	if rt.Live() > 64 {
		t.Errorf("garbage survived: %d live objects", rt.Live())
	}
}

// ---------------------------------------------------------------------------
// Profiler integration
// ---------------------------------------------------------------------------

func TestProfilerCountsDispatches(t *testing.T) {
	bf := buildProgram(t, 0, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.EmitI32(OpConst, 1)
		c.EmitI32(OpConst, 2)
		c.Emit(OpBinopAdd)
		c.Emit(OpDrop)
		c.Emit(OpEnd)
	})

	rt := heap.NewRuntime()
	rt.SetOutput(&bytes.Buffer{})
	interp, err := NewInterpreter(bf, rt)
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}
	prof := NewProfiler()
	interp.SetProfiler(prof)

	if err := interp.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if prof.Total() != 6 {
		t.Errorf("Total = %d, want 6", prof.Total())
	}
	if prof.Count(OpConst) != 2 {
		t.Errorf("CONST count = %d", prof.Count(OpConst))
	}
	if prof.Counts()["BINOP +"] != 1 {
		t.Errorf("Counts() = %v", prof.Counts())
	}
}

func TestDiagnosticWrapsSentinelErrors(t *testing.T) {
	_, err, _ := runProgram(t, buildProgram(t, 0, func(img *testImageBuilder, c *BytecodeBuilder) {
		c.Emit2(OpBegin, 2, 0)
		c.Emit(OpSti)
	}), "")
	if !errors.Is(err, ErrSti) {
		t.Fatalf("diagnostic does not wrap the cause: %v", err)
	}
}
