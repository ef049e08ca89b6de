package executor

import (
	"os"
	"testing"

	"github.com/taintlab/segrind/internal/constants"
	"github.com/taintlab/segrind/internal/hostapi"
	"github.com/taintlab/segrind/internal/ir"
	"github.com/taintlab/segrind/internal/iovec"
	"github.com/taintlab/segrind/internal/taint"
	"github.com/taintlab/segrind/internal/wire"
)

func newPipe(t *testing.T) (readFD, writeFD int, cleanup func()) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	return int(r.Fd()), int(w.Fd()), func() {
		r.Close()
		w.Close()
	}
}

func constExpr(v uintptr) *ir.Expr { return &ir.Expr{Kind: ir.ExprConst, ConstVal: v} }

func TestReplaceMainReference(t *testing.T) {
	host := hostapi.NewMockHost()
	ctx := NewContext(host, 1, -1, 0x1000, hostapi.Symbol{Name: "target", Addr: 0x2000, Size: 0x20}, false, iovec.New())
	rw := NewBlockRewriter(ctx)

	block := ir.Block{
		Start: 0x100,
		End:   0x110,
		Stmts: []ir.Stmt{
			{Kind: ir.StmtIMark, Addr: 0x100},
			{Kind: ir.StmtPut, PutOffset: 16, PutData: constExpr(0x1000)},
		},
	}

	out := rw.RewriteBlock(block)

	if !ctx.MainReplaced {
		t.Fatal("expected MainReplaced to be set after rewriting the main-address Put")
	}
	if out.Stmts[1].PutData.ConstVal != 0x2000 {
		t.Errorf("expected Put constant rewritten to target addr 0x2000, got 0x%x", out.Stmts[1].PutData.ConstVal)
	}
}

func TestJumpToTargetFunctionLoadsRegisterState(t *testing.T) {
	host := hostapi.NewMockHost()
	host.SetRegisters(1, hostapi.GuestState{Raw: make([]byte, 16)})

	iv := iovec.New()
	iv.InitialState.RegisterState = append(iv.InitialState.RegisterState, iovec.RegisterValue{
		GuestStateOffset: 8,
		Value:            0xdeadbeef,
	})

	ctx := NewContext(host, 1, -1, 0x1000, hostapi.Symbol{Name: "target", Addr: 0x2000, Size: 0x20}, false, iv)
	ctx.MainReplaced = true

	ctx.JumpToTargetFunction()

	if !ctx.TargetCalled {
		t.Fatal("expected TargetCalled to be set")
	}
	regs, err := host.ReadRegisters(1)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	var got uint64
	for i := 0; i < 8; i++ {
		got |= uint64(regs.Raw[8+i]) << (8 * i)
	}
	if got != 0xdeadbeef {
		t.Errorf("expected register offset 8 to hold 0xdeadbeef, got 0x%x", got)
	}
	if len(ctx.Trace) != 1 {
		t.Errorf("expected JumpToTargetFunction to record one trace entry, got %d", len(ctx.Trace))
	}
}

func TestRecordCurrentStateGatedOnPhases(t *testing.T) {
	host := hostapi.NewMockHost()
	ctx := NewContext(host, 1, -1, 0x1000, hostapi.Symbol{Name: "target", Addr: 0x2000, Size: 0x20}, false, iovec.New())

	ctx.RecordCurrentState(0x2004)
	if len(ctx.Trace) != 0 {
		t.Fatal("expected no recording before main is replaced and target called")
	}

	ctx.MainReplaced = true
	ctx.TargetCalled = true
	ctx.RecordCurrentState(0x2004)
	if len(ctx.Trace) != 1 {
		t.Fatalf("expected recording once both phases are active, got %d entries", len(ctx.Trace))
	}
}

func TestMaybeReportSuccessRecursionDecrements(t *testing.T) {
	host := hostapi.NewMockHost()
	host.SetRegisters(1, hostapi.GuestState{Raw: make([]byte, 16)})
	readFD, writeFD, cleanup := newPipe(t)
	defer cleanup()

	ctx := NewContext(host, 1, writeFD, 0x1000, hostapi.Symbol{Name: "target", Addr: 0x2000, Size: 0x20}, false, iovec.New())
	ctx.MainReplaced = true
	ctx.TargetCalled = true
	ctx.RecursiveCallCount = 1

	ctx.MaybeReportSuccess()
	if ctx.RecursiveCallCount != 0 {
		t.Fatalf("expected recursion count decremented to 0, got %d", ctx.RecursiveCallCount)
	}
	if !ctx.ClientRunning {
		t.Fatal("a recursive return should not end the client")
	}

	ctx.MaybeReportSuccess()
	if ctx.ClientRunning {
		t.Fatal("expected client to stop running after outermost return")
	}

	msg, err := wire.Read(readFD)
	if err != nil {
		t.Fatalf("wire.Read: %v", err)
	}
	if msg.Tag != constants.MsgOK {
		t.Errorf("expected OK message, got tag %v", msg.Tag)
	}
}

func TestHandleFaultRunsTaintEngine(t *testing.T) {
	host := hostapi.NewMockHost()
	readFD, writeFD, cleanup := newPipe(t)
	defer cleanup()

	iv := iovec.New()
	ctx := NewContext(host, 1, writeFD, 0x1000, hostapi.Symbol{Name: "target", Addr: 0x2000, Size: 0x20}, false, iv)
	ctx.MainReplaced = true
	ctx.TargetCalled = true

	const rdiOffset = 72
	// IMark(0x2000); t0 = Load(Get(rdi)); STORE(addr: t0) = 0; IMark(0x2008)
	// -- the faulting instruction lives at 0x2000, and the block was only
	// disassembled up to the sentinel boundary at 0x2008 where it faulted.
	block := ir.Block{
		Start: 0x2000,
		End:   0x2008,
		Stmts: []ir.Stmt{
			{Kind: ir.StmtIMark, Addr: 0x2000},
			{Kind: ir.StmtWrTmp, Tmp: 0, TmpData: &ir.Expr{
				Kind:     ir.ExprLoad,
				LoadAddr: &ir.Expr{Kind: ir.ExprGet, GetOffset: rdiOffset},
			}},
			{Kind: ir.StmtStore, StoreAddr: &ir.Expr{Kind: ir.ExprRdTmp, Tmp: 0}, StoreData: &ir.Expr{Kind: ir.ExprConst, ConstVal: 0}},
			{Kind: ir.StmtIMark, Addr: 0x2008},
		},
	}
	ctx.blocks[block.Start] = block
	ctx.Trace = append(ctx.Trace, taint.RecordedState{PC: 0x2000})

	ctx.HandleFault(11, 0x2008)

	if ctx.ClientRunning {
		t.Fatal("expected client to stop running after a fault")
	}

	msg, err := wire.Read(readFD)
	if err != nil {
		t.Fatalf("wire.Read: %v", err)
	}
	if msg.Tag != constants.MsgNewAlloc {
		t.Errorf("expected NEW_ALLOC message, got tag %v", msg.Tag)
	}
	if len(msg.Payload) == 0 {
		t.Error("expected a non-empty NEW_ALLOC payload naming the tainted register")
	}
}

func TestRunWiresHostCallbacks(t *testing.T) {
	host := hostapi.NewMockHost()
	host.SetRegisters(1, hostapi.GuestState{Raw: make([]byte, 16)})
	readFD, writeFD, cleanup := newPipe(t)
	defer cleanup()

	const mainAddr = 0x1000
	target := hostapi.Symbol{Name: "target", Addr: 0x2000, Size: 0x10}

	// Phase A block: a Put of the main-address constant at mainAddr.
	host.AddBlock(ir.Block{
		Start: mainAddr,
		End:   mainAddr + 8,
		Stmts: []ir.Stmt{
			{Kind: ir.StmtIMark, Addr: mainAddr},
			{Kind: ir.StmtPut, PutOffset: 16, PutData: constExpr(mainAddr)},
		},
	})
	// Phase B block: the target's entry IMark immediately followed by a
	// return, so instrumenting it fires JumpToTargetFunction then
	// MaybeReportSuccess in one pass.
	host.AddBlock(ir.Block{
		Start: target.Addr,
		End:   target.Addr + 4,
		Stmts: []ir.Stmt{
			{Kind: ir.StmtIMark, Addr: target.Addr},
			{Kind: ir.StmtExit, ExitJumpKind: ir.JumpRet},
		},
	})

	iv := iovec.New()
	if err := Run(host, 1, mainAddr, target, false, iv, writeFD); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := host.TranslateBlock(mainAddr); !ok {
		t.Fatal("expected mainAddr block to be registered")
	}
	if _, ok := host.TranslateBlock(target.Addr); !ok {
		t.Fatal("expected target block to be registered")
	}

	msg, err := wire.Read(readFD)
	if err != nil {
		t.Fatalf("wire.Read: %v", err)
	}
	if msg.Tag != constants.MsgOK {
		t.Errorf("expected OK after the target returned, got tag %v", msg.Tag)
	}

	if !host.RaiseFault(1, 11, 0xdead) {
		t.Fatal("expected Run to have installed a fault catcher")
	}
	if !host.ObserveSyscall(1, 39, [6]uintptr{}, true) {
		t.Fatal("expected Run to have installed a syscall hook")
	}
}

func TestObserveSyscallGatedOnTargetCalled(t *testing.T) {
	host := hostapi.NewMockHost()
	ctx := NewContext(host, 1, -1, 0x1000, hostapi.Symbol{Name: "target", Addr: 0x2000, Size: 0x20}, false, iovec.New())

	ctx.ObserveSyscall(1, true)
	if len(ctx.ObservedSyscalls) != 0 {
		t.Fatal("expected no syscalls observed before the target is called")
	}

	ctx.TargetCalled = true
	ctx.ObserveSyscall(1, true)
	if !ctx.ObservedSyscalls[1] {
		t.Fatal("expected syscall 1 recorded after the target is called")
	}
}
