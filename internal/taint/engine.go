package taint

import (
	"fmt"

	"github.com/taintlab/segrind/internal/ir"
)

// BlockLookup resolves the PC of a recorded trace point to the basic block
// that contains it, the Go-native equivalent of consulting irsb_ranges and
// re-disassembling via SE_DISASM_TO_IR.
type BlockLookup func(pc uintptr) (ir.Block, bool)

// Result is the outcome of a completed backward taint walk: the registers
// and temporaries implicated in the fault, available for the caller to
// resolve back to IOVec input locations.
type Result struct {
	Registers []int
	Temps     []ir.TempID
}

// Engine runs the backward taint-propagation walk described in
// fix_address_space.
type Engine struct {
	// InstructionPointerOffset is the guest-state offset of the
	// architecture's program counter; Put statements targeting it are
	// skipped, matching the VG_O_INSTR_PTR check.
	InstructionPointerOffset int
}

// Propagate walks trace backward from its last entry (the faulting
// instruction) and returns which registers and temporaries the fault
// depended on. lookup supplies the reconstructed basic block for a given
// PC; trace must be non-empty.
//
// The walk mirrors fix_address_space statement-for-statement, including
// its retaint-and-restart rule: when a WrTmp statement discovers that a
// temp freshly holds tainted data (the temp itself wasn't tainted, but its
// assigned expression is), the engine un-taints the expression, taints the
// temp instead, and restarts the inner statement loop from the top of the
// current block rather than continuing backward -- because that temp may
// be read earlier in the very same block, and the simple single backward
// pass would otherwise miss it. This is implemented as an explicit index
// reset on the statement loop, not recursion, so the restart is cheap and
// bounded by the block's own statement count.
func (e *Engine) Propagate(trace []RecordedState, lookup BlockLookup) (Result, error) {
	if len(trace) == 0 {
		return Result{}, fmt.Errorf("taint: empty trace")
	}

	taint := newSet()
	faultingAddr := trace[len(trace)-1].PC

	foundFaultingAddr := false
	inFirstBlock := true
	stmtIdx := len(trace)

	idx := len(trace) - 1
	for idx >= 0 {
		pc := trace[idx].PC
		block, ok := lookup(pc)
		if !ok {
			return Result{}, fmt.Errorf("taint: no block found containing pc 0x%x", pc)
		}

		bbIdx := idx - 1
		for bbIdx >= 0 && trace[bbIdx].PC >= block.Start && trace[bbIdx].PC <= block.End {
			bbIdx--
		}

		origStmtIdx := stmtIdx
		stmts := block.Stmts

		for i := len(stmts) - 1; i >= 0; i-- {
			stmt := stmts[i]
			taintFound := taint.Any()

			switch stmt.Kind {
			case ir.StmtIMark:
				stmtIdx--
				if !foundFaultingAddr && stmt.Addr == faultingAddr {
					foundFaultingAddr = true
				}
				continue

			case ir.StmtStore:
				if foundFaultingAddr {
					if !taintFound {
						taint.taintExpr(stmt.StoreAddr)
					} else if taint.isExprTainted(stmt.StoreAddr) && !taint.isExprTainted(stmt.StoreData) {
						taint.untaintExpr(stmt.StoreAddr)
						taint.taintExpr(stmt.StoreData)
					}
				}
				continue

			case ir.StmtPut:
				if stmt.PutOffset == e.InstructionPointerOffset {
					continue
				}
				if foundFaultingAddr {
					data := stmt.PutData
					if !taintFound {
						if data.ContainsLoad() {
							taint.taintExpr(data)
						}
					} else if taint.regTainted(stmt.PutOffset) && !taint.isExprTainted(data) {
						taint.untaintReg(stmt.PutOffset)
						taint.taintExpr(data)
					}
				}
				continue

			case ir.StmtWrTmp:
				if foundFaultingAddr {
					data := stmt.TmpData
					if !taintFound {
						if data.ContainsLoad() {
							taint.taintExpr(data)
						}
					} else if taint.tempTainted(stmt.Tmp) && !taint.isExprTainted(data) {
						taint.untaintTemp(stmt.Tmp)
						taint.taintExpr(data)
					} else if !taint.tempTainted(stmt.Tmp) && taint.isExprTainted(data) {
						// A temporary has just been assigned a tainted value;
						// restart the statement walk from the top of this
						// (reconstructed) block so an earlier read of this
						// temp is also seen.
						taint.untaintExpr(data)
						taint.taintTemp(stmt.Tmp)
						stmtIdx = origStmtIdx
						i = len(stmts)
						foundFaultingAddr = !inFirstBlock
					}
				}
				continue

			default:
				continue
			}
		}

		idx = bbIdx
		inFirstBlock = false
		stmtIdx = idx
	}

	if !taint.Any() {
		return Result{}, fmt.Errorf("taint: walk completed with no tainted locations")
	}

	return Result{Registers: taint.TaintedRegisters(), Temps: taint.TaintedTemps()}, nil
}
