// Package taint implements the backward taint-propagation analysis run
// when a fuzzed execution faults: starting from the faulting instruction
// and walking the recorded trace backward, it identifies which registers
// and temporaries the faulting access depended on. The result names those
// registers and temporaries only; it is not mapped back onto locations in
// the IOVec's initial input state. This is the Go-native equivalent of fix_address_space in se_main.c.
package taint

import "github.com/taintlab/segrind/internal/ir"

// RecordedState is one entry of the execution trace recorded while running
// the target: just the instruction pointer at each traced point, the only
// field fix_address_space actually reads off VexGuestArchState.
type RecordedState struct {
	PC uintptr
}

// Set tracks which register offsets and IR temporaries are currently
// considered tainted during the backward walk.
type Set struct {
	registers map[int]bool
	temps     map[ir.TempID]bool
}

func newSet() *Set {
	return &Set{registers: make(map[int]bool), temps: make(map[ir.TempID]bool)}
}

// Any reports whether any taint is currently held -- the original's
// taint_found().
func (s *Set) Any() bool {
	return len(s.registers) > 0 || len(s.temps) > 0
}

func (s *Set) regTainted(offset int) bool   { return s.registers[offset] }
func (s *Set) tempTainted(tmp ir.TempID) bool { return s.temps[tmp] }

func (s *Set) taintReg(offset int)   { s.registers[offset] = true }
func (s *Set) untaintReg(offset int) { delete(s.registers, offset) }
func (s *Set) taintTemp(tmp ir.TempID)   { s.temps[tmp] = true }
func (s *Set) untaintTemp(tmp ir.TempID) { delete(s.temps, tmp) }

// taintExpr marks every root (register Get, temp RdTmp) reachable within e
// as tainted, recursing through Load addresses and operator operands. A
// bare Load's own address expression is tainted too: knowing *that* a load
// happened is not enough, the engine also needs to track what it loaded
// from.
func (s *Set) taintExpr(e *ir.Expr) {
	if e == nil {
		return
	}
	switch e.Kind {
	case ir.ExprRdTmp:
		s.taintTemp(e.Tmp)
	case ir.ExprGet:
		s.taintReg(e.GetOffset)
	case ir.ExprLoad:
		s.taintExpr(e.LoadAddr)
	case ir.ExprOp:
		for _, a := range e.Args {
			s.taintExpr(a)
		}
	}
}

// isExprTainted reports whether any root within e is currently tainted.
func (s *Set) isExprTainted(e *ir.Expr) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ir.ExprRdTmp:
		return s.tempTainted(e.Tmp)
	case ir.ExprGet:
		return s.regTainted(e.GetOffset)
	case ir.ExprLoad:
		return s.isExprTainted(e.LoadAddr)
	case ir.ExprOp:
		for _, a := range e.Args {
			if s.isExprTainted(a) {
				return true
			}
		}
	}
	return false
}

// untaintExpr clears taint from every root within e that currently holds
// it.
func (s *Set) untaintExpr(e *ir.Expr) {
	if e == nil {
		return
	}
	switch e.Kind {
	case ir.ExprRdTmp:
		s.untaintTemp(e.Tmp)
	case ir.ExprGet:
		s.untaintReg(e.GetOffset)
	case ir.ExprLoad:
		s.untaintExpr(e.LoadAddr)
	case ir.ExprOp:
		for _, a := range e.Args {
			s.untaintExpr(a)
		}
	}
}

// TaintedRegisters returns the guest-state offsets currently tainted.
func (s *Set) TaintedRegisters() []int {
	out := make([]int, 0, len(s.registers))
	for r := range s.registers {
		out = append(out, r)
	}
	return out
}

// TaintedTemps returns the IR temporaries currently tainted.
func (s *Set) TaintedTemps() []ir.TempID {
	out := make([]ir.TempID, 0, len(s.temps))
	for t := range s.temps {
		out = append(out, t)
	}
	return out
}
