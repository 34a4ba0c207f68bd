/*
   Interpreter: per-hart register/FPU state, the fetch-decode-execute
   loop, and opcode dispatch.

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
*/

// Package hart implements one hart's register state and its
// fetch/decode/execute loop: the dispatch table keyed on decode.Variant
// stands in for a classic opcode-indexed function table, generalized from
// a fixed-width opcode byte to the decoder's tagged variant enum.
package hart

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rvsim/rv64core/csr"
	"github.com/rvsim/rv64core/decode"
	"github.com/rvsim/rv64core/memory"
	"github.com/rvsim/rv64core/mmu"
)

// ErrIllegalInstruction covers decode failure, privilege violation, an
// invalid rounding mode, and F/D execution while mstatus.FS == OFF.
var ErrIllegalInstruction = errors.New("hart: illegal instruction")

// ErrBreakpoint is raised by EBREAK.
var ErrBreakpoint = errors.New("hart: breakpoint")

// EnvCallLevel names the privilege an ECALL trapped from.
type EnvCallLevel int

const (
	EnvCallUser EnvCallLevel = iota
	EnvCallSupervisor
	EnvCallMachine
)

// EnvCallError is ECALL's trap cause, picked by current privilege.
type EnvCallError struct{ Level EnvCallLevel }

func (e *EnvCallError) Error() string { return fmt.Sprintf("hart: ecall from %v", e.Level) }

// VMException is an unrecoverable host-side interpreter fault, carrying a
// full dump snapshot for the host runtime to log and persist.
type VMException struct {
	HartID      uint64
	Regs        [32]uint64
	FRegs       [32]uint64
	CSR         map[uint16]uint64
	VirtualPC   uint64
	PhysicalPC  uint64
	PhysicalOK  bool
	Instruction uint32
	InstrOK     bool
	Cause       error
}

func (e *VMException) Error() string {
	return fmt.Sprintf("hart %d: unrecoverable fault at vpc=%#x: %v", e.HartID, e.VirtualPC, e.Cause)
}

func (e *VMException) Unwrap() error { return e.Cause }

// EcallHandler services one ecall number. a0-a7 convey arguments; the
// handler mutates regs/memory directly and sets the return value itself.
type EcallHandler func(h *Hart, mem *memory.Memory)

// Hart is one hardware thread: integer and floating-point register files,
// the program counter, a private CSR file and TLB-backed translator, and
// the run-state flags the owning system.Machine drives.
type Hart struct {
	id uint64

	mu      sync.Mutex
	regs    [32]uint64
	fregs   [32]uint64 // bit patterns; single-precision values are NaN-boxed per RISC-V convention
	isDoubleTag [32]bool // advisory only, drives display, never gates arithmetic
	pc      uint64

	CSR  *csr.File
	MMU  *mmu.Translator
	Mem  *memory.Memory

	running atomic.Bool
	paused  atomic.Bool

	breakpoints map[uint64]struct{}
	bpMu        sync.Mutex

	pauseOnBreak   bool
	pauseOnRestart bool

	Ecalls map[uint64]EcallHandler

	log *slog.Logger
}

// New builds a hart with id on top of shared Memory, not yet running.
func New(id uint64, mem *memory.Memory, ecalls map[uint64]EcallHandler, log *slog.Logger) *Hart {
	if log == nil {
		log = slog.Default()
	}
	h := &Hart{
		id:          id,
		CSR:         csr.New(id),
		MMU:         mmu.New(mem),
		Mem:         mem,
		breakpoints: make(map[uint64]struct{}),
		Ecalls:      ecalls,
		log:         log.With("hart", id),
	}
	return h
}

// ID returns the hart's stable mhartid.
func (h *Hart) ID() uint64 { return h.id }

// PC returns the current program counter.
func (h *Hart) PC() uint64 { h.mu.Lock(); defer h.mu.Unlock(); return h.pc }

// SetPauseOnBreak configures whether EBREAK additionally pauses the hart.
func (h *Hart) SetPauseOnBreak(v bool) { h.pauseOnBreak = v }

// SetPauseOnRestart configures whether Restart leaves the hart paused.
func (h *Hart) SetPauseOnRestart(v bool) { h.pauseOnRestart = v }

// Reg reads an integer register; x0 always reads zero.
func (h *Hart) Reg(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.regs[i]
}

// SetReg writes an integer register; writes to x0 are discarded.
func (h *Hart) SetReg(i uint32, v uint64) {
	if i == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs[i] = v
}

// RegW reads the low 32 bits of an integer register, sign-extended, the
// view W-suffixed instructions compute from.
func (h *Hart) RegW(i uint32) int32 { return int32(uint32(h.Reg(i))) }

// FReg reads a floating-point register's raw bit pattern.
func (h *Hart) FReg(i uint32) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fregs[i]
}

// SetFReg writes a floating-point register's raw bit pattern and records
// the advisory double/single display tag.
func (h *Hart) SetFReg(i uint32, v uint64, isDouble bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fregs[i] = v
	h.isDoubleTag[i] = isDouble
}

// Snapshot captures the debug-visible state for the dump writer and the
// console's `regs`/`mem` verbs.
type Snapshot struct {
	HartID uint64
	Regs   [32]uint64
	FRegs  [32]uint64
	CSR    map[uint16]uint64
	PC     uint64
	Paused bool
	Running bool
}

// Snapshot returns a point-in-time copy of this hart's visible state.
func (h *Hart) Snapshot() Snapshot {
	h.mu.Lock()
	s := Snapshot{HartID: h.id, Regs: h.regs, FRegs: h.fregs, PC: h.pc}
	h.mu.Unlock()
	s.Paused = h.paused.Load()
	s.Running = h.running.Load()
	s.CSR = h.CSR.Dump()
	return s
}

// Start flips the hart to running, in a fresh not-paused state, fetching
// at pc. Used for the boot hart; the start-CPU ecall goes through Restart.
func (h *Hart) Start(pc uint64) {
	h.mu.Lock()
	h.pc = pc
	h.mu.Unlock()
	h.paused.Store(false)
	h.running.Store(true)
}

// Restart resets derived state and jumps to pc. When sourceHart != this
// hart's id, the pc is pre-decremented by 4 so the first SingleStep lands
// exactly on the handoff instruction (SingleStep always advances pc by 4
// for a non-branching instruction; Restart's target is not "the next
// instruction after a branch", it's the literal landing instruction).
func (h *Hart) Restart(pc uint64, sourceHart uint64) {
	h.mu.Lock()
	if sourceHart != h.id {
		pc -= 4
	}
	h.pc = pc
	h.mu.Unlock()
	h.MMU.Flush()
	h.paused.Store(h.pauseOnRestart)
	h.running.Store(true)
}

// Stop terminates the interpreter loop after at most one more instruction boundary.
func (h *Hart) Stop() { h.running.Store(false) }

// Pause and Resume take effect at the next instruction boundary.
func (h *Hart) Pause()  { h.paused.Store(true) }
func (h *Hart) Resume() { h.paused.Store(false) }

func (h *Hart) IsRunning() bool { return h.running.Load() }
func (h *Hart) IsPaused() bool  { return h.paused.Load() }

// SetBreakpoint and ClearBreakpoint manage the per-hart address set.
func (h *Hart) SetBreakpoint(addr uint64) {
	h.bpMu.Lock()
	defer h.bpMu.Unlock()
	h.breakpoints[addr] = struct{}{}
}

func (h *Hart) ClearBreakpoint(addr uint64) {
	h.bpMu.Lock()
	defer h.bpMu.Unlock()
	delete(h.breakpoints, addr)
}

func (h *Hart) isBreakpoint(addr uint64) bool {
	h.bpMu.Lock()
	defer h.bpMu.Unlock()
	_, ok := h.breakpoints[addr]
	return ok
}

// Run drives the interpreter loop until Stop clears running. It is the
// body of the goroutine system.Machine.Boot spawns per hart.
func (h *Hart) Run() error {
	for h.running.Load() {
		if h.paused.Load() {
			runtime.Gosched()
			continue
		}
		if err := h.SingleStep(); err != nil {
			var vm *VMException
			if errors.As(err, &vm) {
				h.running.Store(false)
				return vm
			}
			// Architectural faults were already delivered as traps inside
			// SingleStep; anything else reaching here is a logic error.
		}
	}
	return nil
}

// Step performs up to n single steps, stopping early on pause or halt.
func (h *Hart) Step(n int) error {
	for i := 0; i < n; i++ {
		if !h.running.Load() || h.paused.Load() {
			return nil
		}
		if err := h.SingleStep(); err != nil {
			var vm *VMException
			if errors.As(err, &vm) {
				return vm
			}
		}
	}
	return nil
}

// SingleStep fetches, decodes, and executes one instruction, taking a
// trap instead when an interrupt is pending-and-enabled or a fault
// occurs along the way.
func (h *Hart) SingleStep() error {
	if cause, ok := h.CSR.PendingInterrupt(); ok {
		h.enterTrap(cause, true, 0)
		return nil
	}

	vpc := h.PC()
	if vpc%4 != 0 {
		h.enterTrap(0, false, vpc) // instruction-address-misaligned
		return nil
	}

	ppc, err := h.MMU.Translate(vpc, mmu.AccessExec, h.CSR.Priv, h.CSR, false)
	if err != nil {
		var pf *mmu.PageFault
		if errors.As(err, &pf) {
			h.enterTrap(pf.Cause(), false, vpc)
			return nil
		}
		return h.fault(vpc, false, 0, false, err)
	}

	word, err := h.Mem.ReadWord(ppc)
	if err != nil {
		if errors.Is(err, memory.ErrUnmapped) || errors.Is(err, memory.ErrNotReadable) || errors.Is(err, memory.ErrMisaligned) {
			h.enterTrap(12, false, vpc) // instruction access/page fault surface identically to the guest
			return nil
		}
		return h.fault(vpc, true, ppc, true, err)
	}

	if h.isBreakpoint(vpc) {
		h.paused.Store(true)
	}

	inst := decode.Decode(word)
	newPC, execErr := h.execute(inst, vpc)
	if execErr == nil {
		h.setPC(newPC)
		if h.CSR.RawRead(csr.Mcountinhibit)&0x1 == 0 {
			h.CSR.RawWrite(csr.Mcycle, h.CSR.RawRead(csr.Mcycle)+1)
		}
		if h.CSR.RawRead(csr.Mcountinhibit)&0x4 == 0 {
			h.CSR.RawWrite(csr.Minstret, h.CSR.RawRead(csr.Minstret)+1)
		}
		return nil
	}

	var pf *mmu.PageFault
	var env *EnvCallError
	switch {
	case errors.As(execErr, &pf):
		h.enterTrap(pf.Cause(), false, pf.VA)
	case errors.As(execErr, &env):
		h.enterTrap(envCallCause(env.Level), false, 0)
	case errors.Is(execErr, ErrIllegalInstruction):
		h.enterTrap(2, false, uint64(word))
	case errors.Is(execErr, ErrBreakpoint):
		h.enterTrap(3, false, 0)
		if h.pauseOnBreak {
			h.paused.Store(true)
		}
	case errors.Is(execErr, errWFIParked):
		// handled inline by opWfi; nothing further to do this step.
	default:
		return h.fault(vpc, true, ppc, true, execErr)
	}
	return nil
}

func envCallCause(l EnvCallLevel) uint64 {
	switch l {
	case EnvCallUser:
		return 8
	case EnvCallSupervisor:
		return 9
	default:
		return 11
	}
}

func (h *Hart) enterTrap(cause uint64, isInterrupt bool, tval uint64) {
	pc := h.PC()
	newPC := h.CSR.TrapEntry(cause, isInterrupt, tval, pc)
	h.setPC(newPC)
	h.MMU.Flush()
}

func (h *Hart) setPC(pc uint64) {
	h.mu.Lock()
	h.pc = pc
	h.mu.Unlock()
}

func (h *Hart) fault(vpc uint64, haveP bool, ppc uint64, instrOK bool, cause error) error {
	h.mu.Lock()
	regs := h.regs
	fregs := h.fregs
	h.mu.Unlock()
	return &VMException{
		HartID: h.id, Regs: regs, FRegs: fregs, CSR: h.CSR.Dump(),
		VirtualPC: vpc, PhysicalPC: ppc, PhysicalOK: haveP,
		InstrOK: instrOK, Cause: cause,
	}
}
