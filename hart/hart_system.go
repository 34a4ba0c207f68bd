/*
   Zicsr, privileged, and emulator-custom instruction execution.

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

package hart

import (
	"errors"
	"runtime"

	"github.com/rvsim/rv64core/csr"
	"github.com/rvsim/rv64core/decode"
	"github.com/rvsim/rv64core/mmu"
)

// errWFIParked is a sentinel SingleStep recognizes to mean "WFI already
// handled pc/pause state for this step, do not also treat it as a fault".
var errWFIParked = errors.New("hart: wfi parked")

func opCSR(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	index := uint16(d.Imm)
	var operand uint64
	isImmediate := d.Variant == decode.Csrrwi || d.Variant == decode.Csrrsi || d.Variant == decode.Csrrci
	if isImmediate {
		operand = uint64(d.Rs1)
	} else {
		operand = h.Reg(d.Rs1)
	}

	// CSRRS/CSRRC(I) with rs1==x0 only reads, never writes; a read-only CSR
	// is therefore still legal to "touch" in that case.
	readOnlyWrite := d.Variant == decode.Csrrw || d.Variant == decode.Csrrwi || d.Rs1 != 0

	old, err := h.CSR.Read(index)
	if err != nil {
		return pc, ErrIllegalInstruction
	}

	if readOnlyWrite {
		var next uint64
		switch d.Variant {
		case decode.Csrrw, decode.Csrrwi:
			next = operand
		case decode.Csrrs, decode.Csrrsi:
			next = old | operand
		case decode.Csrrc, decode.Csrrci:
			next = old &^ operand
		}
		if err := h.CSR.Write(index, next); err != nil {
			return pc, ErrIllegalInstruction
		}
		if index == csr.Satp {
			h.MMU.Flush()
		}
	}
	h.SetReg(d.Rd, old)
	return pc + 4, nil
}

func opEcall(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if fn, ok := h.Ecalls[h.Reg(10)]; ok { // a0
		fn(h, h.Mem)
		return pc + 4, nil
	}
	var lvl EnvCallLevel
	switch h.CSR.Priv {
	case csr.User:
		lvl = EnvCallUser
	case csr.Supervisor:
		lvl = EnvCallSupervisor
	default:
		lvl = EnvCallMachine
	}
	return pc, &EnvCallError{Level: lvl}
}

func opEbreak(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	return pc, ErrBreakpoint
}

func opTrapReturn(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	mode := csr.Supervisor
	if d.Variant == decode.Mret {
		mode = csr.Machine
	}
	newPC, err := h.CSR.TrapReturn(mode)
	if err != nil {
		return pc, ErrIllegalInstruction
	}
	h.MMU.Flush()
	return newPC, nil
}

func opWfi(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	for h.IsRunning() && !h.CSR.MipNonZero() {
		// Parked; yields between polls so Stop/Pause still take effect at
		// the next instruction boundary without starving other harts.
		runtime.Gosched()
	}
	if cause, ok := h.CSR.PendingInterrupt(); ok {
		h.enterTrap(cause, true, 0)
		return pc, errWFIParked
	}
	return pc + 4, nil
}

func opSfenceVma(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	h.MMU.Flush()
	return pc + 4, nil
}

// opCustTva implements CUST.TVA rd, rs1: writes the translated physical
// address of rs1 into rd, with bit 0 set to indicate a faulting translation.
func opCustTva(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	va := h.Reg(d.Rs1)
	pa, err := h.MMU.Translate(va, mmu.AccessLoad, h.CSR.Priv, h.CSR, false)
	if err != nil {
		h.SetReg(d.Rd, 1)
	} else {
		h.SetReg(d.Rd, pa&^1)
	}
	return pc + 4, nil
}

// opCustTrap implements CUST.MTRAP/CUST.STRAP cause, pl: firmware-only
// instructions that synthesize a trap at the given level to exercise
// handlers without a real fault. rs1 carries the cause and rs2 the target
// privilege: 3 (M) delivers the trap to Machine mode, and any other value
// delivers it to Supervisor mode, for both the MTRAP and STRAP variants.
func opCustTrap(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	cause := h.Reg(d.Rs1)
	mode := csr.Supervisor
	if csr.Privilege(h.Reg(d.Rs2)) == csr.Machine {
		mode = csr.Machine
	}
	newPC := h.CSR.ForceTrapEntry(mode, cause, 0, pc)
	h.MMU.Flush()
	return newPC, nil
}
