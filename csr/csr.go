/*
   CSR file and privileged-architecture state machine: register access
   filtering, privilege-level transitions, trap entry/return, and
   interrupt pending/enable/delegation.

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

// Package csr implements one hart's control-and-status register file and
// the privileged state machine layered on top of it: privilege-level
// checks, the mstatus/sstatus shared bitfields, trap entry and return,
// and interrupt delegation.
package csr

import (
	"errors"
	"sync"
)

// Privilege levels, numbered the way RISC-V encodes them in mstatus.MPP.
type Privilege uint8

const (
	User       Privilege = 0
	Supervisor Privilege = 1
	Machine    Privilege = 3
)

// ErrIllegal is returned for any access a guest is not entitled to: wrong
// privilege, or a write to a read-only CSR.
var ErrIllegal = errors.New("csr: illegal instruction")

// Well-known CSR addresses, per the privileged-spec subset this emulator
// implements (spec.md §3).
const (
	Fflags = 0x001
	Frm    = 0x002
	Fcsr   = 0x003

	Cycle   = 0xC00
	Time    = 0xC01
	Instret = 0xC02

	Sstatus   = 0x100
	Sie       = 0x104
	Stvec     = 0x105
	Sscratch  = 0x140
	Sepc      = 0x141
	Scause    = 0x142
	Stval     = 0x143
	Sip       = 0x144
	Satp      = 0x180

	Mvendorid  = 0xF11
	Marchid    = 0xF12
	Mimpid     = 0xF13
	Mhartid    = 0xF14
	Mconfigptr = 0xF15

	Mstatus = 0x300
	Misa    = 0x301
	Medeleg = 0x302
	Mideleg = 0x303
	Mie     = 0x304
	Mtvec   = 0x305
	Menvcfg = 0x30A

	Mscratch = 0x340
	Mepc     = 0x341
	Mcause   = 0x342
	Mtval    = 0x343
	Mip      = 0x344
	Mtinst   = 0x34A
	Mtval2   = 0x34B

	Mseccfg = 0x747

	Mcycle        = 0xB00
	Minstret      = 0xB02
	Mcountinhibit = 0x320

	pmpcfgBase  = 0x3A0
	pmpaddrBase = 0x3B0
	hpmeventBase   = 0x323
	hpmcounterBase = 0xB03
)

// mstatus bit positions (shared with sstatus where the writable mask allows).
const (
	bitSIE  = 1 << 1
	bitMIE  = 1 << 3
	bitSPIE = 1 << 5
	bitMPIE = 1 << 7
	bitSPP  = 1 << 8
	maskMPP = 3 << 11
	maskFS  = 3 << 13
	bitMPRV = 1 << 17
	bitSUM  = 1 << 18
	bitMXR  = 1 << 19

	mstatusWritableMask = bitSIE | bitMIE | bitSPIE | bitMPIE | bitSPP | maskMPP | maskFS | bitMPRV | bitSUM | bitMXR
	sstatusWritableMask = bitSIE | bitSPIE | bitSPP | maskFS | bitSUM | bitMXR
)

// mip/mie interrupt bit positions.
const (
	SSIP = 1 << 1
	MSIP = 1 << 3
	STIP = 1 << 5
	MTIP = 1 << 7
	SEIP = 1 << 9
	MEIP = 1 << 11

	sipVisibleMask = SSIP | STIP | SEIP
)

// Floating-point status field values (mstatus.FS).
const (
	FSOff     = 0
	FSInitial = 1
	FSClean   = 2
	FSDirty   = 3
)

// Standard interrupt cause numbers, highest priority first, matching the
// RISC-V privileged spec's fixed arbitration order.
var interruptPriority = []uint64{11, 3, 7, 9, 1, 5} // MEI, MSI, MTI, SEI, SSI, STI

// File is one hart's CSR file plus its current privilege level.
type File struct {
	mu   sync.Mutex
	regs map[uint16]uint64
	Priv Privilege
}

// New builds a CSR file reset to machine mode with the given hart id.
func New(hartID uint64) *File {
	f := &File{regs: make(map[uint16]uint64), Priv: Machine}
	f.regs[Mhartid] = hartID
	// I | M | A | F | D | S | U, plus the 64-bit width marker in bits[63:62].
	const extBits = (1 << ('I' - 'A')) | (1 << ('M' - 'A')) | (1 << ('A' - 'A')) |
		(1 << ('F' - 'A')) | (1 << ('D' - 'A')) | (1 << ('S' - 'A')) | (1 << ('U' - 'A'))
	f.regs[Misa] = (uint64(2) << 62) | extBits
	return f
}

// accessInfo decodes the privilege and read-only bits baked into a CSR
// address: bits[9:8] are the minimum privilege, bits[11:10] == 0b11 marks
// the CSR read-only.
func accessInfo(index uint16) (min Privilege, readOnly bool) {
	nibble := (index >> 8) & 0xF
	return Privilege(nibble & 0x3), (nibble>>2)&0x3 == 0x3
}

func (f *File) checkPrivilege(index uint16) error {
	min, _ := accessInfo(index)
	if f.Priv < min {
		return ErrIllegal
	}
	return nil
}

// Read returns a CSR's value, enforcing the privilege-level check.
func (f *File) Read(index uint16) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkPrivilege(index); err != nil {
		return 0, err
	}
	return f.readLocked(index), nil
}

func (f *File) readLocked(index uint16) uint64 {
	switch index {
	case Sstatus:
		return f.regs[Mstatus] & sstatusWritableMask
	case Sie:
		return f.regs[Mie] & sipVisibleMask
	case Sip:
		return f.regs[Mip] & sipVisibleMask
	}
	return f.regs[index]
}

// Write commits value to a CSR, enforcing privilege and read-only checks
// and masking mstatus/sstatus writes to their defined writable bits.
func (f *File) Write(index uint16, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkPrivilege(index); err != nil {
		return err
	}
	_, readOnly := accessInfo(index)
	if readOnly {
		return ErrIllegal
	}
	switch index {
	case Mstatus:
		f.regs[Mstatus] = (f.regs[Mstatus] &^ mstatusWritableMask) | (value & mstatusWritableMask)
	case Sstatus:
		f.regs[Mstatus] = (f.regs[Mstatus] &^ sstatusWritableMask) | (value & sstatusWritableMask)
	case Sie:
		f.regs[Mie] = (f.regs[Mie] &^ uint64(sipVisibleMask)) | (value & sipVisibleMask)
	case Sip:
		f.regs[Mip] = (f.regs[Mip] &^ uint64(sipVisibleMask)) | (value & sipVisibleMask)
	default:
		f.regs[index] = value
	}
	return nil
}

// RawRead/RawWrite bypass privilege checks for host-side bookkeeping
// (counters, CUST.MTRAP/STRAP, dump snapshots).
func (f *File) RawRead(index uint16) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(index)
}

func (f *File) RawWrite(index uint16, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[index] = value
}

// FS returns the current mstatus.FS field.
func (f *File) FS() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (f.regs[Mstatus] & maskFS) >> 13
}

// SetFS updates mstatus.FS, e.g. to Dirty after a successful F/D op.
func (f *File) SetFS(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[Mstatus] = (f.regs[Mstatus] &^ maskFS) | ((v << 13) & maskFS)
}

// MXR and SUM read the corresponding mstatus bits for the translator.
func (f *File) MXR() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.regs[Mstatus]&bitMXR != 0 }
func (f *File) SUM() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.regs[Mstatus]&bitSUM != 0 }

// Satp splits the SATP CSR into its PPN/ASID/MODE fields.
func (f *File) Satp() (ppn uint64, asid uint16, mode uint8) {
	v := f.RawRead(Satp)
	return v & 0x3FFFFF, uint16((v >> 22) & 0x1FF), uint8((v >> 31) & 0x1)
}

// RaiseInterrupt sets the pending bit for cause in mip.
func (f *File) RaiseInterrupt(cause uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[Mip] |= uint64(1) << cause
}

// ClearInterrupt clears the pending bit for cause in mip.
func (f *File) ClearInterrupt(cause uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[Mip] &^= uint64(1) << cause
}

// MipNonZero reports whether any interrupt is pending, the condition WFI parks on.
func (f *File) MipNonZero() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[Mip] != 0
}

// PendingInterrupt returns the highest-priority pending-and-enabled
// interrupt cause, filtered by current privilege and xSTATUS.xIE, per
// spec.md §4.C. ok is false when no trap should be taken.
func (f *File) PendingInterrupt() (cause uint64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := f.regs[Mip] & f.regs[Mie]
	if pending == 0 {
		return 0, false
	}
	mstatus := f.regs[Mstatus]
	mie := mstatus&bitMIE != 0
	sie := mstatus&bitSIE != 0

	for _, c := range interruptPriority {
		bit := uint64(1) << c
		if pending&bit == 0 {
			continue
		}
		delegated := f.regs[Mideleg]&bit != 0
		switch {
		case f.Priv == Machine:
			if mie {
				return c, true
			}
		case delegated && f.Priv <= Supervisor:
			if f.Priv < Supervisor || sie {
				return c, true
			}
		default:
			// Undelegated interrupts always go to M-mode, which always
			// takes priority over any S-mode handling while below M.
			if mie || f.Priv < Machine {
				return c, true
			}
		}
	}
	return 0, false
}

// TrapEntry implements spec.md §4.C "Traps — entry": delegation, state
// save, interrupt-enable push, and the new pc. tval is the fault value
// (faulting address/instruction, or 0). Returns the new pc.
func (f *File) TrapEntry(cause uint64, isInterrupt bool, tval, pcBefore uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	priv := f.Priv
	var delegated bool
	if isInterrupt {
		delegated = f.regs[Mideleg]&(uint64(1)<<cause) != 0
	} else {
		delegated = f.regs[Medeleg]&(uint64(1)<<cause) != 0
	}

	toSupervisor := delegated && priv <= Supervisor

	causeReg := cause
	if isInterrupt {
		causeReg |= uint64(1) << 63
	}

	mstatus := f.regs[Mstatus]
	if toSupervisor {
		f.regs[Sepc] = pcBefore
		f.regs[Scause] = causeReg
		f.regs[Stval] = tval
		spie := mstatus&bitSIE != 0
		mstatus = setBit(mstatus, bitSPIE, spie)
		mstatus = setBit(mstatus, bitSIE, false)
		mstatus = setSPP(mstatus, priv)
		f.Priv = Supervisor
		f.regs[Mstatus] = mstatus
		return f.trapTarget(f.regs[Stvec], cause, isInterrupt)
	}

	f.regs[Mepc] = pcBefore
	f.regs[Mcause] = causeReg
	f.regs[Mtval] = tval
	mpie := mstatus&bitMIE != 0
	mstatus = setBit(mstatus, bitMPIE, mpie)
	mstatus = setBit(mstatus, bitMIE, false)
	mstatus = setMPP(mstatus, priv)
	f.Priv = Machine
	f.regs[Mstatus] = mstatus
	return f.trapTarget(f.regs[Mtvec], cause, isInterrupt)
}

// ForceTrapEntry delivers a trap directly to mode, bypassing the
// medeleg/mideleg delegation computation TrapEntry performs. Used by
// CUST.MTRAP/CUST.STRAP, which let firmware exercise a specific handler
// without contriving a real delegated fault.
func (f *File) ForceTrapEntry(mode Privilege, cause uint64, tval, pcBefore uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	priv := f.Priv
	mstatus := f.regs[Mstatus]

	if mode == Supervisor {
		f.regs[Sepc] = pcBefore
		f.regs[Scause] = cause
		f.regs[Stval] = tval
		spie := mstatus&bitSIE != 0
		mstatus = setBit(mstatus, bitSPIE, spie)
		mstatus = setBit(mstatus, bitSIE, false)
		mstatus = setSPP(mstatus, priv)
		f.Priv = Supervisor
		f.regs[Mstatus] = mstatus
		return f.trapTarget(f.regs[Stvec], cause, false)
	}

	f.regs[Mepc] = pcBefore
	f.regs[Mcause] = cause
	f.regs[Mtval] = tval
	mpie := mstatus&bitMIE != 0
	mstatus = setBit(mstatus, bitMPIE, mpie)
	mstatus = setBit(mstatus, bitMIE, false)
	mstatus = setMPP(mstatus, priv)
	f.Priv = Machine
	f.regs[Mstatus] = mstatus
	return f.trapTarget(f.regs[Mtvec], cause, false)
}

func (f *File) trapTarget(tvec uint64, cause uint64, isInterrupt bool) uint64 {
	base := tvec &^ 0x3
	vectored := tvec&0x3 == 1
	if vectored && isInterrupt {
		return base + 4*cause
	}
	return base
}

// TrapReturn implements MRET/SRET: pop the interrupt-enable stack and
// report the pc to resume at. mode must be Machine or Supervisor.
func (f *File) TrapReturn(mode Privilege) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if mode == Machine {
		if f.Priv != Machine {
			return 0, ErrIllegal
		}
		mstatus := f.regs[Mstatus]
		mpie := mstatus&bitMPIE != 0
		mstatus = setBit(mstatus, bitMIE, mpie)
		mstatus = setBit(mstatus, bitMPIE, true)
		f.Priv = mppPriv(mstatus)
		mstatus = setMPP(mstatus, User)
		f.regs[Mstatus] = mstatus
		return f.regs[Mepc], nil
	}

	// SRET
	if f.Priv == User {
		return 0, ErrIllegal
	}
	mstatus := f.regs[Mstatus]
	spie := mstatus&bitSPIE != 0
	mstatus = setBit(mstatus, bitSIE, spie)
	mstatus = setBit(mstatus, bitSPIE, true)
	f.Priv = sppPriv(mstatus)
	mstatus = setSPP(mstatus, User)
	f.regs[Mstatus] = mstatus
	return f.regs[Sepc], nil
}

func setBit(v uint64, bit uint64, set bool) uint64 {
	if set {
		return v | bit
	}
	return v &^ bit
}

func setMPP(v uint64, p Privilege) uint64 {
	return (v &^ maskMPP) | (uint64(p) << 11 & maskMPP)
}

func mppPriv(v uint64) Privilege {
	return Privilege((v & maskMPP) >> 11)
}

func setSPP(v uint64, p Privilege) uint64 {
	spp := uint64(0)
	if p == Supervisor {
		spp = 1
	}
	return (v &^ bitSPP) | (spp << 8 & bitSPP)
}

func sppPriv(v uint64) Privilege {
	if v&bitSPP != 0 {
		return Supervisor
	}
	return User
}

// definedCSRs lists every index this emulator models, for Dump's benefit;
// pmpcfg/pmpaddr/hpm* ranges are enumerated separately since they're dense
// runs rather than individually named constants.
var definedCSRs = []uint16{
	Fflags, Frm, Fcsr, Cycle, Time, Instret,
	Sstatus, Sie, Stvec, Sscratch, Sepc, Scause, Stval, Sip, Satp,
	Mvendorid, Marchid, Mimpid, Mhartid, Mconfigptr,
	Mstatus, Misa, Medeleg, Mideleg, Mie, Mtvec, Menvcfg,
	Mscratch, Mepc, Mcause, Mtval, Mip, Mtinst, Mtval2, Mseccfg,
	Mcycle, Minstret, Mcountinhibit,
}

// Dump returns a snapshot of every defined CSR, keyed by address, for the
// debug console and VMException dump writer.
func (f *File) Dump() map[uint16]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint16]uint64, len(definedCSRs)+16)
	for _, idx := range definedCSRs {
		out[idx] = f.readLocked(idx)
	}
	for i := uint16(0); i < 16; i++ {
		out[pmpcfgBase+i] = f.regs[pmpcfgBase+i]
	}
	for i := uint16(0); i < 64; i++ {
		out[pmpaddrBase+i] = f.regs[pmpaddrBase+i]
	}
	for i := uint16(0); i < 29; i++ {
		out[hpmcounterBase+i] = f.regs[hpmcounterBase+i]
		out[hpmeventBase+i] = f.regs[hpmeventBase+i]
	}
	return out
}

// IsPMP reports whether index addresses a pmpcfg/pmpaddr register. PMP
// enforcement is a non-goal (spec.md §1); these registers are present and
// read/write but never consulted for access control.
func IsPMP(index uint16) bool {
	return (index >= pmpcfgBase && index < pmpcfgBase+16) || (index >= pmpaddrBase && index < pmpaddrBase+64)
}

// IsHPM reports whether index addresses an mhpmcounter/mhpmevent register.
func IsHPM(index uint16) bool {
	return (index >= hpmcounterBase && index < hpmcounterBase+29) || (index >= hpmeventBase && index < hpmeventBase+29)
}
