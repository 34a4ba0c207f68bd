/*
   Address translator and TLB: a software two-level page walk with a
   16-entry round-robin cache, access-rights enforcement, and fault
   generation.

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

// Package mmu implements the Sv32-style two-level page walk and its
// 16-entry TLB cache. Translation is bypassed entirely in Machine mode
// and whenever SATP.MODE selects bare addressing.
package mmu

import (
	"fmt"

	"github.com/rvsim/rv64core/csr"
	"github.com/rvsim/rv64core/memory"
)

// AccessType distinguishes the three ways a translation can be requested.
type AccessType int

const (
	AccessExec AccessType = iota
	AccessLoad
	AccessStore
)

// PageFault reports a translator rejection, carrying the faulting VA so
// the interpreter can set xTVAL and pick the matching architectural cause.
type PageFault struct {
	Access AccessType
	VA     uint64
}

func (e *PageFault) Error() string {
	return fmt.Sprintf("mmu: page fault (%v) at %#x", e.Access, e.VA)
}

// Cause maps the fault to its RISC-V exception cause number.
func (e *PageFault) Cause() uint64 {
	switch e.Access {
	case AccessExec:
		return 12
	case AccessStore:
		return 15
	default:
		return 13
	}
}

const tlbSize = 16

type tlbEntry struct {
	valid     bool
	tag       uint64 // VPN, or VPN[1] alone for a superpage
	superpage bool
	pa        uint64 // physical base this entry maps to (page- or superpage-aligned)
	readable  bool
	writable  bool
	execable  bool
	user      bool
	dirty     bool // whether the backing PTE's D bit is already set
}

// TLB is the per-hart translation cache, evicted round-robin.
type TLB struct {
	slots [tlbSize]tlbEntry
	next  int
}

// Flush invalidates every entry: called on SFENCE.VMA, SATP writes, and
// privilege-mode changes.
func (t *TLB) Flush() {
	for i := range t.slots {
		t.slots[i] = tlbEntry{}
	}
	t.next = 0
}

func (t *TLB) lookup(vpn, vpn1 uint64) (*tlbEntry, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.valid {
			continue
		}
		if s.superpage && s.tag == vpn1 {
			return s, true
		}
		if !s.superpage && s.tag == vpn {
			return s, true
		}
	}
	return nil, false
}

func (t *TLB) insert(e tlbEntry) {
	t.slots[t.next] = e
	t.next = (t.next + 1) % tlbSize
}

// Translator walks page tables for one hart, backed by shared physical Memory.
type Translator struct {
	mem *memory.Memory
	tlb TLB
}

// New creates a translator over the given physical memory.
func New(mem *memory.Memory) *Translator {
	return &Translator{mem: mem}
}

// Flush invalidates this hart's TLB.
func (tr *Translator) Flush() { tr.tlb.Flush() }

// pte decodes a 32-bit Sv32-style page-table entry.
type pte struct {
	v, r, w, x, u, g, a, d bool
	ppn0                   uint64 // bits[19:10], 10 bits
	ppn1                   uint64 // bits[31:20], 12 bits
}

func decodePTE(word uint32) pte {
	return pte{
		v:    word&0x1 != 0,
		r:    word&0x2 != 0,
		w:    word&0x4 != 0,
		x:    word&0x8 != 0,
		u:    word&0x10 != 0,
		g:    word&0x20 != 0,
		a:    word&0x40 != 0,
		d:    word&0x80 != 0,
		ppn0: uint64(word>>10) & 0x3FF,
		ppn1: uint64(word>>20) & 0xFFF,
	}
}

func (p pte) ppn() uint64 { return (p.ppn1 << 10) | p.ppn0 }

// Translate resolves va to a physical address for the given access type,
// enforcing Sv32-style permission checks under the hart's current privilege
// and mstatus.{MXR,SUM}. isAMO bypasses the TLB so AMO-observed permissions
// are always freshly walked, per spec.md §4.D.
func (tr *Translator) Translate(va uint64, acc AccessType, priv csr.Privilege, regs *csr.File, isAMO bool) (uint64, error) {
	ppn, _, mode := regs.Satp()
	if priv == csr.Machine || mode == 0 {
		return va, nil
	}

	vpn1 := (va >> 22) & 0x3FF
	vpn0 := (va >> 12) & 0x3FF
	offset := va & 0xFFF
	vpn := (vpn1 << 10) | vpn0

	mxr, sum := regs.MXR(), regs.SUM()

	if !isAMO {
		if e, ok := tr.tlb.lookup(vpn, vpn1); ok {
			if err := tr.checkPermission(e, acc, priv, mxr, sum, va); err != nil {
				return 0, err
			}
			if acc == AccessStore && !e.dirty {
				if err := tr.markDirty(va, ppn, vpn1, vpn0, e.superpage); err != nil {
					return 0, err
				}
				e.dirty = true
			}
			var pa uint64
			if e.superpage {
				pa = e.pa | (va & 0x3FFFFF)
			} else {
				pa = e.pa | offset
			}
			return pa, nil
		}
	}

	root := ppn << 12
	e1addr := root + 4*vpn1
	w1, err := tr.mem.ReadWord(e1addr)
	if err != nil {
		return 0, &PageFault{Access: acc, VA: va}
	}
	e1 := decodePTE(w1)
	if !e1.v || (!e1.r && e1.w) {
		return 0, &PageFault{Access: acc, VA: va}
	}

	var entry tlbEntry
	var finalPTEAddr uint64
	var final pte

	if e1.r || e1.x { // superpage leaf
		if e1.ppn0 != 0 {
			return 0, &PageFault{Access: acc, VA: va}
		}
		entry = tlbEntry{tag: vpn1, superpage: true, pa: e1.ppn1 << 22,
			readable: e1.r, writable: e1.w, execable: e1.x, user: e1.u, dirty: e1.d}
		finalPTEAddr, final = e1addr, e1
	} else {
		e0addr := (e1.ppn() << 12) + 4*vpn0
		w0, err := tr.mem.ReadWord(e0addr)
		if err != nil {
			return 0, &PageFault{Access: acc, VA: va}
		}
		e0 := decodePTE(w0)
		if !e0.v || (!e0.r && e0.w) {
			return 0, &PageFault{Access: acc, VA: va}
		}
		entry = tlbEntry{tag: vpn, superpage: false, pa: e0.ppn() << 12,
			readable: e0.r, writable: e0.w, execable: e0.x, user: e0.u, dirty: e0.d}
		finalPTEAddr, final = e0addr, e0
	}

	if err := tr.checkPermission(&entry, acc, priv, mxr, sum, va); err != nil {
		return 0, err
	}

	// Accessed/Dirty: set A always, D on a successful write, re-reading the
	// entry under the region lock and writing it back.
	needDirty := acc == AccessStore && !final.d
	if !final.a || needDirty {
		bits := uint32(0x40)
		if needDirty {
			bits |= 0x80
		}
		_, _ = tr.mem.AtomicWord(finalPTEAddr, memory.AMOOr, bits)
		entry.dirty = entry.dirty || needDirty
	}

	if !isAMO {
		tr.tlb.insert(entry)
	}

	var pa uint64
	if entry.superpage {
		pa = entry.pa | (va & 0x3FFFFF)
	} else {
		pa = entry.pa | offset
	}
	return pa, nil
}

func (tr *Translator) markDirty(va uint64, ppn, vpn1, vpn0 uint64, superpage bool) error {
	root := ppn << 12
	e1addr := root + 4*vpn1
	w1, err := tr.mem.ReadWord(e1addr)
	if err != nil {
		return err
	}
	addr := e1addr
	if !superpage {
		e1 := decodePTE(w1)
		addr = (e1.ppn() << 12) + 4*vpn0
		w1, err = tr.mem.ReadWord(addr)
		if err != nil {
			return err
		}
	}
	return tr.mem.WriteWord(addr, w1|0xC0)
}

func (tr *Translator) checkPermission(e *tlbEntry, acc AccessType, priv csr.Privilege, mxr, sum bool, va uint64) error {
	fault := func() error { return &PageFault{Access: acc, VA: va} }

	if e.user && priv == csr.Supervisor && acc != AccessExec && !sum {
		return fault()
	}
	if e.user && priv == csr.Supervisor && acc == AccessExec {
		return fault()
	}
	if !e.user && priv == csr.User {
		return fault()
	}

	switch acc {
	case AccessExec:
		if !e.execable {
			return fault()
		}
	case AccessLoad:
		if !e.readable && !(e.execable && mxr) {
			return fault()
		}
	case AccessStore:
		if !e.writable {
			return fault()
		}
	}
	return nil
}
