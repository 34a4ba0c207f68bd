/*
   Ecall number to handler registry: console I/O, cross-hart start,
   topology queries, and guest-initiated exit.

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

package system

import (
	"github.com/rvsim/rv64core/hart"
	"github.com/rvsim/rv64core/memory"
)

// Ecall numbers, carried in a0 at ECALL. Defined by this host, not by
// any architectural standard; firmware and the guest agree on them by
// convention.
const (
	EcallConsoleWrite = 1
	EcallConsoleRead  = 2
	EcallStartCPU     = 3
	EcallGetCPUs      = 4
	EcallGetScreen    = 5
	EcallGetMemSize   = 6
	EcallExit         = 7
)

// ExitCode latches the first guest-requested exit status. It returns
// (0, false) until an exit ecall has fired.
func (m *Machine) ExitCode() (int64, bool) {
	v := m.exitCode.Load()
	if !m.exited.Load() {
		return 0, false
	}
	return v, true
}

func (m *Machine) buildEcallTable() map[uint64]hart.EcallHandler {
	return map[uint64]hart.EcallHandler{
		EcallConsoleWrite: m.ecallConsoleWrite,
		EcallConsoleRead:  m.ecallConsoleRead,
		EcallStartCPU:     m.ecallStartCPU,
		EcallGetCPUs:      m.ecallGetCPUs,
		EcallGetScreen:    m.ecallGetScreen,
		EcallGetMemSize:   m.ecallGetMemSize,
		EcallExit:         m.ecallExit,
	}
}

// ecallConsoleWrite: a1 = buffer VA, a2 = length.
func (m *Machine) ecallConsoleWrite(h *hart.Hart, mem *memory.Memory) {
	base, n := h.Reg(11), h.Reg(12)
	if m.console == nil || n == 0 {
		return
	}
	buf := make([]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := mem.ReadByte(base + i)
		if err != nil {
			break
		}
		buf = append(buf, b)
	}
	m.console.Write(buf)
}

// ecallConsoleRead: a1 = buffer VA, a2 = capacity; result length in a0.
func (m *Machine) ecallConsoleRead(h *hart.Hart, mem *memory.Memory) {
	base, capacity := h.Reg(11), h.Reg(12)
	if m.console == nil {
		h.SetReg(10, 0)
		return
	}
	line, err := m.console.ReadLine()
	if err != nil {
		h.SetReg(10, 0)
		return
	}
	n := uint64(len(line))
	if n > capacity {
		n = capacity
	}
	for i := uint64(0); i < n; i++ {
		if err := mem.WriteByte(base+i, line[i]); err != nil {
			n = i
			break
		}
	}
	h.SetReg(10, n)
}

// ecallStartCPU: a1 = target hart, a2 = entry pc. Translates into
// Restart(entry_pc, caller_hart) on the target.
func (m *Machine) ecallStartCPU(h *hart.Hart, mem *memory.Memory) {
	target, entry := h.Reg(11), h.Reg(12)
	t := m.Hart(target)
	if t == nil {
		h.SetReg(10, ^uint64(0))
		return
	}
	t.Restart(entry, h.ID())
	h.SetReg(10, 0)
}

// ecallGetCPUs: a1 = buffer VA to fill with hart ids, returns count in a0.
func (m *Machine) ecallGetCPUs(h *hart.Hart, mem *memory.Memory) {
	base := h.Reg(11)
	for i, other := range m.harts {
		if err := mem.WriteLong(base+uint64(i)*8, other.ID()); err != nil {
			break
		}
	}
	h.SetReg(10, uint64(len(m.harts)))
}

// ecallGetScreen packs width in a0, height in a1.
func (m *Machine) ecallGetScreen(h *hart.Hart, mem *memory.Memory) {
	w, ht, ok := mem.FramebufferSize()
	if !ok {
		h.SetReg(10, 0)
		h.SetReg(11, 0)
		return
	}
	h.SetReg(10, uint64(w))
	h.SetReg(11, uint64(ht))
}

// ecallGetMemSize returns the address-space bound in a0.
func (m *Machine) ecallGetMemSize(h *hart.Hart, mem *memory.Memory) {
	h.SetReg(10, mem.MaxAddress())
}

// ecallExit: a1 = status. Latches the first exit request and stops every
// hart; later calls are ignored.
func (m *Machine) ecallExit(h *hart.Hart, mem *memory.Memory) {
	if m.exited.CompareAndSwap(false, true) {
		m.exitCode.Store(int64(int32(h.Reg(11))))
		close(m.exitCh)
		go m.Stop()
	}
}
