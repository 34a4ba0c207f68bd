/*
   VMException dump file writer: a human-readable rendering of every
   hart's register, FPU, and CSR state plus the fault that ended it.

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
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/rvsim/rv64core/csr"
	"github.com/rvsim/rv64core/hart"
	hexfmt "github.com/rvsim/rv64core/util/hex"
)

// csrNames gives a mnemonic for every address Dump reports, falling back
// to the raw index when one isn't known (pmp/hpm banks).
var csrNames = map[uint16]string{
	csr.Fflags: "fflags", csr.Frm: "frm", csr.Fcsr: "fcsr",
	csr.Cycle: "cycle", csr.Time: "time", csr.Instret: "instret",
	csr.Sstatus: "sstatus", csr.Sie: "sie", csr.Stvec: "stvec",
	csr.Sscratch: "sscratch", csr.Sepc: "sepc", csr.Scause: "scause",
	csr.Stval: "stval", csr.Sip: "sip", csr.Satp: "satp",
	csr.Mstatus: "mstatus", csr.Misa: "misa", csr.Medeleg: "medeleg",
	csr.Mideleg: "mideleg", csr.Mie: "mie", csr.Mtvec: "mtvec",
	csr.Mscratch: "mscratch", csr.Mepc: "mepc", csr.Mcause: "mcause",
	csr.Mtval: "mtval", csr.Mip: "mip", csr.Mhartid: "mhartid",
	csr.Mcycle: "mcycle", csr.Minstret: "minstret",
	csr.Mvendorid: "mvendorid", csr.Marchid: "marchid", csr.Mimpid: "mimpid",
	csr.Mconfigptr: "mconfigptr", csr.Menvcfg: "menvcfg", csr.Mtinst: "mtinst",
	csr.Mtval2: "mtval2", csr.Mseccfg: "mseccfg", csr.Mcountinhibit: "mcountinhibit",
}

// WriteDump renders snaps (and, if present, the fault that ended the
// run) to w in the dump-file format: per hart, every integer register
// in hex and signed decimal, every FPU register in hex and float, every
// defined CSR by name, then the fault's virtual/physical PC, faulting
// instruction, and originating cause.
func WriteDump(w io.Writer, snaps []hart.Snapshot, fault *hart.VMException) error {
	var b strings.Builder
	for _, s := range snaps {
		fmt.Fprintf(&b, "=== hart %d ===\n", s.HartID)
		fmt.Fprintf(&b, "pc: ")
		hexfmt.FormatReg64(&b, s.PC)
		b.WriteByte('\n')
		fmt.Fprintf(&b, "running=%v paused=%v\n", s.Running, s.Paused)

		b.WriteString("-- integer registers --\n")
		for i, v := range s.Regs {
			fmt.Fprintf(&b, "x%-2d ", i)
			hexfmt.FormatReg64(&b, v)
			b.WriteByte('\n')
		}

		b.WriteString("-- fpu registers --\n")
		for i, v := range s.FRegs {
			fmt.Fprintf(&b, "f%-2d ", i)
			hexfmt.FormatFloat64(&b, v, math.Float64frombits(v))
			b.WriteByte('\n')
		}

		b.WriteString("-- csrs --\n")
		for addr, v := range s.CSR {
			name, ok := csrNames[addr]
			if !ok {
				name = fmt.Sprintf("csr%#x", addr)
			}
			fmt.Fprintf(&b, "%-10s (%#05x) ", name, addr)
			hexfmt.FormatReg64(&b, v)
			b.WriteByte('\n')
		}
	}

	if fault != nil {
		fmt.Fprintf(&b, "=== fault: hart %d ===\n", fault.HartID)
		b.WriteString("virtual pc:  ")
		hexfmt.FormatReg64(&b, fault.VirtualPC)
		b.WriteByte('\n')
		b.WriteString("physical pc: ")
		hexfmt.FormatPresent(&b, fault.PhysicalPC, fault.PhysicalOK)
		b.WriteByte('\n')
		b.WriteString("instruction: ")
		hexfmt.FormatPresent(&b, uint64(fault.Instruction), fault.InstrOK)
		b.WriteByte('\n')
		fmt.Fprintf(&b, "cause: %s\n", fault.Error())
	}

	_, err := io.WriteString(w, b.String())
	return err
}
