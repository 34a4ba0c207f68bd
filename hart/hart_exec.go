/*
   Opcode dispatch and RV64I/M/A execution.

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
	"github.com/rvsim/rv64core/decode"
	"github.com/rvsim/rv64core/memory"
	"github.com/rvsim/rv64core/mmu"
)

type opFunc func(h *Hart, d decode.Decoded, pc uint64) (uint64, error)

var opTable map[decode.Variant]opFunc

func init() {
	opTable = map[decode.Variant]opFunc{
		decode.Lui:   opLui,
		decode.Auipc: opAuipc,
		decode.Jal:   opJal,
		decode.Jalr:  opJalr,
		decode.Beq:   opBranch, decode.Bne: opBranch, decode.Blt: opBranch,
		decode.Bge: opBranch, decode.Bltu: opBranch, decode.Bgeu: opBranch,
		decode.Lb: opLoad, decode.Lh: opLoad, decode.Lw: opLoad, decode.Ld: opLoad,
		decode.Lbu: opLoad, decode.Lhu: opLoad, decode.Lwu: opLoad,
		decode.Sb: opStore, decode.Sh: opStore, decode.Sw: opStore, decode.Sd: opStore,
		decode.Addi: opAluImm, decode.Slti: opAluImm, decode.Sltiu: opAluImm,
		decode.Xori: opAluImm, decode.Ori: opAluImm, decode.Andi: opAluImm,
		decode.Slli: opAluImm, decode.Srli: opAluImm, decode.Srai: opAluImm,
		decode.Addiw: opAluImmW, decode.Slliw: opAluImmW, decode.Srliw: opAluImmW, decode.Sraiw: opAluImmW,
		decode.Add: opAluReg, decode.Sub: opAluReg, decode.Sll: opAluReg, decode.Slt: opAluReg,
		decode.Sltu: opAluReg, decode.Xor: opAluReg, decode.Srl: opAluReg, decode.Sra: opAluReg,
		decode.Or: opAluReg, decode.And: opAluReg,
		decode.Addw: opAluRegW, decode.Subw: opAluRegW, decode.Sllw: opAluRegW,
		decode.Srlw: opAluRegW, decode.Sraw: opAluRegW,
		decode.Fence: opNop,
		decode.SfenceWInval: opNop, decode.SfenceInvalIr: opNop,

		decode.Mul: opMulDiv, decode.Mulh: opMulDiv, decode.Mulhsu: opMulDiv, decode.Mulhu: opMulDiv,
		decode.Div: opMulDiv, decode.Divu: opMulDiv, decode.Rem: opMulDiv, decode.Remu: opMulDiv,
		decode.Mulw: opMulDivW, decode.Divw: opMulDivW, decode.Divuw: opMulDivW,
		decode.Remw: opMulDivW, decode.Remuw: opMulDivW,

		decode.LrW: opLR, decode.LrD: opLR,
		decode.ScW: opSC, decode.ScD: opSC,
		decode.AmoswapW: opAMO, decode.AmoaddW: opAMO, decode.AmoxorW: opAMO, decode.AmoandW: opAMO,
		decode.AmoorW: opAMO, decode.AmominW: opAMO, decode.AmomaxW: opAMO, decode.AmominuW: opAMO, decode.AmomaxuW: opAMO,
		decode.AmoswapD: opAMO, decode.AmoaddD: opAMO, decode.AmoxorD: opAMO, decode.AmoandD: opAMO,
		decode.AmoorD: opAMO, decode.AmominD: opAMO, decode.AmomaxD: opAMO, decode.AmominuD: opAMO, decode.AmomaxuD: opAMO,

		decode.Csrrw: opCSR, decode.Csrrs: opCSR, decode.Csrrc: opCSR,
		decode.Csrrwi: opCSR, decode.Csrrsi: opCSR, decode.Csrrci: opCSR,

		decode.Ecall: opEcall, decode.Ebreak: opEbreak,
		decode.Mret: opTrapReturn, decode.Sret: opTrapReturn,
		decode.Wfi: opWfi,
		decode.SfenceVma: opSfenceVma, decode.SinvalVma: opSfenceVma, decode.SinvalGvma: opSfenceVma,

		decode.CustTva: opCustTva, decode.CustMtrap: opCustTrap, decode.CustStrap: opCustTrap,

		decode.Flw: opFLoad, decode.Fld: opFLoad, decode.Fsw: opFStore, decode.Fsd: opFStore,
		decode.FaddS: opFArith, decode.FsubS: opFArith, decode.FmulS: opFArith, decode.FdivS: opFArith, decode.FsqrtS: opFArith,
		decode.FaddD: opFArith, decode.FsubD: opFArith, decode.FmulD: opFArith, decode.FdivD: opFArith, decode.FsqrtD: opFArith,
		decode.FsgnjS: opFSgnj, decode.FsgnjnS: opFSgnj, decode.FsgnjxS: opFSgnj,
		decode.FsgnjD: opFSgnj, decode.FsgnjnD: opFSgnj, decode.FsgnjxD: opFSgnj,
		decode.FminS: opFMinMax, decode.FmaxS: opFMinMax, decode.FminD: opFMinMax, decode.FmaxD: opFMinMax,
		decode.FmaddS: opFMA, decode.FmsubS: opFMA, decode.FnmsubS: opFMA, decode.FnmaddS: opFMA,
		decode.FmaddD: opFMA, decode.FmsubD: opFMA, decode.FnmsubD: opFMA, decode.FnmaddD: opFMA,
		decode.FcvtWS: opFToInt, decode.FcvtWuS: opFToInt, decode.FcvtLS: opFToInt, decode.FcvtLuS: opFToInt,
		decode.FcvtWD: opFToInt, decode.FcvtWuD: opFToInt, decode.FcvtLD: opFToInt, decode.FcvtLuD: opFToInt,
		decode.FcvtSW: opIntToF, decode.FcvtSWu: opIntToF, decode.FcvtSL: opIntToF, decode.FcvtSLu: opIntToF,
		decode.FcvtDW: opIntToF, decode.FcvtDWu: opIntToF, decode.FcvtDL: opIntToF, decode.FcvtDLu: opIntToF,
		decode.FcvtSD: opFCvtSD, decode.FcvtDS: opFCvtSD,
		decode.FmvXW: opFmvXW, decode.FmvWX: opFmvWX, decode.FmvXD: opFmvXD, decode.FmvDX: opFmvDX,
		decode.FclassS: opFClass, decode.FclassD: opFClass,
		decode.FeqS: opFCompare, decode.FltS: opFCompare, decode.FleS: opFCompare,
		decode.FeqD: opFCompare, decode.FltD: opFCompare, decode.FleD: opFCompare,
	}
}

// execute dispatches one decoded instruction and returns the new pc.
func (h *Hart) execute(d decode.Decoded, pc uint64) (uint64, error) {
	fn, ok := opTable[d.Variant]
	if !ok {
		return pc, ErrIllegalInstruction
	}
	return fn(h, d, pc)
}

func opNop(h *Hart, d decode.Decoded, pc uint64) (uint64, error) { return pc + 4, nil }

func opLui(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	h.SetReg(d.Rd, uint64(d.Imm))
	return pc + 4, nil
}

func opAuipc(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	h.SetReg(d.Rd, pc+uint64(d.Imm))
	return pc + 4, nil
}

func opJal(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	h.SetReg(d.Rd, pc+4)
	return pc + uint64(d.Imm), nil
}

func opJalr(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	target := (h.Reg(d.Rs1) + uint64(d.Imm)) &^ 1
	h.SetReg(d.Rd, pc+4)
	return target, nil
}

func opBranch(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	a, b := h.Reg(d.Rs1), h.Reg(d.Rs2)
	var taken bool
	switch d.Variant {
	case decode.Beq:
		taken = a == b
	case decode.Bne:
		taken = a != b
	case decode.Blt:
		taken = int64(a) < int64(b)
	case decode.Bge:
		taken = int64(a) >= int64(b)
	case decode.Bltu:
		taken = a < b
	case decode.Bgeu:
		taken = a >= b
	}
	if taken {
		return pc + uint64(d.Imm), nil
	}
	return pc + 4, nil
}

func (h *Hart) effectiveAddr(d decode.Decoded) uint64 {
	return h.Reg(d.Rs1) + uint64(d.Imm)
}

func (h *Hart) translateData(va uint64, acc mmu.AccessType) (uint64, error) {
	return h.MMU.Translate(va, acc, h.CSR.Priv, h.CSR, false)
}

func opLoad(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	va := h.effectiveAddr(d)
	pa, err := h.translateData(va, mmu.AccessLoad)
	if err != nil {
		return pc, err
	}
	switch d.Variant {
	case decode.Lb:
		v, err := h.Mem.ReadByte(pa)
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, uint64(int64(int8(v))))
	case decode.Lbu:
		v, err := h.Mem.ReadByte(pa)
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, uint64(v))
	case decode.Lh:
		v, err := h.Mem.ReadHalf(pa)
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, uint64(int64(int16(v))))
	case decode.Lhu:
		v, err := h.Mem.ReadHalf(pa)
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, uint64(v))
	case decode.Lw:
		v, err := h.Mem.ReadWord(pa)
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, uint64(int64(int32(v))))
	case decode.Lwu:
		v, err := h.Mem.ReadWord(pa)
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, uint64(v))
	case decode.Ld:
		v, err := h.Mem.ReadLong(pa)
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, v)
	}
	return pc + 4, nil
}

func opStore(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	va := h.effectiveAddr(d)
	pa, err := h.translateData(va, mmu.AccessStore)
	if err != nil {
		return pc, err
	}
	v := h.Reg(d.Rs2)
	switch d.Variant {
	case decode.Sb:
		err = h.Mem.WriteByte(pa, uint8(v))
	case decode.Sh:
		err = h.Mem.WriteHalf(pa, uint16(v))
	case decode.Sw:
		err = h.Mem.WriteWord(pa, uint32(v))
	case decode.Sd:
		err = h.Mem.WriteLong(pa, v)
	}
	if err != nil {
		return pc, err
	}
	return pc + 4, nil
}

func opAluImm(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	a := h.Reg(d.Rs1)
	var r uint64
	switch d.Variant {
	case decode.Addi:
		r = a + uint64(d.Imm)
	case decode.Slti:
		r = boolU64(int64(a) < d.Imm)
	case decode.Sltiu:
		r = boolU64(a < uint64(d.Imm))
	case decode.Xori:
		r = a ^ uint64(d.Imm)
	case decode.Ori:
		r = a | uint64(d.Imm)
	case decode.Andi:
		r = a & uint64(d.Imm)
	case decode.Slli:
		r = a << (uint(d.Imm) & 0x3F)
	case decode.Srli:
		r = a >> (uint(d.Imm) & 0x3F)
	case decode.Srai:
		r = uint64(int64(a) >> (uint(d.Imm) & 0x3F))
	}
	h.SetReg(d.Rd, r)
	return pc + 4, nil
}

func opAluImmW(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	a := int32(uint32(h.Reg(d.Rs1)))
	var r int32
	switch d.Variant {
	case decode.Addiw:
		r = a + int32(d.Imm)
	case decode.Slliw:
		r = a << (uint(d.Imm) & 0x1F)
	case decode.Srliw:
		r = int32(uint32(a) >> (uint(d.Imm) & 0x1F))
	case decode.Sraiw:
		r = a >> (uint(d.Imm) & 0x1F)
	}
	h.SetReg(d.Rd, uint64(int64(r)))
	return pc + 4, nil
}

func opAluReg(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	a, b := h.Reg(d.Rs1), h.Reg(d.Rs2)
	var r uint64
	switch d.Variant {
	case decode.Add:
		r = a + b
	case decode.Sub:
		r = a - b
	case decode.Sll:
		r = a << (b & 0x3F)
	case decode.Slt:
		r = boolU64(int64(a) < int64(b))
	case decode.Sltu:
		r = boolU64(a < b)
	case decode.Xor:
		r = a ^ b
	case decode.Srl:
		r = a >> (b & 0x3F)
	case decode.Sra:
		r = uint64(int64(a) >> (b & 0x3F))
	case decode.Or:
		r = a | b
	case decode.And:
		r = a & b
	}
	h.SetReg(d.Rd, r)
	return pc + 4, nil
}

func opAluRegW(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	a, b := int32(uint32(h.Reg(d.Rs1))), uint32(h.Reg(d.Rs2))
	var r int32
	switch d.Variant {
	case decode.Addw:
		r = a + int32(b)
	case decode.Subw:
		r = a - int32(b)
	case decode.Sllw:
		r = a << (b & 0x1F)
	case decode.Srlw:
		r = int32(uint32(a) >> (b & 0x1F))
	case decode.Sraw:
		r = a >> (b & 0x1F)
	}
	h.SetReg(d.Rd, uint64(int64(r)))
	return pc + 4, nil
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func opMulDiv(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	a, b := h.Reg(d.Rs1), h.Reg(d.Rs2)
	var r uint64
	switch d.Variant {
	case decode.Mul:
		r = a * b
	case decode.Mulh:
		r = uint64(mulHigh64(int64(a), int64(b)))
	case decode.Mulhsu:
		r = uint64(mulHighSU(int64(a), b))
	case decode.Mulhu:
		hi, _ := mul64x64(a, b)
		r = hi
	case decode.Div:
		r = divS64(int64(a), int64(b))
	case decode.Divu:
		r = divU64(a, b)
	case decode.Rem:
		r = remS64(int64(a), int64(b))
	case decode.Remu:
		r = remU64(a, b)
	}
	h.SetReg(d.Rd, r)
	return pc + 4, nil
}

func opMulDivW(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	a, b := int32(uint32(h.Reg(d.Rs1))), int32(uint32(h.Reg(d.Rs2)))
	var r int32
	switch d.Variant {
	case decode.Mulw:
		r = a * b
	case decode.Divw:
		r = divS32(a, b)
	case decode.Divuw:
		r = int32(divU32(uint32(a), uint32(b)))
	case decode.Remw:
		r = remS32(a, b)
	case decode.Remuw:
		r = int32(remU32(uint32(a), uint32(b)))
	}
	h.SetReg(d.Rd, uint64(int64(r)))
	return pc + 4, nil
}

// mul64x64 returns (hi, lo) of the full 128-bit unsigned product.
func mul64x64(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xFFFFFFFF
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32
	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32
	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32
	t = aLo*bHi + w1
	k = t >> 32
	lo = (t << 32) | w0
	hi = aHi*bHi + w2 + k
	return
}

func mulHigh64(a, b int64) int64 {
	neg := false
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua, neg = uint64(-a), !neg
	}
	if b < 0 {
		ub, neg = uint64(-b), !neg
	}
	hi, lo := mul64x64(ua, ub)
	if neg {
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi)
}

func mulHighSU(a int64, b uint64) int64 {
	neg := a < 0
	ua := uint64(a)
	if neg {
		ua = uint64(-a)
	}
	hi, lo := mul64x64(ua, b)
	if neg {
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi)
}

func divS64(a, b int64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	if a == -1<<63 && b == -1 {
		return uint64(a)
	}
	return uint64(a / b)
}

func divU64(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	return a / b
}

func remS64(a, b int64) uint64 {
	if b == 0 {
		return uint64(a)
	}
	if a == -1<<63 && b == -1 {
		return 0
	}
	return uint64(a % b)
}

func remU64(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return a % b
}

func divS32(a, b int32) int32 {
	if b == 0 {
		return -1
	}
	if a == -1<<31 && b == -1 {
		return a
	}
	return a / b
}

func divU32(a, b uint32) uint32 {
	if b == 0 {
		return ^uint32(0)
	}
	return a / b
}

func remS32(a, b int32) int32 {
	if b == 0 {
		return a
	}
	if a == -1<<31 && b == -1 {
		return 0
	}
	return a % b
}

func remU32(a, b uint32) uint32 {
	if b == 0 {
		return a
	}
	return a % b
}

func opLR(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	pa, err := h.translateData(h.Reg(d.Rs1), mmu.AccessLoad)
	if err != nil {
		return pc, err
	}
	if d.Variant == decode.LrD {
		v, err := h.Mem.ReadLongReserved(pa, int(h.id))
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, v)
	} else {
		v, err := h.Mem.ReadWordReserved(pa, int(h.id))
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, uint64(int64(int32(v))))
	}
	return pc + 4, nil
}

func opSC(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	pa, err := h.translateData(h.Reg(d.Rs1), mmu.AccessStore)
	if err != nil {
		return pc, err
	}
	var ok bool
	if d.Variant == decode.ScD {
		ok, err = h.Mem.WriteLongConditional(pa, h.Reg(d.Rs2), int(h.id))
	} else {
		ok, err = h.Mem.WriteWordConditional(pa, uint32(h.Reg(d.Rs2)), int(h.id))
	}
	if err != nil {
		return pc, err
	}
	h.SetReg(d.Rd, boolU64(!ok)) // 0 = success, 1 = failure, per RISC-V SC semantics
	return pc + 4, nil
}

func amoKind(v decode.Variant) (op memory.AMOOp, isD bool) {
	switch v {
	case decode.AmoswapW:
		return memory.AMOSwap, false
	case decode.AmoaddW:
		return memory.AMOAdd, false
	case decode.AmoandW:
		return memory.AMOAnd, false
	case decode.AmoorW:
		return memory.AMOOr, false
	case decode.AmoxorW:
		return memory.AMOXor, false
	case decode.AmominW:
		return memory.AMOMin, false
	case decode.AmominuW:
		return memory.AMOMinU, false
	case decode.AmomaxW:
		return memory.AMOMax, false
	case decode.AmomaxuW:
		return memory.AMOMaxU, false
	case decode.AmoswapD:
		return memory.AMOSwap, true
	case decode.AmoaddD:
		return memory.AMOAdd, true
	case decode.AmoandD:
		return memory.AMOAnd, true
	case decode.AmoorD:
		return memory.AMOOr, true
	case decode.AmoxorD:
		return memory.AMOXor, true
	case decode.AmominD:
		return memory.AMOMin, true
	case decode.AmominuD:
		return memory.AMOMinU, true
	case decode.AmomaxD:
		return memory.AMOMax, true
	case decode.AmomaxuD:
		return memory.AMOMaxU, true
	}
	return memory.AMOSwap, false
}

func opAMO(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	va := h.Reg(d.Rs1)
	op, isD := amoKind(d.Variant)
	pa, err := h.MMU.Translate(va, mmu.AccessStore, h.CSR.Priv, h.CSR, true)
	if err != nil {
		return pc, err
	}
	if isD {
		old, err := h.Mem.AtomicLong(pa, op, h.Reg(d.Rs2))
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, old)
	} else {
		old, err := h.Mem.AtomicWord(pa, op, uint32(h.Reg(d.Rs2)))
		if err != nil {
			return pc, err
		}
		h.SetReg(d.Rd, uint64(int64(int32(old))))
	}
	return pc + 4, nil
}
