/*
   RV64 instruction decode.

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

// Package decode turns a 32-bit RV64 instruction word into a tagged,
// struct-of-fields decoded form. Decode is pure: the same word always
// decodes to the same value, and decode itself never fails. A word that
// does not match any supported encoding decodes to Invalid.
package decode

// Variant tags the instruction family/opcode a word decoded to.
type Variant int

const (
	Invalid Variant = iota

	// RV64I base.
	Lui
	Auipc
	Jal
	Jalr
	Beq
	Bne
	Blt
	Bge
	Bltu
	Bgeu
	Lb
	Lh
	Lw
	Ld
	Lbu
	Lhu
	Lwu
	Sb
	Sh
	Sw
	Sd
	Addi
	Slti
	Sltiu
	Xori
	Ori
	Andi
	Slli
	Srli
	Srai
	Addiw
	Slliw
	Srliw
	Sraiw
	Add
	Sub
	Sll
	Slt
	Sltu
	Xor
	Srl
	Sra
	Or
	And
	Addw
	Subw
	Sllw
	Srlw
	Sraw
	Fence

	// M extension.
	Mul
	Mulh
	Mulhsu
	Mulhu
	Div
	Divu
	Rem
	Remu
	Mulw
	Divw
	Divuw
	Remw
	Remuw

	// A extension.
	LrW
	ScW
	AmoswapW
	AmoaddW
	AmoxorW
	AmoandW
	AmoorW
	AmominW
	AmomaxW
	AmominuW
	AmomaxuW
	LrD
	ScD
	AmoswapD
	AmoaddD
	AmoxorD
	AmoandD
	AmoorD
	AmominD
	AmomaxD
	AmominuD
	AmomaxuD

	// F/D extensions.
	Flw
	Fsw
	Fld
	Fsd
	FaddS
	FsubS
	FmulS
	FdivS
	FsqrtS
	FsgnjS
	FsgnjnS
	FsgnjxS
	FminS
	FmaxS
	FmaddS
	FmsubS
	FnmsubS
	FnmaddS
	FcvtWS
	FcvtWuS
	FcvtLS
	FcvtLuS
	FcvtSW
	FcvtSWu
	FcvtSL
	FcvtSLu
	FmvXW
	FmvWX
	FclassS
	FeqS
	FltS
	FleS
	FaddD
	FsubD
	FmulD
	FdivD
	FsqrtD
	FsgnjD
	FsgnjnD
	FsgnjxD
	FminD
	FmaxD
	FmaddD
	FmsubD
	FnmsubD
	FnmaddD
	FcvtWD
	FcvtWuD
	FcvtLD
	FcvtLuD
	FcvtDW
	FcvtDWu
	FcvtDL
	FcvtDLu
	FcvtSD
	FcvtDS
	FmvXD
	FmvDX
	FclassD
	FeqD
	FltD
	FleD

	// Zicsr.
	Csrrw
	Csrrs
	Csrrc
	Csrrwi
	Csrrsi
	Csrrci

	// Privileged / environment.
	Ecall
	Ebreak
	Mret
	Sret
	Wfi
	SfenceVma
	SinvalVma
	SinvalGvma
	SfenceWInval
	SfenceInvalIr

	// Emulator-custom instructions.
	CustTva
	CustMtrap
	CustStrap
)

// Decoded is the fixed-shape output of Decode. Rd/Rs1/Rs2/Rs3 are always
// taken from their fixed bit positions, whether or not the variant uses
// them; Imm and Rm are zero when the variant has none.
// Imm is already sign-extended to 64 bits where the encoding calls for it.
type Decoded struct {
	Variant Variant
	Raw     uint32
	Rd      uint32
	Rs1     uint32
	Rs2     uint32
	Rs3     uint32
	Rm      uint32 // rounding-mode field for F/D ops (funct3 slot)
	Imm     int64
}

// bit extraction helpers. Named after the instruction-format field they pull.
func bits(w uint32, hi, lo uint) uint32 {
	return (w >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func signExtend(v uint32, bit uint) int64 {
	shift := 63 - bit
	return int64(int64(uint64(v)<<shift) >> shift)
}

func immI(w uint32) int64 { return signExtend(bits(w, 31, 20), 11) }

func immS(w uint32) int64 {
	v := (bits(w, 31, 25) << 5) | bits(w, 11, 7)
	return signExtend(v, 11)
}

func immB(w uint32) int64 {
	v := (bits(w, 31, 31) << 12) | (bits(w, 7, 7) << 11) |
		(bits(w, 30, 25) << 5) | (bits(w, 11, 8) << 1)
	return signExtend(v, 12)
}

func immU(w uint32) int64 {
	return signExtend(bits(w, 31, 12)<<12, 31)
}

func immJ(w uint32) int64 {
	v := (bits(w, 31, 31) << 20) | (bits(w, 19, 12) << 12) |
		(bits(w, 20, 20) << 11) | (bits(w, 30, 21) << 1)
	return signExtend(v, 20)
}

// Decode maps a 32-bit instruction word to its tagged decoded form.
// An unrecognized encoding yields Variant == Invalid; decode never panics.
func Decode(word uint32) Decoded {
	d := Decoded{Raw: word}

	opcode := bits(word, 6, 0)
	funct3 := bits(word, 14, 12)
	funct7 := bits(word, 31, 25)
	rd := bits(word, 11, 7)
	rs1 := bits(word, 19, 15)
	rs2 := bits(word, 24, 20)
	rs3 := bits(word, 31, 27)
	fmt := funct7 & 0x3
	funct5 := funct7 >> 2

	d.Rd, d.Rs1, d.Rs2, d.Rs3 = rd, rs1, rs2, rs3

	switch opcode {
	case 0x37: // LUI
		d.Variant, d.Imm = Lui, immU(word)
	case 0x17: // AUIPC
		d.Variant, d.Imm = Auipc, immU(word)
	case 0x6F: // JAL
		d.Variant, d.Imm = Jal, immJ(word)
	case 0x67: // JALR
		if funct3 == 0 {
			d.Variant, d.Imm = Jalr, immI(word)
		}
	case 0x63: // branches
		d.Imm = immB(word)
		switch funct3 {
		case 0b000:
			d.Variant = Beq
		case 0b001:
			d.Variant = Bne
		case 0b100:
			d.Variant = Blt
		case 0b101:
			d.Variant = Bge
		case 0b110:
			d.Variant = Bltu
		case 0b111:
			d.Variant = Bgeu
		}
	case 0x03: // loads
		d.Imm = immI(word)
		switch funct3 {
		case 0b000:
			d.Variant = Lb
		case 0b001:
			d.Variant = Lh
		case 0b010:
			d.Variant = Lw
		case 0b011:
			d.Variant = Ld
		case 0b100:
			d.Variant = Lbu
		case 0b101:
			d.Variant = Lhu
		case 0b110:
			d.Variant = Lwu
		}
	case 0x23: // stores
		d.Imm = immS(word)
		switch funct3 {
		case 0b000:
			d.Variant = Sb
		case 0b001:
			d.Variant = Sh
		case 0b010:
			d.Variant = Sw
		case 0b011:
			d.Variant = Sd
		}
	case 0x0F:
		if funct3 == 0 {
			d.Variant = Fence
		}
	case 0x13: // OP-IMM
		d.Imm = immI(word)
		switch funct3 {
		case 0b000:
			d.Variant = Addi
		case 0b010:
			d.Variant = Slti
		case 0b011:
			d.Variant = Sltiu
		case 0b100:
			d.Variant = Xori
		case 0b110:
			d.Variant = Ori
		case 0b111:
			d.Variant = Andi
		case 0b001:
			d.Variant, d.Imm = Slli, int64(bits(word, 25, 20))
		case 0b101:
			shamt := int64(bits(word, 25, 20))
			if bits(word, 31, 26) == 0x10 {
				d.Variant, d.Imm = Srai, shamt
			} else {
				d.Variant, d.Imm = Srli, shamt
			}
		}
	case 0x1B: // OP-IMM-32
		switch funct3 {
		case 0b000:
			d.Variant, d.Imm = Addiw, immI(word)
		case 0b001:
			d.Variant, d.Imm = Slliw, int64(bits(word, 24, 20))
		case 0b101:
			shamt := int64(bits(word, 24, 20))
			if funct7 == 0x20 {
				d.Variant, d.Imm = Sraiw, shamt
			} else {
				d.Variant, d.Imm = Srliw, shamt
			}
		}
	case 0x33: // OP
		switch {
		case funct7 == 0x01:
			d.Variant = [8]Variant{Mul, Mulh, Mulhsu, Mulhu, Div, Divu, Rem, Remu}[funct3]
		case funct7 == 0x00:
			d.Variant = [8]Variant{Add, Sll, Slt, Sltu, Xor, Srl, Or, And}[funct3]
		case funct7 == 0x20 && funct3 == 0b000:
			d.Variant = Sub
		case funct7 == 0x20 && funct3 == 0b101:
			d.Variant = Sra
		}
	case 0x3B: // OP-32
		switch {
		case funct7 == 0x01:
			switch funct3 {
			case 0b000:
				d.Variant = Mulw
			case 0b100:
				d.Variant = Divw
			case 0b101:
				d.Variant = Divuw
			case 0b110:
				d.Variant = Remw
			case 0b111:
				d.Variant = Remuw
			}
		case funct7 == 0x00:
			switch funct3 {
			case 0b000:
				d.Variant = Addw
			case 0b001:
				d.Variant = Sllw
			case 0b101:
				d.Variant = Srlw
			}
		case funct7 == 0x20:
			switch funct3 {
			case 0b000:
				d.Variant = Subw
			case 0b101:
				d.Variant = Sraw
			}
		}
	case 0x2F: // AMO
		aqrl := bits(word, 26, 25)
		_ = aqrl
		op := funct7 >> 2
		isD := funct3 == 0b011
		d.Variant = amoVariant(op, isD)
	case 0x07: // LOAD-FP
		d.Imm = immI(word)
		switch funct3 {
		case 0b010:
			d.Variant = Flw
		case 0b011:
			d.Variant = Fld
		}
	case 0x27: // STORE-FP
		d.Imm = immS(word)
		switch funct3 {
		case 0b010:
			d.Variant = Fsw
		case 0b011:
			d.Variant = Fsd
		}
	case 0x43, 0x47, 0x4B, 0x4F: // fused multiply-add family, R4 type
		d.Rm = funct3
		isD := fmt == 1
		switch opcode {
		case 0x43:
			d.Variant = pick(isD, FmaddS, FmaddD)
		case 0x47:
			d.Variant = pick(isD, FmsubS, FmsubD)
		case 0x4B:
			d.Variant = pick(isD, FnmsubS, FnmsubD)
		case 0x4F:
			d.Variant = pick(isD, FnmaddS, FnmaddD)
		}
	case 0x53: // OP-FP
		d.Rm = funct3
		isD := fmt == 1
		decodeOpFP(&d, funct5, fmt, isD, funct3, rs2)
	case 0x73: // SYSTEM
		decodeSystem(&d, word, funct3, rs1, rs2, rd, immI(word))
	case 0x0B: // custom-0, emulator-defined
		switch funct3 {
		case 0:
			d.Variant = CustTva
		case 1:
			d.Variant = CustMtrap
		case 2:
			d.Variant = CustStrap
		}
	}

	return d
}

func pick(isD bool, s, dd Variant) Variant {
	if isD {
		return dd
	}
	return s
}

func amoVariant(op uint32, isD bool) Variant {
	table := map[uint32][2]Variant{
		0b00010: {LrW, LrD},
		0b00011: {ScW, ScD},
		0b00001: {AmoswapW, AmoswapD},
		0b00000: {AmoaddW, AmoaddD},
		0b00100: {AmoxorW, AmoxorD},
		0b01100: {AmoandW, AmoandD},
		0b01000: {AmoorW, AmoorD},
		0b10000: {AmominW, AmominD},
		0b10100: {AmomaxW, AmomaxD},
		0b11000: {AmominuW, AmominuD},
		0b11100: {AmomaxuW, AmomaxuD},
	}
	pair, ok := table[op]
	if !ok {
		return Invalid
	}
	if isD {
		return pair[1]
	}
	return pair[0]
}

//nolint:gocyclo // mirrors the RISC-V spec's own dense OP-FP funct5/fmt table.
func decodeOpFP(d *Decoded, funct5, fmt uint32, isD bool, funct3, rs2 uint32) {
	switch funct5 {
	case 0b00000:
		d.Variant = pick(isD, FaddS, FaddD)
	case 0b00001:
		d.Variant = pick(isD, FsubS, FsubD)
	case 0b00010:
		d.Variant = pick(isD, FmulS, FmulD)
	case 0b00011:
		d.Variant = pick(isD, FdivS, FdivD)
	case 0b01011:
		d.Variant = pick(isD, FsqrtS, FsqrtD)
	case 0b00100:
		switch funct3 {
		case 0b000:
			d.Variant = pick(isD, FsgnjS, FsgnjD)
		case 0b001:
			d.Variant = pick(isD, FsgnjnS, FsgnjnD)
		case 0b010:
			d.Variant = pick(isD, FsgnjxS, FsgnjxD)
		}
	case 0b00101:
		if funct3 == 0 {
			d.Variant = pick(isD, FminS, FminD)
		} else {
			d.Variant = pick(isD, FmaxS, FmaxD)
		}
	case 0b11000: // float -> int
		switch rs2 {
		case 0:
			d.Variant = pick(isD, FcvtWS, FcvtWD)
		case 1:
			d.Variant = pick(isD, FcvtWuS, FcvtWuD)
		case 2:
			d.Variant = pick(isD, FcvtLS, FcvtLD)
		case 3:
			d.Variant = pick(isD, FcvtLuS, FcvtLuD)
		}
	case 0b11010: // int -> float
		switch rs2 {
		case 0:
			d.Variant = pick(isD, FcvtSW, FcvtDW)
		case 1:
			d.Variant = pick(isD, FcvtSWu, FcvtDWu)
		case 2:
			d.Variant = pick(isD, FcvtSL, FcvtDL)
		case 3:
			d.Variant = pick(isD, FcvtSLu, FcvtDLu)
		}
	case 0b01000: // S<->D
		if fmt == 1 {
			d.Variant = FcvtSD
		} else {
			d.Variant = FcvtDS
		}
	case 0b11100:
		if isD {
			if funct3 == 0 {
				d.Variant = FmvXD
			} else {
				d.Variant = FclassD
			}
		} else {
			if funct3 == 0 {
				d.Variant = FmvXW
			} else {
				d.Variant = FclassS
			}
		}
	case 0b11110:
		d.Variant = pick(isD, FmvWX, FmvDX)
	case 0b10100:
		switch funct3 {
		case 0b010:
			d.Variant = pick(isD, FeqS, FeqD)
		case 0b001:
			d.Variant = pick(isD, FltS, FltD)
		case 0b000:
			d.Variant = pick(isD, FleS, FleD)
		}
	}
}

func decodeSystem(d *Decoded, word uint32, funct3, rs1, rs2, rd uint32, immI int64) {
	if funct3 == 0 {
		switch {
		case word>>20 == 0x000 && rs1 == 0 && rd == 0:
			d.Variant = Ecall
		case word>>20 == 0x001 && rs1 == 0 && rd == 0:
			d.Variant = Ebreak
		case word>>20 == 0x302 && rs1 == 0 && rd == 0:
			d.Variant = Mret
		case word>>20 == 0x102 && rs1 == 0 && rd == 0:
			d.Variant = Sret
		case word>>20 == 0x105 && rs1 == 0 && rd == 0:
			d.Variant = Wfi
		case bits(word, 31, 25) == 0x09 && rd == 0:
			d.Variant = SfenceVma
		case bits(word, 31, 25) == 0x0B && rd == 0:
			d.Variant = SinvalVma
		case bits(word, 31, 25) == 0x33 && rd == 0:
			d.Variant = SinvalGvma
		case bits(word, 31, 25) == 0x0C && rs1 == 0 && rs2 == 0 && rd == 0:
			d.Variant = SfenceWInval
		case bits(word, 31, 25) == 0x0C && rs1 == 0 && rs2 == 1 && rd == 0:
			d.Variant = SfenceInvalIr
		}
		return
	}

	// Zicsr: the 12-bit CSR address lives where the I-immediate would.
	d.Imm = int64(bits(word, 31, 20))
	switch funct3 {
	case 0b001:
		d.Variant = Csrrw
	case 0b010:
		d.Variant = Csrrs
	case 0b011:
		d.Variant = Csrrc
	case 0b101:
		d.Variant = Csrrwi
	case 0b110:
		d.Variant = Csrrsi
	case 0b111:
		d.Variant = Csrrci
	}
}
