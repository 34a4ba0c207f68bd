/*
   F/D extension execution: load/store, arithmetic, conversions, and the
   sign-injection/min-max/compare/classify instruction families.

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
	"math"

	"github.com/rvsim/rv64core/csr"
	"github.com/rvsim/rv64core/decode"
	"github.com/rvsim/rv64core/mmu"
)

const (
	canonicalNaN32 = uint32(0x7fc00000)
	canonicalNaN64 = uint64(0x7ff8000000000000)
	nanBoxUpper    = uint64(0xFFFFFFFF00000000) // single-precision values are NaN-boxed in the upper 32 bits
)

func f32FromRaw(raw uint64) float32 {
	if raw&nanBoxUpper != nanBoxUpper {
		return math.Float32frombits(uint32(canonicalNaN32)) // an un-boxed value is architecturally NaN
	}
	return math.Float32frombits(uint32(raw))
}

func f32ToRaw(v float32) uint64 {
	return nanBoxUpper | uint64(math.Float32bits(v))
}

func f64FromRaw(raw uint64) float64 { return math.Float64frombits(raw) }
func f64ToRaw(v float64) uint64     { return math.Float64bits(v) }

func canon32(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return math.Float32frombits(canonicalNaN32)
	}
	return v
}

func canon64(v float64) float64 {
	if math.IsNaN(v) {
		return math.Float64frombits(canonicalNaN64)
	}
	return v
}

// fflags bit positions, low to high: NX, UF, OF, DZ, NV.
const (
	fflagNX = 1 << 0
	fflagUF = 1 << 1
	fflagOF = 1 << 2
	fflagDZ = 1 << 3
	fflagNV = 1 << 4
)

func (h *Hart) raiseFflags(bits uint64) {
	h.CSR.RawWrite(csr.Fflags, h.CSR.RawRead(csr.Fflags)|bits)
}

// Rounding mode encodings carried in an instruction's rm field.
const (
	rmDynamic = 7
)

// resolveRoundingMode maps an instruction's rm field to the mode that
// actually governs the operation: rm=DYNAMIC reads frm, and the two
// reserved encodings trap. Go's float arithmetic always rounds to
// nearest-even, so the resolved mode isn't fed back into the
// computation; this only enforces the encoding's legality.
func (h *Hart) resolveRoundingMode(rm uint32) (uint32, error) {
	if rm == rmDynamic {
		rm = uint32(h.CSR.RawRead(csr.Frm))
	}
	if rm == 5 || rm == 6 {
		return 0, ErrIllegalInstruction
	}
	return rm, nil
}

// requireFPEnabled enforces mstatus.FS != OFF before any F/D op runs.
func (h *Hart) requireFPEnabled() error {
	if h.CSR.FS() == csr.FSOff {
		return ErrIllegalInstruction
	}
	return nil
}

func isDoubleVariant(v decode.Variant) bool {
	switch v {
	case decode.Fld, decode.Fsd, decode.FaddD, decode.FsubD, decode.FmulD, decode.FdivD, decode.FsqrtD,
		decode.FsgnjD, decode.FsgnjnD, decode.FsgnjxD, decode.FminD, decode.FmaxD,
		decode.FmaddD, decode.FmsubD, decode.FnmsubD, decode.FnmaddD,
		decode.FcvtWD, decode.FcvtWuD, decode.FcvtLD, decode.FcvtLuD,
		decode.FcvtDW, decode.FcvtDWu, decode.FcvtDL, decode.FcvtDLu,
		decode.FmvXD, decode.FmvDX, decode.FclassD, decode.FeqD, decode.FltD, decode.FleD:
		return true
	}
	return false
}

func opFLoad(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	va := h.effectiveAddr(d)
	pa, err := h.translateData(va, mmu.AccessLoad)
	if err != nil {
		return pc, err
	}
	if d.Variant == decode.Fld {
		v, err := h.Mem.ReadLong(pa)
		if err != nil {
			return pc, err
		}
		h.SetFReg(d.Rd, v, true)
	} else {
		v, err := h.Mem.ReadWord(pa)
		if err != nil {
			return pc, err
		}
		h.SetFReg(d.Rd, f32ToRaw(math.Float32frombits(v)), false)
	}
	return pc + 4, nil
}

func opFStore(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	va := h.effectiveAddr(d)
	pa, err := h.translateData(va, mmu.AccessStore)
	if err != nil {
		return pc, err
	}
	if d.Variant == decode.Fsd {
		if err := h.Mem.WriteLong(pa, h.FReg(d.Rs2)); err != nil {
			return pc, err
		}
	} else {
		if err := h.Mem.WriteWord(pa, math.Float32bits(f32FromRaw(h.FReg(d.Rs2)))); err != nil {
			return pc, err
		}
	}
	return pc + 4, nil
}

func (h *Hart) markFSDirty() { h.CSR.SetFS(csr.FSDirty) }

func opFArith(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	if _, err := h.resolveRoundingMode(d.Rm); err != nil {
		return pc, err
	}
	isD := isDoubleVariant(d.Variant)
	if isD {
		a := f64FromRaw(h.FReg(d.Rs1))
		var r float64
		if d.Variant == decode.FsqrtD {
			if a < 0 {
				h.raiseFflags(fflagNV)
			}
			r = math.Sqrt(a)
		} else {
			b := f64FromRaw(h.FReg(d.Rs2))
			switch d.Variant {
			case decode.FaddD:
				r = a + b
			case decode.FsubD:
				r = a - b
			case decode.FmulD:
				r = a * b
			case decode.FdivD:
				if b == 0 {
					h.raiseFflags(fflagDZ)
				}
				r = a / b
			}
		}
		if math.IsInf(r, 0) && !math.IsInf(a, 0) {
			h.raiseFflags(fflagOF)
		}
		h.SetFReg(d.Rd, f64ToRaw(canon64(r)), true)
	} else {
		a := f32FromRaw(h.FReg(d.Rs1))
		var r float32
		if d.Variant == decode.FsqrtS {
			if a < 0 {
				h.raiseFflags(fflagNV)
			}
			r = float32(math.Sqrt(float64(a)))
		} else {
			b := f32FromRaw(h.FReg(d.Rs2))
			switch d.Variant {
			case decode.FaddS:
				r = a + b
			case decode.FsubS:
				r = a - b
			case decode.FmulS:
				r = a * b
			case decode.FdivS:
				if b == 0 {
					h.raiseFflags(fflagDZ)
				}
				r = a / b
			}
		}
		h.SetFReg(d.Rd, f32ToRaw(canon32(r)), false)
	}
	h.markFSDirty()
	return pc + 4, nil
}

func opFMA(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	if _, err := h.resolveRoundingMode(d.Rm); err != nil {
		return pc, err
	}
	isD := isDoubleVariant(d.Variant)
	negA, negC := false, false
	switch d.Variant {
	case decode.FmsubS, decode.FmsubD:
		negC = true
	case decode.FnmsubS, decode.FnmsubD:
		negA = true
	case decode.FnmaddS, decode.FnmaddD:
		negA, negC = true, true
	}
	if isD {
		a, b, c := f64FromRaw(h.FReg(d.Rs1)), f64FromRaw(h.FReg(d.Rs2)), f64FromRaw(h.FReg(d.Rs3))
		if negA {
			a = -a
		}
		if negC {
			c = -c
		}
		r := a*b + c
		h.SetFReg(d.Rd, f64ToRaw(canon64(r)), true)
	} else {
		a, b, c := f32FromRaw(h.FReg(d.Rs1)), f32FromRaw(h.FReg(d.Rs2)), f32FromRaw(h.FReg(d.Rs3))
		if negA {
			a = -a
		}
		if negC {
			c = -c
		}
		r := a*b + c
		h.SetFReg(d.Rd, f32ToRaw(canon32(r)), false)
	}
	h.markFSDirty()
	return pc + 4, nil
}

func opFSgnj(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	isD := isDoubleVariant(d.Variant)
	if isD {
		a, b := f64FromRaw(h.FReg(d.Rs1)), f64FromRaw(h.FReg(d.Rs2))
		mag := math.Abs(a)
		var r float64
		switch d.Variant {
		case decode.FsgnjD:
			r = math.Copysign(mag, b)
		case decode.FsgnjnD:
			r = math.Copysign(mag, -b)
		case decode.FsgnjxD:
			if math.Signbit(a) != math.Signbit(b) {
				r = -mag
			} else {
				r = mag
			}
		}
		h.SetFReg(d.Rd, f64ToRaw(r), true)
	} else {
		a, b := f32FromRaw(h.FReg(d.Rs1)), f32FromRaw(h.FReg(d.Rs2))
		mag := float32(math.Abs(float64(a)))
		var r float32
		switch d.Variant {
		case decode.FsgnjS:
			r = float32(math.Copysign(float64(mag), float64(b)))
		case decode.FsgnjnS:
			r = float32(math.Copysign(float64(mag), -float64(b)))
		case decode.FsgnjxS:
			if math.Signbit(float64(a)) != math.Signbit(float64(b)) {
				r = -mag
			} else {
				r = mag
			}
		}
		h.SetFReg(d.Rd, f32ToRaw(r), false)
	}
	return pc + 4, nil
}

func opFMinMax(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	isD := isDoubleVariant(d.Variant)
	isMax := d.Variant == decode.FmaxS || d.Variant == decode.FmaxD
	if isD {
		a, b := f64FromRaw(h.FReg(d.Rs1)), f64FromRaw(h.FReg(d.Rs2))
		r := fMinMax64(a, b, isMax)
		h.SetFReg(d.Rd, f64ToRaw(r), true)
	} else {
		a, b := f32FromRaw(h.FReg(d.Rs1)), f32FromRaw(h.FReg(d.Rs2))
		r := float32(fMinMax64(float64(a), float64(b), isMax))
		h.SetFReg(d.Rd, f32ToRaw(r), false)
	}
	return pc + 4, nil
}

func fMinMax64(a, b float64, isMax bool) float64 {
	if math.IsNaN(a) && math.IsNaN(b) {
		return math.Float64frombits(canonicalNaN64)
	}
	if math.IsNaN(a) {
		return b
	}
	if math.IsNaN(b) {
		return a
	}
	if isMax {
		return math.Max(a, b)
	}
	return math.Min(a, b)
}

func opFToInt(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	if _, err := h.resolveRoundingMode(d.Rm); err != nil {
		return pc, err
	}
	isD := isDoubleVariant(d.Variant)
	var v float64
	if isD {
		v = f64FromRaw(h.FReg(d.Rs1))
	} else {
		v = float64(f32FromRaw(h.FReg(d.Rs1)))
	}
	if math.IsNaN(v) {
		h.raiseFflags(fflagNV)
	}
	var result uint64
	switch d.Variant {
	case decode.FcvtWS, decode.FcvtWD:
		result = uint64(int64(int32(v)))
	case decode.FcvtWuS, decode.FcvtWuD:
		result = uint64(uint32(int64(v)))
	case decode.FcvtLS, decode.FcvtLD:
		result = uint64(int64(v))
	case decode.FcvtLuS, decode.FcvtLuD:
		result = uint64(v)
	}
	h.SetReg(d.Rd, result)
	return pc + 4, nil
}

func opIntToF(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	if _, err := h.resolveRoundingMode(d.Rm); err != nil {
		return pc, err
	}
	x := h.Reg(d.Rs1)
	var v float64
	switch d.Variant {
	case decode.FcvtSW, decode.FcvtDW:
		v = float64(int32(uint32(x)))
	case decode.FcvtSWu, decode.FcvtDWu:
		v = float64(uint32(x))
	case decode.FcvtSL, decode.FcvtDL:
		v = float64(int64(x))
	case decode.FcvtSLu, decode.FcvtDLu:
		v = float64(x)
	}
	isD := isDoubleVariant(d.Variant)
	if isD {
		h.SetFReg(d.Rd, f64ToRaw(v), true)
	} else {
		h.SetFReg(d.Rd, f32ToRaw(float32(v)), false)
	}
	h.markFSDirty()
	return pc + 4, nil
}

func opFCvtSD(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	if _, err := h.resolveRoundingMode(d.Rm); err != nil {
		return pc, err
	}
	if d.Variant == decode.FcvtDS {
		v := float64(f32FromRaw(h.FReg(d.Rs1)))
		h.SetFReg(d.Rd, f64ToRaw(canon64(v)), true)
	} else {
		v := float32(f64FromRaw(h.FReg(d.Rs1)))
		h.SetFReg(d.Rd, f32ToRaw(canon32(v)), false)
	}
	h.markFSDirty()
	return pc + 4, nil
}

func opFmvXW(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	raw := uint32(h.FReg(d.Rs1))
	h.SetReg(d.Rd, uint64(int64(int32(raw))))
	return pc + 4, nil
}

func opFmvWX(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	h.SetFReg(d.Rd, nanBoxUpper|uint64(uint32(h.Reg(d.Rs1))), false)
	return pc + 4, nil
}

func opFmvXD(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	h.SetReg(d.Rd, h.FReg(d.Rs1))
	return pc + 4, nil
}

func opFmvDX(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	h.SetFReg(d.Rd, h.Reg(d.Rs1), true)
	return pc + 4, nil
}

func opFClass(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	isD := isDoubleVariant(d.Variant)
	var mask uint64
	if isD {
		mask = classify64(f64FromRaw(h.FReg(d.Rs1)))
	} else {
		mask = classify64(float64(f32FromRaw(h.FReg(d.Rs1))))
	}
	h.SetReg(d.Rd, mask)
	return pc + 4, nil
}

func classify64(v float64) uint64 {
	switch {
	case math.IsNaN(v):
		if math.Float64bits(v)&(1<<51) != 0 {
			return 1 << 9 // quiet NaN
		}
		return 1 << 8 // signaling NaN
	case math.IsInf(v, -1):
		return 1 << 0
	case math.IsInf(v, 1):
		return 1 << 7
	case v == 0:
		if math.Signbit(v) {
			return 1 << 3
		}
		return 1 << 4
	case math.Signbit(v):
		return 1 << 1
	default:
		return 1 << 6
	}
}

func opFCompare(h *Hart, d decode.Decoded, pc uint64) (uint64, error) {
	if err := h.requireFPEnabled(); err != nil {
		return pc, err
	}
	isD := isDoubleVariant(d.Variant)
	var a, b float64
	if isD {
		a, b = f64FromRaw(h.FReg(d.Rs1)), f64FromRaw(h.FReg(d.Rs2))
	} else {
		a, b = float64(f32FromRaw(h.FReg(d.Rs1))), float64(f32FromRaw(h.FReg(d.Rs2)))
	}
	if math.IsNaN(a) || math.IsNaN(b) {
		h.raiseFflags(fflagNV)
		h.SetReg(d.Rd, 0)
		return pc + 4, nil
	}
	var r bool
	switch d.Variant {
	case decode.FeqS, decode.FeqD:
		r = a == b
	case decode.FltS, decode.FltD:
		r = a < b
	case decode.FleS, decode.FleD:
		r = a <= b
	}
	h.SetReg(d.Rd, boolU64(r))
	return pc + 4, nil
}
