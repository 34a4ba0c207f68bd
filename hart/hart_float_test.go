package hart

import (
	"errors"
	"math"
	"testing"

	"github.com/rvsim/rv64core/csr"
	"github.com/rvsim/rv64core/decode"
)

// encodeOpFP builds an OP-FP (opcode 0x53) R-type word: funct5/fmt pack
// into funct7, and the funct3 slot carries the instruction's rm field.
func encodeOpFP(funct5, fmt, rs2, rs1, rm, rd uint32) uint32 {
	funct7 := funct5<<2 | fmt
	return funct7<<25 | rs2<<20 | rs1<<15 | rm<<12 | rd<<7 | 0x53
}

// encodeFMA builds an R4-type fused multiply-add word (opcodes
// 0x43/0x47/0x4B/0x4F): rs3 occupies the top 5 bits, fmt the next 2.
func encodeFMA(opcode, rs3, fmt, rs2, rs1, rm, rd uint32) uint32 {
	return rs3<<27 | fmt<<25 | rs2<<20 | rs1<<15 | rm<<12 | rd<<7 | opcode
}

func newFPHart(t *testing.T) *Hart {
	t.Helper()
	h, _ := newTestHart(t)
	h.CSR.SetFS(csr.FSInitial)
	return h
}

func TestFArithRejectsReservedRoundingMode(t *testing.T) {
	h := newFPHart(t)
	h.SetFReg(1, f32ToRaw(1.0), false)
	h.SetFReg(2, f32ToRaw(2.0), false)
	// FADD.S f3, f1, f2, rm=5 (reserved)
	word := encodeOpFP(0b00000, 0, 2, 1, 5, 3)
	if err := h.Mem.WriteWord(h.PC(), word); err != nil {
		t.Fatal(err)
	}
	_, err := h.execute(decode.Decode(word), h.PC())
	if !errors.Is(err, ErrIllegalInstruction) {
		t.Fatalf("err = %v, want ErrIllegalInstruction", err)
	}
	if h.FReg(3) != 0 {
		t.Fatal("f3 must be untouched when rm traps before the op runs")
	}
}

func TestFArithDynamicRoundingResolvesFromFrm(t *testing.T) {
	h := newFPHart(t)
	h.CSR.RawWrite(csr.Frm, 0) // RNE: a valid mode
	h.SetFReg(1, f32ToRaw(1.0), false)
	h.SetFReg(2, f32ToRaw(2.0), false)
	// FADD.S f3, f1, f2, rm=7 (dynamic)
	word := encodeOpFP(0b00000, 0, 2, 1, 7, 3)
	if err := h.Mem.WriteWord(h.PC(), word); err != nil {
		t.Fatal(err)
	}
	if err := h.SingleStep(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f32FromRaw(h.FReg(3))
	if got != 3.0 {
		t.Fatalf("f3 = %v, want 3.0", got)
	}
}

func TestFArithDynamicRoundingRejectsReservedFrm(t *testing.T) {
	h := newFPHart(t)
	h.CSR.RawWrite(csr.Frm, 6) // frm itself holds a reserved mode
	h.SetFReg(1, f32ToRaw(1.0), false)
	h.SetFReg(2, f32ToRaw(2.0), false)
	word := encodeOpFP(0b00000, 0, 2, 1, 7, 3)
	if err := h.Mem.WriteWord(h.PC(), word); err != nil {
		t.Fatal(err)
	}
	_, err := h.execute(decode.Decode(word), h.PC())
	if !errors.Is(err, ErrIllegalInstruction) {
		t.Fatalf("err = %v, want ErrIllegalInstruction", err)
	}
}

func TestFMARejectsReservedRoundingMode(t *testing.T) {
	h := newFPHart(t)
	h.SetFReg(1, f32ToRaw(1.0), false)
	h.SetFReg(2, f32ToRaw(2.0), false)
	h.SetFReg(3, f32ToRaw(3.0), false)
	// FMADD.S f4, f1, f2, f3, rm=6 (reserved)
	word := encodeFMA(0x43, 3, 0, 2, 1, 6, 4)
	if err := h.Mem.WriteWord(h.PC(), word); err != nil {
		t.Fatal(err)
	}
	_, err := h.execute(decode.Decode(word), h.PC())
	if !errors.Is(err, ErrIllegalInstruction) {
		t.Fatalf("err = %v, want ErrIllegalInstruction", err)
	}
}

func TestFToIntRejectsReservedRoundingMode(t *testing.T) {
	h := newFPHart(t)
	h.SetFReg(1, f32ToRaw(1.5), false)
	// FCVT.W.S x2, f1, rm=5 (reserved); rs2 field selects the int kind (0 = W)
	word := encodeOpFP(0b11000, 0, 0, 1, 5, 2)
	if err := h.Mem.WriteWord(h.PC(), word); err != nil {
		t.Fatal(err)
	}
	_, err := h.execute(decode.Decode(word), h.PC())
	if !errors.Is(err, ErrIllegalInstruction) {
		t.Fatalf("err = %v, want ErrIllegalInstruction", err)
	}
	if h.Reg(2) != 0 {
		t.Fatal("x2 must be untouched when rm traps before the op runs")
	}
}

func TestIntToFRejectsReservedRoundingMode(t *testing.T) {
	h := newFPHart(t)
	h.SetReg(1, 4)
	// FCVT.S.W f2, x1, rm=6 (reserved); rs2 field selects the int kind (0 = W)
	word := encodeOpFP(0b11010, 0, 0, 1, 6, 2)
	if err := h.Mem.WriteWord(h.PC(), word); err != nil {
		t.Fatal(err)
	}
	_, err := h.execute(decode.Decode(word), h.PC())
	if !errors.Is(err, ErrIllegalInstruction) {
		t.Fatalf("err = %v, want ErrIllegalInstruction", err)
	}
}

func TestFCvtSDRejectsReservedRoundingMode(t *testing.T) {
	h := newFPHart(t)
	h.SetFReg(1, f64ToRaw(2.0), true)
	// FCVT.S.D f2, f1, rm=5 (reserved); fmt=1 selects the D->S direction
	word := encodeOpFP(0b01000, 1, 0, 1, 5, 2)
	if err := h.Mem.WriteWord(h.PC(), word); err != nil {
		t.Fatal(err)
	}
	_, err := h.execute(decode.Decode(word), h.PC())
	if !errors.Is(err, ErrIllegalInstruction) {
		t.Fatalf("err = %v, want ErrIllegalInstruction", err)
	}
}

func TestFCvtSDAcceptsOrdinaryRoundingMode(t *testing.T) {
	h := newFPHart(t)
	h.SetFReg(1, f64ToRaw(2.5), true)
	// FCVT.S.D f2, f1, rm=0 (RNE); fmt=1 selects the D->S direction
	word := encodeOpFP(0b01000, 1, 0, 1, 0, 2)
	if err := h.Mem.WriteWord(h.PC(), word); err != nil {
		t.Fatal(err)
	}
	if err := h.SingleStep(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f32FromRaw(h.FReg(2)); got != float32(2.5) {
		t.Fatalf("f2 = %v, want 2.5", math.Float32bits(got))
	}
}
