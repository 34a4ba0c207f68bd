package hart

import (
	"errors"
	"testing"

	"github.com/rvsim/rv64core/decode"
	"github.com/rvsim/rv64core/memory"
)

func newTestHart(t *testing.T) (*Hart, *memory.Memory) {
	t.Helper()
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	h := New(0, mem, nil, nil)
	h.Start(0)
	return h, mem
}

// encodeI builds an I-type word: imm[11:0] rs1 funct3 rd opcode.
func encodeI(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return (uint32(imm)&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeU(imm int32, rd, opcode uint32) uint32 {
	return uint32(imm)<<12 | rd<<7 | opcode
}

func TestAddiAdvancesAndWrites(t *testing.T) {
	h, mem := newTestHart(t)
	// ADDI x1, x0, 5
	word := encodeI(5, 0, 0b000, 1, 0x13)
	if err := mem.WriteWord(0, word); err != nil {
		t.Fatal(err)
	}
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if h.Reg(1) != 5 {
		t.Fatalf("x1 = %d, want 5", h.Reg(1))
	}
	if h.PC() != 4 {
		t.Fatalf("pc = %#x, want 4", h.PC())
	}
}

func TestX0WritesDiscarded(t *testing.T) {
	h, mem := newTestHart(t)
	word := encodeI(5, 0, 0b000, 0, 0x13) // ADDI x0, x0, 5
	mem.WriteWord(0, word)
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if h.Reg(0) != 0 {
		t.Fatal("x0 must always read zero")
	}
}

func TestLuiThenAdd(t *testing.T) {
	h, mem := newTestHart(t)
	mem.WriteWord(0, encodeU(1, 1, 0x37))                  // LUI x1, 1  -> x1 = 0x1000
	mem.WriteWord(4, encodeI(0x100, 1, 0b000, 2, 0x13))    // ADDI x2, x1, 0x100
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if h.Reg(2) != 0x1100 {
		t.Fatalf("x2 = %#x, want 0x1100", h.Reg(2))
	}
}

func TestBranchTaken(t *testing.T) {
	h, mem := newTestHart(t)
	// BEQ x0, x0, 8
	word := uint32(0)<<25 | 0<<20 | 0<<15 | 0b000<<12 | 0<<7 | 0x63
	word |= (uint32(8>>12) & 1) << 31
	word |= (uint32(8>>1) & 0xF) << 8
	mem.WriteWord(0, word)
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if h.PC() != 8 {
		t.Fatalf("pc = %#x, want 8 (branch taken)", h.PC())
	}
}

func TestDivByZero(t *testing.T) {
	h, mem := newTestHart(t)
	h.SetReg(1, 42)
	h.SetReg(2, 0)
	mem.WriteWord(0, encodeR(0x01, 2, 1, 0b100, 3, 0x33)) // DIV x3, x1, x2
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if h.Reg(3) != ^uint64(0) {
		t.Fatalf("x3 = %#x, want all-ones", h.Reg(3))
	}
}

func TestEcallTrapsToMachine(t *testing.T) {
	h, mem := newTestHart(t)
	mem.WriteWord(0, encodeI(0, 0, 0, 0, 0x73)) // ECALL
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if h.CSR.RawRead(0x342) != 11 { // mcause = environment-call-from-M
		t.Fatalf("mcause = %d, want 11", h.CSR.RawRead(0x342))
	}
}

func TestEcallHandlerInterceptsBeforeTrap(t *testing.T) {
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	called := false
	handlers := map[uint64]EcallHandler{
		42: func(h *Hart, m *memory.Memory) { called = true },
	}
	h := New(0, mem, handlers, nil)
	h.Start(0)
	h.SetReg(10, 42) // a0
	mem.WriteWord(0, encodeI(0, 0, 0, 0, 0x73))
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected ecall handler 42 to run")
	}
	if h.PC() != 4 {
		t.Fatal("a handled ecall should not trap, just retire")
	}
}

func TestEbreakRaisesBreakpointTrap(t *testing.T) {
	h, mem := newTestHart(t)
	mem.WriteWord(0, encodeI(1, 0, 0, 0, 0x73)) // EBREAK
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if h.CSR.RawRead(0x342) != 3 {
		t.Fatalf("mcause = %d, want 3 (breakpoint)", h.CSR.RawRead(0x342))
	}
}

func TestEbreakPausesWhenConfigured(t *testing.T) {
	h, mem := newTestHart(t)
	h.SetPauseOnBreak(true)
	mem.WriteWord(0, encodeI(1, 0, 0, 0, 0x73))
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if !h.IsPaused() {
		t.Fatal("expected hart to pause after EBREAK with pause_on_break")
	}
}

func TestLoadStoreRoundTrip(t *testing.T) {
	h, mem := newTestHart(t)
	h.SetReg(1, 0x2000) // base address
	h.SetReg(2, 0xDEAD)
	mem.WriteWord(0, encodeSType(2, 1, 0, 0b010, 0x23)) // SW x2, 0(x1)
	mem.WriteWord(4, encodeI(0, 1, 0b010, 3, 0x03))     // LW x3, 0(x1)
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if err := h.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if h.Reg(3) != 0xDEAD {
		t.Fatalf("x3 = %#x, want 0xDEAD", h.Reg(3))
	}
}

func encodeSType(rs2, rs1 uint32, immLo, funct3, opcode uint32) uint32 {
	return 0<<25 | rs2<<20 | rs1<<15 | funct3<<12 | immLo<<7 | opcode
}

func TestMretIllegalBelowMachine(t *testing.T) {
	h, _ := newTestHart(t)
	h.CSR.Priv = 1 // Supervisor
	mret := decode.Decode(encodeI(0x302, 0, 0, 0, 0x73))
	_, err := h.execute(mret, 0)
	if !errors.Is(err, ErrIllegalInstruction) {
		t.Fatalf("expected illegal instruction, got %v", err)
	}
}
