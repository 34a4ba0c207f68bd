package decode

import "testing"

// encode helpers build instruction words the way an assembler would, so
// tests read as "decode what this instruction means" rather than
// reverse-engineering bit positions.

func encodeU(opcode, rd, imm uint32) uint32 {
	return (imm << 12) | (rd << 7) | opcode
}

func encodeJ(opcode, rd uint32, imm int64) uint32 {
	u := uint32(imm)
	bit20 := (u >> 20) & 1
	bits10_1 := (u >> 1) & 0x3FF
	bit11 := (u >> 11) & 1
	bits19_12 := (u >> 12) & 0xFF
	return (bit20 << 31) | (bits19_12 << 12) | (bit11 << 20) | (bits10_1 << 21) | (rd << 7) | opcode
}

func encodeB(opcode, funct3, rs1, rs2 uint32, imm int64) uint32 {
	u := uint32(imm)
	bit12 := (u >> 12) & 1
	bit11 := (u >> 11) & 1
	bits10_5 := (u >> 5) & 0x3F
	bits4_1 := (u >> 1) & 0xF
	return (bit12 << 31) | (bits10_5 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (bits4_1 << 8) | (bit11 << 7) | opcode
}

func encodeI(opcode, funct3, rd, rs1 uint32, imm int64) uint32 {
	return (uint32(imm)&0xFFF)<<20 | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func TestDecodeIsPure(t *testing.T) {
	for _, w := range []uint32{0, 0xDEADBEEF, 0x00000013, 0x7FF00073} {
		a := Decode(w)
		b := Decode(w)
		if a != b {
			t.Fatalf("decode(%#x) not deterministic: %+v vs %+v", w, a, b)
		}
	}
}

func TestDecodeLui(t *testing.T) {
	// LUI a0, 0x1
	d := Decode(encodeU(0x37, 10, 0x1))
	if d.Variant != Lui || d.Rd != 10 || d.Imm != 0x1000 {
		t.Fatalf("got %+v", d)
	}
}

func TestDecodeAuipcHighImmediate(t *testing.T) {
	// AUIPC a1, 0x12345
	d := Decode(encodeU(0x17, 11, 0x12345))
	if d.Variant != Auipc || d.Rd != 11 {
		t.Fatalf("got %+v", d)
	}
	want := signExtend(0x12345<<12, 31)
	if d.Imm != want {
		t.Fatalf("imm = %#x, want %#x", d.Imm, want)
	}
}

func TestDecodeJalImmediateAssembly(t *testing.T) {
	for _, imm := range []int64{4, -4, 0x7FE, -0x800, 0xFFFFE} {
		w := encodeJ(0x6F, 1, imm)
		d := Decode(w)
		if d.Variant != Jal {
			t.Fatalf("imm %d: variant = %v", imm, d.Variant)
		}
		if d.Imm != imm {
			t.Fatalf("imm %d: decoded %d from word %#x", imm, d.Imm, w)
		}
	}
}

func TestDecodeBranchImmediate(t *testing.T) {
	d := Decode(encodeB(0x63, 0b000, 5, 6, 0x100))
	if d.Variant != Beq || d.Rs1 != 5 || d.Rs2 != 6 || d.Imm != 0x100 {
		t.Fatalf("got %+v", d)
	}
}

func TestDecodeCsrrc(t *testing.T) {
	// CSRRC x6, sscratch(0x140), x5
	d := Decode(encodeI(0x73, 0b011, 6, 5, 0x140))
	if d.Variant != Csrrc || d.Rd != 6 || d.Rs1 != 5 || d.Imm != 0x140 {
		t.Fatalf("got %+v", d)
	}
}

func TestDecodePrivileged(t *testing.T) {
	cases := []struct {
		word uint32
		want Variant
	}{
		{0x30200073, Mret},
		{0x10200073, Sret},
		{0x10500073, Wfi},
		{0x00000073, Ecall},
		{0x00100073, Ebreak},
	}
	for _, c := range cases {
		if got := Decode(c.word).Variant; got != c.want {
			t.Fatalf("word %#x: got %v, want %v", c.word, got, c.want)
		}
	}
}

func TestDecodeInvalidIsStable(t *testing.T) {
	d := Decode(0xFFFFFFFF)
	if d.Variant != Invalid {
		t.Fatalf("expected Invalid, got %v", d.Variant)
	}
}

func TestDecodeDivu(t *testing.T) {
	// DIVU a0, a1, a2 -> funct7=1 funct3=101 opcode=0x33
	w := uint32((1 << 25) | (12 << 20) | (11 << 15) | (0b101 << 12) | (10 << 7) | 0x33)
	d := Decode(w)
	if d.Variant != Divu || d.Rd != 10 || d.Rs1 != 11 || d.Rs2 != 12 {
		t.Fatalf("got %+v", d)
	}
}

func TestDecodeAmoAndLrSc(t *testing.T) {
	lrw := uint32((0b00010 << 27) | (10 << 15) | (0b010 << 12) | (5 << 7) | 0x2F)
	if Decode(lrw).Variant != LrW {
		t.Fatalf("expected LrW, got %v", Decode(lrw).Variant)
	}
	scd := uint32((0b00011 << 27) | (11 << 20) | (10 << 15) | (0b011 << 12) | (5 << 7) | 0x2F)
	if Decode(scd).Variant != ScD {
		t.Fatalf("expected ScD, got %v", Decode(scd).Variant)
	}
}
