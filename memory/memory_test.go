package memory

import (
	"errors"
	"testing"
)

func newTestMemory() *Memory {
	m := New(1<<20, nil)
	m.AddRAM(0, 1<<16)
	return m
}

func TestWordRoundTrip(t *testing.T) {
	m := newTestMemory()
	if err := m.WriteWord(0x100, 0xCAFEBABE); err != nil {
		t.Fatal(err)
	}
	v, err := m.ReadWord(0x100)
	if err != nil || v != 0xCAFEBABE {
		t.Fatalf("v=%#x err=%v", v, err)
	}
}

func TestUnallocatedPageReadsZero(t *testing.T) {
	m := newTestMemory()
	v, err := m.ReadWord(0x4000)
	if err != nil || v != 0 {
		t.Fatalf("v=%#x err=%v", v, err)
	}
}

func TestHalfPreservesOtherHalf(t *testing.T) {
	m := newTestMemory()
	if err := m.WriteWord(0x200, 0x11112222); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteHalf(0x200, 0x3333); err != nil {
		t.Fatal(err)
	}
	v, _ := m.ReadWord(0x200)
	if v != 0x11113333 {
		t.Fatalf("v=%#x", v)
	}
}

func TestMisalignedWordFails(t *testing.T) {
	m := newTestMemory()
	if _, err := m.ReadWord(0x3); err == nil || !errors.Is(err, ErrMisaligned) {
		t.Fatalf("err=%v", err)
	}
}

func TestUnmappedFails(t *testing.T) {
	m := New(1<<20, nil)
	if _, err := m.ReadWord(0x10); err == nil || !errors.Is(err, ErrUnmapped) {
		t.Fatalf("err=%v", err)
	}
}

func TestROMIsNotWritable(t *testing.T) {
	m := New(1<<20, nil)
	m.AddROM(0, []uint32{1, 2, 3})
	if err := m.WriteWord(0, 5); err == nil || !errors.Is(err, ErrNotWritable) {
		t.Fatalf("err=%v", err)
	}
}

// TestLRSCContention reproduces spec scenario 4: hart A's SC fails after
// hart B stores to the reserved word between A's LR and SC.
func TestLRSCContention(t *testing.T) {
	m := newTestMemory()
	const addr = 0x400
	const hartA, hartB = 0, 1

	if _, err := m.ReadWordReserved(addr, hartA); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteWord(addr, 0xB000B000); err != nil { // hart B's ordinary store
		t.Fatal(err)
	}
	ok, err := m.WriteWordConditional(addr, 0xA000A000, hartA)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("SC should have failed after an intervening store")
	}
	v, _ := m.ReadWord(addr)
	if v != 0xB000B000 {
		t.Fatalf("memory = %#x, want hart B's stored value", v)
	}
}

func TestLRSCSucceedsWithoutContention(t *testing.T) {
	m := newTestMemory()
	const addr, hart = 0x400, 0
	if _, err := m.ReadWordReserved(addr, hart); err != nil {
		t.Fatal(err)
	}
	ok, err := m.WriteWordConditional(addr, 0x42, hart)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestAtomicAddReturnsPreOpValue(t *testing.T) {
	m := newTestMemory()
	if err := m.WriteWord(0x20, 10); err != nil {
		t.Fatal(err)
	}
	old, err := m.AtomicWord(0x20, AMOAdd, 5)
	if err != nil || old != 10 {
		t.Fatalf("old=%d err=%v", old, err)
	}
	v, _ := m.ReadWord(0x20)
	if v != 15 {
		t.Fatalf("v=%d", v)
	}
}

func TestFramebufferYFlip(t *testing.T) {
	m := New(1<<24, nil)
	m.AddFramebuffer(0x1000, 4, 2) // 4x2, 4 bytes/pixel -> 2 rows of 16 bytes
	base := uint64(0x1000)
	if err := m.WriteWord(base, 0x11111111); err != nil { // row 0, col 0
		t.Fatal(err)
	}
	// Row 0 is stored at the last row's byte offset (Y-flip).
	v := m.regions[0].pagedWord(16, false, 0) // row 1 in storage order
	if v != 0x11111111 {
		t.Fatalf("v=%#x", v)
	}
}
