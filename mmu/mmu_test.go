package mmu

import (
	"errors"
	"testing"

	"github.com/rvsim/rv64core/csr"
	"github.com/rvsim/rv64core/memory"
)

const rootPPN = 0x10 // root page table at physical 0x10000

func setupPageTable(t *testing.T, mem *memory.Memory, va uint64, leafPPN uint64, r, w, x, u bool) *csr.File {
	t.Helper()
	vpn1 := (va >> 22) & 0x3FF
	vpn0 := (va >> 12) & 0x3FF

	leafTablePPN := uint64(0x11)
	e1 := uint32((leafTablePPN << 10) | 0x1) // V=1, R=0,W=0,X=0 -> points to next level
	if err := mem.WriteWord(rootPPN<<12+4*vpn1, e1); err != nil {
		t.Fatal(err)
	}

	var flags uint32 = 0x1 // V
	if r {
		flags |= 0x2
	}
	if w {
		flags |= 0x4
	}
	if x {
		flags |= 0x8
	}
	if u {
		flags |= 0x10
	}
	e0 := uint32(leafPPN<<10) | flags
	if err := mem.WriteWord(leafTablePPN<<12+4*vpn0, e0); err != nil {
		t.Fatal(err)
	}

	regs := csr.New(0)
	regs.Priv = csr.Supervisor
	satp := (uint64(1) << 31) | (rootPPN & 0x3FFFFF)
	regs.RawWrite(csr.Satp, satp)
	return regs
}

func TestTranslateBypassedInMachineMode(t *testing.T) {
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	tr := New(mem)
	regs := csr.New(0) // reset privilege is Machine

	pa, err := tr.Translate(0x12345, AccessLoad, regs.Priv, regs, false)
	if err != nil || pa != 0x12345 {
		t.Fatalf("pa=%#x err=%v", pa, err)
	}
}

func TestTranslateSucceedsAndIsIdempotent(t *testing.T) {
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	tr := New(mem)
	va := uint64(0x403000)
	regs := setupPageTable(t, mem, va, 0x20, true, true, true, false)

	pa1, err := tr.Translate(va, AccessLoad, regs.Priv, regs, false)
	if err != nil {
		t.Fatal(err)
	}
	pa2, err := tr.Translate(va, AccessLoad, regs.Priv, regs, false)
	if err != nil {
		t.Fatal(err)
	}
	if pa1 != pa2 {
		t.Fatalf("translation not idempotent: %#x vs %#x", pa1, pa2)
	}
	if pa1 != (0x20<<12)|(va&0xFFF) {
		t.Fatalf("pa = %#x", pa1)
	}
}

// TestExecuteNonExecutablePageFaults reproduces spec scenario 6: a page
// marked R=1,W=0,X=0 faults on instruction fetch.
func TestExecuteNonExecutablePageFaults(t *testing.T) {
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	tr := New(mem)
	va := uint64(0x500000)
	regs := setupPageTable(t, mem, va, 0x30, true, false, false, false)

	_, err := tr.Translate(va, AccessExec, regs.Priv, regs, false)
	var pf *PageFault
	if !errors.As(err, &pf) {
		t.Fatalf("expected *PageFault, got %v", err)
	}
	if pf.Cause() != 12 {
		t.Fatalf("cause = %d, want 12 (instruction page fault)", pf.Cause())
	}
}

func TestUserPageDeniedToSupervisorWithoutSUM(t *testing.T) {
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	tr := New(mem)
	va := uint64(0x600000)
	regs := setupPageTable(t, mem, va, 0x40, true, true, false, true)

	if _, err := tr.Translate(va, AccessLoad, regs.Priv, regs, false); err == nil {
		t.Fatal("expected page fault: supervisor access to user page without SUM")
	}
}

func TestMXRAllowsReadingExecuteOnlyPage(t *testing.T) {
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	tr := New(mem)
	va := uint64(0x700000)
	regs := setupPageTable(t, mem, va, 0x50, false, false, true, false)

	if _, err := tr.Translate(va, AccessLoad, regs.Priv, regs, false); err == nil {
		t.Fatal("expected fault without MXR")
	}
	regs.RawWrite(csr.Mstatus, uint64(1)<<19) // MXR
	if _, err := tr.Translate(va, AccessLoad, regs.Priv, regs, false); err != nil {
		t.Fatalf("expected success with MXR set, got %v", err)
	}
}

func TestSFenceFlushesTLB(t *testing.T) {
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	tr := New(mem)
	va := uint64(0x403000)
	regs := setupPageTable(t, mem, va, 0x20, true, true, true, false)

	if _, err := tr.Translate(va, AccessLoad, regs.Priv, regs, false); err != nil {
		t.Fatal(err)
	}
	tr.Flush()
	for i := range tr.tlb.slots {
		if tr.tlb.slots[i].valid {
			t.Fatal("expected all TLB slots invalidated")
		}
	}
}
