package csr

import "testing"

func TestMstatusWritableMask(t *testing.T) {
	f := New(0)
	if err := f.Write(Mstatus, ^uint64(0)); err != nil {
		t.Fatal(err)
	}
	v := f.RawRead(Mstatus)
	if v&^mstatusWritableMask != 0 {
		t.Fatalf("mstatus committed bits outside writable mask: %#x", v)
	}
}

func TestSstatusIsMaskedView(t *testing.T) {
	f := New(0)
	f.RawWrite(Mstatus, mstatusWritableMask) // set everything legal, including MIE (not sstatus-visible)
	v, err := f.Read(Sstatus)
	if err != nil {
		t.Fatal(err)
	}
	if v&^sstatusWritableMask != 0 {
		t.Fatalf("sstatus leaked non-supervisor bits: %#x", v)
	}
	if v&bitMIE != 0 {
		t.Fatalf("sstatus exposed MIE")
	}
}

func TestReadOnlyCSRRejectsWrite(t *testing.T) {
	f := New(3)
	if err := f.Write(Mhartid, 99); err == nil {
		t.Fatal("expected illegal-instruction writing a read-only CSR")
	}
}

func TestPrivilegedCSRRejectsLowerPrivilege(t *testing.T) {
	f := New(0)
	f.Priv = User
	if _, err := f.Read(Mstatus); err == nil {
		t.Fatal("expected illegal-instruction reading an M-mode CSR from U-mode")
	}
}

// TestTrapEntryInvariants exercises spec.md §8's quantified trap-entry
// property: xCAUSE, xEPC, xPP, xPIE/xIE, and the new pc.
func TestTrapEntryInvariants(t *testing.T) {
	f := New(0)
	f.Priv = Supervisor
	f.RawWrite(Mstatus, bitMIE) // MIE set before trap
	f.RawWrite(Mtvec, 0x8000)

	const cause = 13 // load page fault, synchronous, not delegated -> M-mode
	newPC := f.TrapEntry(cause, false, 0x1234, 0x100)

	if f.Priv != Machine {
		t.Fatalf("priv = %v, want Machine", f.Priv)
	}
	if f.RawRead(Mcause) != cause {
		t.Fatalf("mcause = %#x", f.RawRead(Mcause))
	}
	if f.RawRead(Mepc) != 0x100 {
		t.Fatalf("mepc = %#x", f.RawRead(Mepc))
	}
	if mppPriv(f.RawRead(Mstatus)) != Supervisor {
		t.Fatalf("MPP did not record trap-entry privilege")
	}
	if f.RawRead(Mstatus)&bitMIE != 0 {
		t.Fatal("MIE should be cleared on trap entry")
	}
	if f.RawRead(Mstatus)&bitMPIE == 0 {
		t.Fatal("MPIE should record the pre-trap MIE value")
	}
	if newPC != 0x8000 {
		t.Fatalf("newPC = %#x", newPC)
	}
}

func TestTrapDelegationGoesToSupervisor(t *testing.T) {
	f := New(0)
	f.Priv = User
	f.RawWrite(Medeleg, uint64(1)<<8) // delegate ECALL-from-U
	f.RawWrite(Stvec, 0x4000)

	newPC := f.TrapEntry(8, false, 0, 0x2000)
	if f.Priv != Supervisor {
		t.Fatalf("priv = %v, want Supervisor", f.Priv)
	}
	if f.RawRead(Scause) != 8 {
		t.Fatalf("scause = %d", f.RawRead(Scause))
	}
	if newPC != 0x4000 {
		t.Fatalf("newPC = %#x", newPC)
	}
}

// TestTrapRoundTrip exercises spec.md §8: a trap followed by MRET restores
// (privilege, pc, xIE) to (privilege_before, xEPC, xPIE_before_return).
func TestTrapRoundTrip(t *testing.T) {
	f := New(0)
	f.Priv = Supervisor
	f.RawWrite(Mstatus, bitMIE)
	f.RawWrite(Mtvec, 0x8000)
	f.TrapEntry(2, false, 0, 0x100)

	pc, err := f.TrapReturn(Machine)
	if err != nil {
		t.Fatal(err)
	}
	if pc != 0x100 {
		t.Fatalf("pc = %#x, want 0x100", pc)
	}
	if f.Priv != Supervisor {
		t.Fatalf("priv = %v, want Supervisor", f.Priv)
	}
	if f.RawRead(Mstatus)&bitMIE == 0 {
		t.Fatal("MIE should be restored from MPIE")
	}
}

func TestMretBelowMachineIsIllegal(t *testing.T) {
	f := New(0)
	f.Priv = Supervisor
	if _, err := f.TrapReturn(Machine); err == nil {
		t.Fatal("expected illegal-instruction")
	}
}

func TestSretInUserIsIllegal(t *testing.T) {
	f := New(0)
	f.Priv = User
	if _, err := f.TrapReturn(Supervisor); err == nil {
		t.Fatal("expected illegal-instruction")
	}
}

func TestPendingInterruptPriority(t *testing.T) {
	f := New(0)
	f.Priv = Machine
	f.RawWrite(Mie, MEIP|MTIP)
	f.RaiseInterrupt(7) // MTIP
	f.RaiseInterrupt(11) // MEIP
	f.RawWrite(Mstatus, bitMIE)

	cause, ok := f.PendingInterrupt()
	if !ok || cause != 11 {
		t.Fatalf("cause=%d ok=%v, want MEI (11) first", cause, ok)
	}
}

func TestWfiConditionMipNonZero(t *testing.T) {
	f := New(0)
	if f.MipNonZero() {
		t.Fatal("expected no pending interrupt initially")
	}
	f.RaiseInterrupt(7)
	if !f.MipNonZero() {
		t.Fatal("expected MipNonZero after RaiseInterrupt")
	}
}
