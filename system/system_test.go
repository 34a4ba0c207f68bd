package system

import (
	"bytes"
	"testing"
	"time"

	"github.com/rvsim/rv64core/memory"
)

func word(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return (uint32(imm)&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func newTestMachine(t *testing.T, cores int) *Machine {
	t.Helper()
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	return New(Config{Mem: mem, Cores: cores})
}

func TestBootRunsHartZero(t *testing.T) {
	m := newTestMachine(t, 1)
	// ADDI x1, x0, 1
	_ = m.Mem.WriteWord(0, word(1, 0, 0b000, 1, 0x13))
	m.Boot(0, false)
	defer m.Stop()

	time.Sleep(20 * time.Millisecond)
	if m.Hart(0).Reg(1) != 1 {
		t.Fatalf("x1 = %d, want 1", m.Hart(0).Reg(1))
	}
}

func TestBootPausedHoldsHartZero(t *testing.T) {
	m := newTestMachine(t, 1)
	_ = m.Mem.WriteWord(0, word(1, 0, 0b000, 1, 0x13))
	m.Boot(0, true)
	defer m.Stop()

	time.Sleep(20 * time.Millisecond)
	if m.Hart(0).Reg(1) != 0 {
		t.Fatal("expected hart 0 to stay paused and not execute")
	}
	if !m.Hart(0).IsPaused() {
		t.Fatal("expected hart 0 to report paused")
	}
}

func TestStartCPUEcallRestartsTargetHart(t *testing.T) {
	m := newTestMachine(t, 2)
	// hart 0: ECALL start_cpu(target=1, entry=0x100) then spins via JAL to self.
	m.Mem.WriteWord(0, word(1, 0, 0b000, 11, 0x13))    // ADDI a1(x11), x0, 1   (target hart)
	m.Mem.WriteWord(4, word(0x100, 0, 0b000, 12, 0x13)) // ADDI a2(x12), x0, 0x100 (entry)
	m.Mem.WriteWord(8, word(EcallStartCPU, 0, 0b000, 10, 0x13)) // ADDI a0(x10), x0, EcallStartCPU
	m.Mem.WriteWord(12, word(0, 0, 0, 0, 0x73))                 // ECALL
	m.Mem.WriteWord(16, 0x0000006F)                             // JAL x0, 0 (spin)

	// hart 1's target entry: ADDI x2, x0, 99
	m.Mem.WriteWord(0x100, word(99, 0, 0b000, 2, 0x13))

	m.Boot(0, false)
	defer m.Stop()

	time.Sleep(30 * time.Millisecond)
	if m.Hart(1).Reg(2) != 99 {
		t.Fatalf("hart 1 x2 = %d, want 99 (did start-cpu ecall restart it?)", m.Hart(1).Reg(2))
	}
}

func TestExitEcallLatchesCodeAndStops(t *testing.T) {
	m := newTestMachine(t, 1)
	m.Mem.WriteWord(0, word(7, 0, 0b000, 10, 0x13))  // ADDI a0, x0, 7 (EcallExit)
	m.Mem.WriteWord(4, word(42, 0, 0b000, 11, 0x13)) // ADDI a1, x0, 42 (status)
	m.Mem.WriteWord(8, word(0, 0, 0, 0, 0x73))       // ECALL

	m.Boot(0, false)

	select {
	case <-m.ExitedCh():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit ecall")
	}
	code, ok := m.ExitCode()
	if !ok || code != 42 {
		t.Fatalf("ExitCode() = %d, %v, want 42, true", code, ok)
	}
}

type fakeConsole struct {
	written bytes.Buffer
	lines   []string
}

func (c *fakeConsole) Write(p []byte) (int, error) { return c.written.Write(p) }
func (c *fakeConsole) ReadLine() (string, error) {
	if len(c.lines) == 0 {
		return "", nil
	}
	l := c.lines[0]
	c.lines = c.lines[1:]
	return l, nil
}

func TestConsoleWriteEcallCopiesBytes(t *testing.T) {
	mem := memory.New(1<<24, nil)
	mem.AddRAM(0, 1<<20)
	console := &fakeConsole{}
	m := New(Config{Mem: mem, Cores: 1, Console: console})

	msg := []byte("hi")
	base := uint64(0x100) // fits a 12-bit signed immediate
	for i, b := range msg {
		mem.WriteByte(base+uint64(i), b)
	}

	mem.WriteWord(0, word(int32(base), 0, 0b000, 11, 0x13)) // ADDI a1, x0, base
	mem.WriteWord(4, word(int32(len(msg)), 0, 0b000, 12, 0x13))
	mem.WriteWord(8, word(EcallConsoleWrite, 0, 0b000, 10, 0x13))
	mem.WriteWord(12, word(0, 0, 0, 0, 0x73))
	mem.WriteWord(16, 0x0000006F) // JAL x0, 0 (spin)

	m.Boot(0, false)
	defer m.Stop()

	time.Sleep(20 * time.Millisecond)
	if console.written.String() != "hi" {
		t.Fatalf("console got %q, want %q", console.written.String(), "hi")
	}
}

func TestSnapshotOrderedByHartID(t *testing.T) {
	m := newTestMachine(t, 3)
	snaps := m.Snapshot()
	for i, s := range snaps {
		if s.HartID != uint64(i) {
			t.Fatalf("snapshot[%d].HartID = %d, want %d", i, s.HartID, i)
		}
	}
}
