/*
   Multi-hart system: owns the hart registry, shared memory, and the
   ecall handler table, and drives one goroutine per hart.

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

// Package system wires a hart registry, the shared physical memory, and
// the ecall dispatch table into a running multi-core machine, one
// goroutine per hart.
package system

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvsim/rv64core/hart"
	"github.com/rvsim/rv64core/memory"
)

// Machine owns every hart and the memory they share.
type Machine struct {
	Mem   *memory.Memory
	log   *slog.Logger
	harts []*hart.Hart

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	faultMu sync.Mutex
	faults  []*hart.VMException

	pauseOnRestart bool

	console ConsoleIO

	exited   atomic.Bool
	exitCode atomic.Int64
	exitCh   chan struct{}
}

// ExitedCh closes once a guest has requested an exit via the exit ecall.
func (m *Machine) ExitedCh() <-chan struct{} { return m.exitCh }

// ConsoleIO is the host-side sink/source for the console ecalls.
type ConsoleIO interface {
	Write(p []byte) (int, error)
	ReadLine() (string, error)
}

// Config configures a Machine at construction time.
type Config struct {
	Mem            *memory.Memory
	Cores          int
	Log            *slog.Logger
	Console        ConsoleIO
	PauseOnBreak   bool
	PauseOnRestart bool
}

// New builds a Machine with Cores harts (minimum 1), each sharing Mem
// and the ecall registry New installs.
func New(cfg Config) *Machine {
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		Mem:            cfg.Mem,
		log:            log,
		done:           make(chan struct{}),
		pauseOnRestart: cfg.PauseOnRestart,
		console:        cfg.Console,
		exitCh:         make(chan struct{}),
	}
	ecalls := m.buildEcallTable()
	m.harts = make([]*hart.Hart, cfg.Cores)
	for i := 0; i < cfg.Cores; i++ {
		h := hart.New(uint64(i), cfg.Mem, ecalls, log.With("hart", i))
		h.SetPauseOnBreak(cfg.PauseOnBreak)
		h.SetPauseOnRestart(cfg.PauseOnRestart)
		m.harts[i] = h
	}
	return m
}

// Harts returns the registry in ascending hart-id order.
func (m *Machine) Harts() []*hart.Hart { return m.harts }

// Hart returns the hart with the given id, or nil if out of range.
func (m *Machine) Hart(id uint64) *hart.Hart {
	if id >= uint64(len(m.harts)) {
		return nil
	}
	return m.harts[id]
}

// Boot starts hart 0 at entryPC and every other hart parked (not
// running) pending a start-CPU ecall, then spawns one goroutine per
// hart. bootPaused additionally pauses hart 0 immediately (the `-p`
// flag).
func (m *Machine) Boot(entryPC uint64, bootPaused bool) {
	m.harts[0].Start(entryPC)
	if bootPaused {
		m.harts[0].Pause()
	}
	m.wg.Add(len(m.harts))
	for _, h := range m.harts {
		go m.run(h)
	}
	go m.tick()
}

func (m *Machine) run(h *hart.Hart) {
	defer m.wg.Done()
	// A parked hart waits here until a start-CPU ecall restarts it or
	// Stop closes done.
	for !h.IsRunning() {
		select {
		case <-m.done:
			return
		case <-time.After(time.Millisecond):
		}
	}
	if err := h.Run(); err != nil {
		var vmx *hart.VMException
		if fault, ok := asVMException(err); ok {
			vmx = fault
		} else {
			vmx = &hart.VMException{HartID: h.ID(), Cause: err}
		}
		m.faultMu.Lock()
		m.faults = append(m.faults, vmx)
		m.faultMu.Unlock()
		m.log.Error("hart faulted", "hart", h.ID(), "err", err)
	}
}

func asVMException(err error) (*hart.VMException, bool) {
	vmx, ok := err.(*hart.VMException)
	return vmx, ok
}

// tick advances the shared monotonic clock until Stop, grounding the
// mapped-CSR time/time_cmp window the guest polls for timer interrupts.
func (m *Machine) tick() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := m.Mem.AddTime(1)
			cmp := m.Mem.TimeCmp()
			if cmp != 0 && now >= cmp {
				for _, h := range m.harts {
					h.CSR.RaiseInterrupt(mtipCause)
				}
			}
		}
	}
}

// mtipCause is the mip bit index for the machine timer interrupt.
const mtipCause = 7

// Stop halts every hart and waits (with a timeout) for their goroutines
// to exit. Safe to call more than once, from both the exit ecall and
// the host's own shutdown path.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		for _, h := range m.harts {
			h.Stop()
		}
		close(m.done)
		waited := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(5 * time.Second):
			m.log.Warn("timed out waiting for harts to stop")
		}
	})
}

// Faults returns any VMExceptions raised since boot, in arrival order.
func (m *Machine) Faults() []*hart.VMException {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	out := make([]*hart.VMException, len(m.faults))
	copy(out, m.faults)
	return out
}

// Snapshot aggregates a debug snapshot of every hart, ordered by id.
func (m *Machine) Snapshot() []hart.Snapshot {
	out := make([]hart.Snapshot, len(m.harts))
	for i, h := range m.harts {
		out[i] = h.Snapshot()
	}
	return out
}

// SetBreakpoint/ClearBreakpoint delegate to every hart uniformly, since
// the debug console addresses breakpoints by virtual address, not by hart.
func (m *Machine) SetBreakpoint(addr uint64) {
	for _, h := range m.harts {
		h.SetBreakpoint(addr)
	}
}

func (m *Machine) ClearBreakpoint(addr uint64) {
	for _, h := range m.harts {
		h.ClearBreakpoint(addr)
	}
}

// String renders a one-line summary of the machine.
func (m *Machine) String() string {
	return fmt.Sprintf("machine: %d hart(s), max_address=%#x", len(m.harts), m.Mem.MaxAddress())
}
