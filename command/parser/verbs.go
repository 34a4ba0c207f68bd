/*
   Debug console verbs: regs, mem, break, clear, step, continue, pause,
   dump, quit.

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

package parser

import (
	"fmt"
	"os"

	"github.com/rvsim/rv64core/system"
	hexfmt "github.com/rvsim/rv64core/util/hex"
	"strings"
)

func regs(line *cmdLine, m *system.Machine) (bool, error) {
	id, err := line.getInt(0)
	if err != nil {
		return false, err
	}
	h := m.Hart(uint64(id))
	if h == nil {
		return false, fmt.Errorf("no such hart: %d", id)
	}
	snap := h.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "hart %d pc=", snap.HartID)
	hexfmt.FormatReg64(&b, snap.PC)
	b.WriteByte('\n')
	for i, v := range snap.Regs {
		fmt.Fprintf(&b, "x%-2d ", i)
		hexfmt.FormatReg64(&b, v)
		b.WriteByte('\n')
	}
	fmt.Println(b.String())
	return false, nil
}

func mem(line *cmdLine, m *system.Machine) (bool, error) {
	addr, err := line.getHex()
	if err != nil {
		return false, err
	}
	count, err := line.getInt(1)
	if err != nil {
		return false, err
	}
	var b strings.Builder
	for i := 0; i < count; i++ {
		word, err := m.Mem.ReadWord(addr + uint64(i)*4)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(&b, "%#010x: ", addr+uint64(i)*4)
		hexfmt.FormatWord32(&b, word)
		b.WriteByte('\n')
	}
	fmt.Println(b.String())
	return false, nil
}

func setBreak(line *cmdLine, m *system.Machine) (bool, error) {
	addr, err := line.getHex()
	if err != nil {
		return false, err
	}
	m.SetBreakpoint(addr)
	return false, nil
}

func clearBreak(line *cmdLine, m *system.Machine) (bool, error) {
	addr, err := line.getHex()
	if err != nil {
		return false, err
	}
	m.ClearBreakpoint(addr)
	return false, nil
}

func step(line *cmdLine, m *system.Machine) (bool, error) {
	id, err := line.getInt(0)
	if err != nil {
		return false, err
	}
	n, err := line.getInt(1)
	if err != nil {
		return false, err
	}
	h := m.Hart(uint64(id))
	if h == nil {
		return false, fmt.Errorf("no such hart: %d", id)
	}
	return false, h.Step(n)
}

func cont(line *cmdLine, m *system.Machine) (bool, error) {
	id, err := line.getInt(0)
	if err != nil {
		return false, err
	}
	h := m.Hart(uint64(id))
	if h == nil {
		return false, fmt.Errorf("no such hart: %d", id)
	}
	h.Resume()
	return false, nil
}

func pause(line *cmdLine, m *system.Machine) (bool, error) {
	id, err := line.getInt(0)
	if err != nil {
		return false, err
	}
	h := m.Hart(uint64(id))
	if h == nil {
		return false, fmt.Errorf("no such hart: %d", id)
	}
	h.Pause()
	return false, nil
}

func dump(line *cmdLine, m *system.Machine) (bool, error) {
	path := line.getWord()
	if path == "" {
		path = "dump.txt"
	}
	f, err := os.Create(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return false, system.WriteDump(f, m.Snapshot(), nil)
}

func quit(line *cmdLine, m *system.Machine) (bool, error) {
	return true, nil
}
