/*
   rv64emu - multi-hart RISC-V system emulator entry point.

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

package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	getopt "github.com/pborman/getopt/v2"

	"github.com/rvsim/rv64core/command/reader"
	"github.com/rvsim/rv64core/memory"
	"github.com/rvsim/rv64core/system"
	logger "github.com/rvsim/rv64core/util/logger"
)

const (
	biosBase     = 0x00001000
	ramSize      = 16 << 20
	fbBase       = 0xFFE00000
	fbWidth      = 800
	fbHeight     = 600
	mappedCSRBase = 0xF00
	maxAddress   = 1 << 32
)

var Logger *slog.Logger

// stdioConsole wires the guest console ecalls to the host's stdin/stdout.
type stdioConsole struct {
	in *bufio.Reader
}

func (c *stdioConsole) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (c *stdioConsole) ReadLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil {
		return line, err
	}
	return line[:len(line)-1], nil
}

func main() {
	optBios := getopt.StringLong("bios_file", 0, "", "Guest image to load")
	optCores := getopt.IntLong("cores", 0, 1, "Number of harts")
	optPause := getopt.Bool('p', "Start hart 0 paused")
	optPauseOnBreak := getopt.BoolLong("pause_on_break", 0, "Enter paused state on EBREAK")
	optPauseOnRestart := getopt.BoolLong("pause_on_restart", 0, "Enter paused state after each Restart")
	optDumpPath := getopt.StringLong("dump_path", 0, "dump.txt", "Where to write a VMException dump")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	log, err := logger.New(*optLogFile, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot open log file:", err)
		os.Exit(-1)
	}
	Logger = log
	slog.SetDefault(Logger)

	if *optBios == "" {
		Logger.Error("bios_file is required")
		os.Exit(-1)
	}

	mem := memory.New(maxAddress, Logger)
	mem.AddRAM(biosBase, ramSize)
	mem.AddFramebuffer(fbBase, fbWidth, fbHeight)
	mem.AddMappedCSR(mappedCSRBase)

	if _, err := mem.ReadFileInto(*optBios, biosBase); err != nil {
		Logger.Error("loading bios image", "err", err)
		os.Exit(-1)
	}

	m := system.New(system.Config{
		Mem:            mem,
		Cores:          *optCores,
		Log:            Logger,
		Console:        &stdioConsole{in: bufio.NewReader(os.Stdin)},
		PauseOnBreak:   *optPauseOnBreak,
		PauseOnRestart: *optPauseOnRestart,
	})

	Logger.Info("rv64emu started", "cores", *optCores, "bios_file", *optBios)
	m.Boot(biosBase, *optPause)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go reader.ConsoleReader(m)

	select {
	case <-sigChan:
		Logger.Info("got quit signal")
	case <-m.ExitedCh():
	}

	m.Stop()

	if faults := m.Faults(); len(faults) > 0 {
		f, err := os.Create(*optDumpPath)
		if err != nil {
			Logger.Error("writing dump", "err", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := system.WriteDump(f, m.Snapshot(), faults[0]); err != nil {
			Logger.Error("writing dump", "err", err)
		}
		os.Exit(1)
	}

	if code, ok := m.ExitCode(); ok {
		os.Exit(int(code))
	}
	os.Exit(0)
}
