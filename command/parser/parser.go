/*
   Debug console command parser.

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

// Package parser tokenizes and dispatches the interactive debug console's
// command lines against a running system.Machine.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rvsim/rv64core/system"
)

type cmd struct {
	name    string
	min     int
	process func(*cmdLine, *system.Machine) (bool, error)
}

type cmdLine struct {
	line string
	pos  int
}

var cmdList = []cmd{
	{name: "regs", min: 1, process: regs},
	{name: "mem", min: 1, process: mem},
	{name: "break", min: 2, process: setBreak},
	{name: "clear", min: 2, process: clearBreak},
	{name: "step", min: 2, process: step},
	{name: "continue", min: 1, process: cont},
	{name: "pause", min: 1, process: pause},
	{name: "dump", min: 1, process: dump},
	{name: "quit", min: 1, process: quit},
}

// ProcessCommand tokenizes and runs one command line. The bool return
// reports whether the console should exit.
func ProcessCommand(commandLine string, m *system.Machine) (bool, error) {
	line := cmdLine{line: commandLine}
	word := line.getWord()

	match := matchList(word)
	switch {
	case len(match) == 0:
		return false, errors.New("command not found: " + word)
	case len(match) > 1:
		return false, errors.New("ambiguous command: " + word)
	}

	return match[0].process(&line, m)
}

// CompleteCmd returns the command names a partial line could continue to.
func CompleteCmd(commandLine string) []string {
	line := cmdLine{line: commandLine}
	word := line.getWord()
	matches := []string{}
	for _, c := range matchList(word) {
		matches = append(matches, c.name)
	}
	return matches
}

func matchList(word string) []cmd {
	if word == "" {
		return nil
	}
	var match []cmd
	for _, c := range cmdList {
		if matchCommand(c, word) {
			match = append(match, c)
		}
	}
	return match
}

func matchCommand(c cmd, word string) bool {
	if len(word) > len(c.name) || len(word) < c.min {
		return false
	}
	return c.name[:len(word)] == word
}

func (l *cmdLine) isEOL() bool { return l.pos >= len(l.line) }

func (l *cmdLine) skipSpace() {
	for !l.isEOL() && unicode.IsSpace(rune(l.line[l.pos])) {
		l.pos++
	}
}

// getWord returns the next whitespace-delimited token, lower-cased.
func (l *cmdLine) getWord() string {
	l.skipSpace()
	start := l.pos
	for !l.isEOL() && !unicode.IsSpace(rune(l.line[l.pos])) {
		l.pos++
	}
	return strings.ToLower(l.line[start:l.pos])
}

// getHex parses the next token as a hex address, accepting an optional 0x prefix.
func (l *cmdLine) getHex() (uint64, error) {
	tok := strings.TrimPrefix(l.getWord(), "0x")
	if tok == "" {
		return 0, errors.New("expected an address")
	}
	return strconv.ParseUint(tok, 16, 64)
}

// getInt parses the next token as a decimal integer.
func (l *cmdLine) getInt(def int) (int, error) {
	tok := l.getWord()
	if tok == "" {
		return def, nil
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("expected a number: %w", err)
	}
	return v, nil
}
