/*
   Fixed-width hex formatting for register/CSR dumps, with a signed-decimal
   companion column.

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

package hex

import (
	"fmt"
	"strings"
)

var hexMap = "0123456789ABCDEF"

// FormatWord64 writes a 16-digit hex value.
func FormatWord64(str *strings.Builder, v uint64) {
	shift := 60
	for range 16 {
		str.WriteByte(hexMap[(v>>uint(shift))&0xf])
		shift -= 4
	}
}

// FormatWord32 writes an 8-digit hex value.
func FormatWord32(str *strings.Builder, v uint32) {
	shift := 28
	for range 8 {
		str.WriteByte(hexMap[(v>>uint(shift))&0xf])
		shift -= 4
	}
}

// FormatReg64 writes "0x<16 hex digits> (<signed decimal>)", the layout
// used for every integer register and CSR line in a VM dump.
func FormatReg64(str *strings.Builder, v uint64) {
	str.WriteString("0x")
	FormatWord64(str, v)
	fmt.Fprintf(str, " (%d)", int64(v))
}

// FormatFloat64 writes "0x<16 hex digits> (<float>)" for an FPU register,
// interpreting the raw bits under the caller-supplied decoder.
func FormatFloat64(str *strings.Builder, raw uint64, value float64) {
	str.WriteString("0x")
	FormatWord64(str, raw)
	fmt.Fprintf(str, " (%g)", value)
}

// FormatPresent writes either a formatted word or "<unavailable>" when ok is false.
func FormatPresent(str *strings.Builder, v uint64, ok bool) {
	if !ok {
		str.WriteString("<unavailable>")
		return
	}
	FormatReg64(str, v)
}
