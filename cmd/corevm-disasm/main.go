// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Command corevm-disasm prints a human-readable listing of a corevm
// bytecode module.
//
// Usage:
//
//	corevm-disasm [flags] <module.ncv>
//
// Flags:
//
//	-color    Colorize opcodes and entry markers (auto-detected otherwise)
//	-table    Render one table per function instead of a plain listing
//	-version  Print version and exit
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/probeum/corevm/bytecode"
)

const version = "0.1.0"

func main() {
	var (
		useColor = flag.Bool("color", false, "Colorize output (auto-detected if unset)")
		table    = flag.Bool("table", false, "Render one table per function")
		ver      = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *ver {
		fmt.Printf("corevm-disasm %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: corevm-disasm [flags] <module.ncv>")
		os.Exit(1)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	mod, err := bytecode.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := bytecode.Validate(mod); err != nil {
		fmt.Fprintf(os.Stderr, "error: module fails validation: %v\n", err)
		os.Exit(1)
	}

	colorEnabled := *useColor || isatty.IsTerminal(os.Stdout.Fd())
	out := colorable.NewColorableStdout()

	if *table {
		renderTables(out, mod, colorEnabled)
		return
	}
	renderPlain(out, mod, colorEnabled)
}

func renderPlain(out io.Writer, mod *bytecode.Module, colorEnabled bool) {
	listing := bytecode.Disassemble(mod)
	if !colorEnabled {
		fmt.Fprint(out, listing)
		return
	}
	entry := color.New(color.FgGreen, color.Bold)
	mnemonic := color.New(color.FgCyan)
	for _, line := range strings.Split(listing, "\n") {
		switch {
		case strings.HasPrefix(line, "=>"):
			entry.Fprintln(out, line)
		case strings.Contains(line, "["):
			mnemonic.Fprintln(out, line)
		default:
			fmt.Fprintln(out, line)
		}
	}
}

func renderTables(out io.Writer, mod *bytecode.Module, colorEnabled bool) {
	_ = colorEnabled
	for fi, fn := range mod.Functions {
		fmt.Fprintf(out, "func %d %q (arity=%d, locals=%d)\n", fi, fn.Name, fn.Arity, fn.Locals)
		tw := tablewriter.NewWriter(out)
		tw.SetHeader([]string{"ip", "opcode", "a", "b"})
		for ip, ins := range fn.Instructions {
			row := []string{strconv.Itoa(ip), ins.Opcode.String(), "", ""}
			switch ins.Opcode.Operands() {
			case 1:
				row[2] = strconv.FormatUint(uint64(ins.A), 10)
			case 2:
				row[2] = strconv.FormatUint(uint64(ins.A), 10)
				row[3] = strconv.FormatUint(uint64(ins.B), 10)
			}
			tw.Append(row)
		}
		tw.Render()
		fmt.Fprintln(out)
	}
}
