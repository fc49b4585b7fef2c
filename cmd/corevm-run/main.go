// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Command corevm-run loads a corevm bytecode module, executes its entry
// function, and drops into an interactive console for spawning further
// calls against the same live runtime.
//
// Usage:
//
//	corevm-run [flags] <module.ncv>
//
// Flags:
//
//	-config <path>  TOML runtime configuration (see internal/config.Config)
//	-roots <dirs>   Comma-separated module search roots for the runtime's loader
//	-version        Print version and exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/probeum/corevm/internal/config"
	"github.com/probeum/corevm/runtime"
	"github.com/probeum/corevm/value"
)

const version = "0.1.0"

const historyFile = ".corevm-run_history"

func main() {
	var (
		configPath = flag.String("config", "", "TOML runtime configuration file")
		rootsFlag  = flag.String("roots", "", "Comma-separated module search roots")
		ver        = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *ver {
		fmt.Printf("corevm-run %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: corevm-run [flags] <module.ncv>")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
			os.Exit(1)
		}
	}

	var roots []string
	if *rootsFlag != "" {
		roots = strings.Split(*rootsFlag, ",")
	}

	r := runtime.New()
	if err := r.Configure(cfg, roots, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: configuring runtime: %v\n", err)
		os.Exit(1)
	}
	defer r.Shutdown()

	modulePath := flag.Arg(0)
	data, err := os.ReadFile(modulePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := r.LoadModuleBytes(data); err != nil {
		fmt.Fprintf(os.Stderr, "error: loading module: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	result, err := r.Execute(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: executing %s: %v\n", filepath.Base(modulePath), err)
		os.Exit(1)
	}
	fmt.Printf("%s => %s\n", filepath.Base(modulePath), result.String())

	runREPL(ctx, r)
}

// runREPL issues further spawn/await calls against functions of the
// already-loaded module by index, without reintroducing a tokenizer or
// parser: each line is either "spawn <functionIndex> [args...]" or
// "await <taskID>".
func runREPL(ctx context.Context, r *runtime.Runtime) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyPath()); err == nil {
		line.ReadHistory(bufio.NewReader(f))
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath()); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Println("corevm-run console: spawn <functionIndex> [int args...] | await <taskID> | quit")
	for {
		input, err := line.Prompt("corevm> ")
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		switch fields[0] {
		case "quit", "exit":
			return
		case "spawn":
			handleSpawn(r, fields[1:])
		case "await":
			handleAwait(ctx, r, fields[1:])
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", fields[0])
		}
	}
}

func handleSpawn(r *runtime.Runtime, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: spawn <functionIndex> [int args...]")
		return
	}
	fnIdx, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad function index: %v\n", err)
		return
	}
	callArgs := make([]value.Value, 0, len(args)-1)
	for _, a := range args[1:] {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad argument %q: %v\n", a, err)
			return
		}
		callArgs = append(callArgs, value.Int(n))
	}
	id := r.Spawn(uint32(fnIdx), callArgs)
	fmt.Printf("task %d spawned\n", id)
}

func handleAwait(ctx context.Context, r *runtime.Runtime, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: await <taskID>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad task id: %v\n", err)
		return
	}
	result, err := r.Await(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task %d failed: %v\n", id, err)
		return
	}
	fmt.Printf("task %d => %s\n", id, result.String())
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFile
	}
	return filepath.Join(home, historyFile)
}
