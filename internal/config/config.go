// Package config loads runtime_configure's parameters (cost limit, worker
// count, module cache size, fail-safe enablement) from a TOML file, mirroring
// the teacher's gprobeConfig / tomlSettings pattern in cmd/gprobe/config.go.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"
	"github.com/shirou/gopsutil/cpu"
)

// tomlSettings mirrors the teacher's exact normalization: TOML keys use the
// same names as the Go struct fields, and an unknown field is a hard error
// instead of being silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Config holds everything an embedder passes to runtime_configure.
type Config struct {
	// CostLimit bounds the number of instructions a single execute() call may
	// run before RuntimeError.CostLimitExceeded. Zero means unlimited.
	CostLimit uint64

	// WorkerCount sizes the scheduler's worker pool. Zero means "default to
	// the number of logical CPUs" (resolved by Resolve, not left at zero).
	WorkerCount int

	// ModuleCacheSize bounds the module loader's LRU cache (entries, not
	// bytes).
	ModuleCacheSize int

	// FailSafe, if true, makes Configure warn when the persisted fail-safe
	// gate has never been enabled; it does not enable or lock the gate
	// itself, whose state comes only from FailSafeStatePath.
	FailSafe bool

	// FailSafeStatePath is the host-chosen location for the persisted
	// passphrase hash and salt (see failsafe.FileStore).
	FailSafeStatePath string
}

// Default returns the configuration used when an embedder supplies none.
func Default() Config {
	return Config{
		CostLimit:       0,
		WorkerCount:     0,
		ModuleCacheSize: 256,
		FailSafe:        false,
	}
}

// Load reads and decodes a TOML configuration file, starting from Default()
// so unset fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return cfg, err
}

// Resolve fills in environment-dependent defaults (worker count) and returns
// a copy ready to drive the scheduler and loader.
func (c Config) Resolve() Config {
	out := c
	if out.WorkerCount <= 0 {
		out.WorkerCount = defaultWorkerCount()
	}
	if out.ModuleCacheSize <= 0 {
		out.ModuleCacheSize = 256
	}
	return out
}

// defaultWorkerCount defaults to the number of logical CPUs, via gopsutil
// rather than runtime.NumCPU, per spec.md §5 ("one per logical CPU by
// default") and SPEC_FULL.md's scheduler domain-stack wiring.
func defaultWorkerCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}
