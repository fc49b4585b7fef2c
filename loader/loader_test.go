package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/probeum/corevm/bytecode"
	"github.com/probeum/corevm/bytecode/asm"
	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/value"

	"github.com/stretchr/testify/require"
)

func writeSampleModule(t *testing.T, path string) {
	t.Helper()
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(7))).
		Emit(bytecode.OpReturn)
	mod, err := m.Build()
	require.NoError(t, err)
	data, err := bytecode.Encode(mod)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestLoadModuleAndCacheHit(t *testing.T) {
	dir := t.TempDir()
	writeSampleModule(t, filepath.Join(dir, "sample.ncv"))

	l, err := New([]string{dir}, 16)
	require.NoError(t, err)
	defer l.Close()

	mod1, err := l.LoadModule(context.Background(), "sample.ncv")
	require.NoError(t, err)
	mod2, err := l.LoadModule(context.Background(), "sample.ncv")
	require.NoError(t, err)
	require.Same(t, mod1, mod2)
}

func TestLoadModuleRejectsBadName(t *testing.T) {
	l, err := New(nil, 16)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.LoadModule(context.Background(), "../../etc/passwd")
	require.ErrorIs(t, err, errs.ErrIO)
}

func TestLoadModuleMissingFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New([]string{dir}, 16)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.LoadModule(context.Background(), "nope.ncv")
	require.ErrorIs(t, err, errs.ErrIO)
}

func TestLoadBytesRejectsBadMagic(t *testing.T) {
	_, err := LoadBytes([]byte("not-a-module"))
	require.Error(t, err)
}

func TestLoadBytesRunsOptimizer(t *testing.T) {
	m := asm.NewModule("main")
	m.Func("main", 0).
		EmitA(bytecode.OpLoadConst, m.Const(value.ConstInt(0))).
		Emit(bytecode.OpAdd).
		Emit(bytecode.OpReturn)
	built, err := m.Build()
	require.NoError(t, err)
	data, err := bytecode.Encode(built)
	require.NoError(t, err)

	mod, err := LoadBytes(data)
	require.NoError(t, err)
	require.Len(t, mod.Functions[0].Instructions, 1, "x + 0 should be optimized away before Add")
}
