// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package kallsyms

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom(t *testing.T) {
	table, err := LoadFrom(strings.NewReader(
		`0000000000000000 A __per_cpu_start
0000000000001000 A cpu_debug_store
ffffffffb5000000 T _stext
ffffffffb5000123 T startup_64
ffffffffb5000190 t __startup_64
ffffffffb5001200 W __weak_hook
ffffffffb5002000 D some_data
ffffffffc03cc610 t perf_trace_xfs_attr_list_class	[xfs]
ffffffffc03cc770 t perf_trace_xfs_perag_class	[xfs]
`))
	require.NoError(t, err)

	addr, ok := table.Lookup("startup_64")
	assert.True(t, ok)
	assert.Equal(t, uint64(0xffffffffb5000123), addr)

	addr, ok = table.Lookup("__startup_64")
	assert.True(t, ok)
	assert.Equal(t, uint64(0xffffffffb5000190), addr)

	// Weak text symbols are kept.
	_, ok = table.Lookup("__weak_hook")
	assert.True(t, ok)

	// Module annotations do not leak into the name.
	addr, ok = table.Lookup("perf_trace_xfs_attr_list_class")
	assert.True(t, ok)
	assert.Equal(t, uint64(0xffffffffc03cc610), addr)

	// Data and per-cpu symbols are dropped.
	_, ok = table.Lookup("some_data")
	assert.False(t, ok)
	_, ok = table.Lookup("__per_cpu_start")
	assert.False(t, ok)
}

func TestLoadFromPermissions(t *testing.T) {
	// All-zero addresses mean the reader lacks the needed capabilities.
	_, err := LoadFrom(strings.NewReader(
		`0000000000000000 T _stext
0000000000000000 T startup_64
0000000000000000 t __startup_64
`))
	assert.Equal(t, ErrNoSymbols, err)
}

func TestLoadFromDuplicateKeepsFirst(t *testing.T) {
	table, err := LoadFrom(strings.NewReader(
		`ffffffffb5000100 t dup_func
ffffffffb5000200 t dup_func	[mod]
`))
	require.NoError(t, err)

	addr, ok := table.Lookup("dup_func")
	assert.True(t, ok)
	assert.Equal(t, uint64(0xffffffffb5000100), addr)
	assert.Equal(t, 1, table.Len())
}

func TestLoadFromMalformed(t *testing.T) {
	_, err := LoadFrom(strings.NewReader("ffffffffb5000100 t\n"))
	assert.Error(t, err)

	_, err = LoadFrom(strings.NewReader("zzzz T startup_64\n"))
	assert.Error(t, err)
}
