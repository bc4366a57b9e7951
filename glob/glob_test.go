// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package glob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsBadPatterns(t *testing.T) {
	for _, pattern := range []string{
		"",
		"**",
		"a*b",
		"*a*b",
		"a*b*",
		"rcu*read*lock",
	} {
		t.Run(pattern, func(t *testing.T) {
			_, err := Compile(pattern)
			require.ErrorIs(t, err, ErrInvalidPattern)
		})
	}
}

func TestMatch(t *testing.T) {
	tests := map[string]struct {
		pattern string
		input   string
		want    bool
	}{
		"universal empty":        {"*", "", true},
		"universal":              {"*", "vfs_read", true},
		"exact hit":              {"vfs_read", "vfs_read", true},
		"exact miss":             {"vfs_read", "vfs_readv", false},
		"prefix hit":             {"vfs_*", "vfs_read", true},
		"prefix exact len":       {"vfs_*", "vfs_", true},
		"prefix miss":            {"vfs_*", "tcp_sendmsg", false},
		"prefix too short":       {"vfs_read*", "vfs", false},
		"suffix hit":             {"*_read", "vfs_read", true},
		"suffix exact len":       {"*_read", "_read", true},
		"suffix miss":            {"*_read", "vfs_readv", false},
		"suffix too short":       {"*vfs_read", "read", false},
		"substring hit":          {"*sys*", "__x64_sys_open", true},
		"substring at start":     {"*sys*", "sys_open", true},
		"substring at end":       {"*sys*", "do_sys", true},
		"substring miss":         {"*sys*", "vfs_read", false},
		"universal any name":     {"*", "anything", true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			g, err := Compile(tc.pattern)
			require.NoError(t, err)
			assert.Equal(t, tc.want, g.Match(tc.input))
		})
	}
}

func TestMatchPropertyStyle(t *testing.T) {
	names := []string{
		"", "a", "ab", "vfs_read", "vfs_write", "tcp_sendmsg",
		"rcu_read_lock", "rcu_read_lock_sched", "__bpf_prog_enter_sleepable",
	}

	universal, err := Compile("*")
	require.NoError(t, err)
	prefix, err := Compile("vfs_*")
	require.NoError(t, err)
	suffix, err := Compile("*_lock")
	require.NoError(t, err)
	substr, err := Compile("*read*")
	require.NoError(t, err)

	for _, s := range names {
		assert.True(t, universal.Match(s), "universal glob must match %q", s)
		assert.Equal(t, len(s) >= 4 && s[:4] == "vfs_", prefix.Match(s), "prefix vs %q", s)
		assert.Equal(t, len(s) >= 5 && s[len(s)-5:] == "_lock", suffix.Match(s), "suffix vs %q", s)

		contains := false
		for i := 0; i+4 <= len(s); i++ {
			if s[i:i+4] == "read" {
				contains = true
			}
		}
		assert.Equal(t, contains, substr.Match(s), "substring vs %q", s)
	}
}

func TestMatchDoesNotAllocate(t *testing.T) {
	g, err := Compile("*read*")
	require.NoError(t, err)

	allocs := testing.AllocsPerRun(100, func() {
		g.Match("vfs_read")
		g.Match("tcp_sendmsg")
	})
	assert.Zero(t, allocs)
}
