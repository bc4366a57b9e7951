// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracefs answers whether a kernel function can be attached to by
// the tracing subsystem, based on the ftrace filter function list.
package tracefs // import "github.com/kerneltrace/massattach/tracefs"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/kerneltrace/massattach/stringutil"
)

// DefaultPath lists every function ftrace can hook on this kernel.
const DefaultPath = "/sys/kernel/tracing/available_filter_functions"

// FuncSet holds the sorted set of attachable function names.
type FuncSet struct {
	names []string
}

// LoadAvailableFuncs reads and parses DefaultPath.
func LoadAvailableFuncs() (*FuncSet, error) {
	file, err := os.Open(DefaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", DefaultPath, err)
	}
	defer file.Close()

	return LoadFrom(file)
}

// LoadFrom parses available_filter_functions formatted data from r. The
// first whitespace-delimited token of each line is the function name;
// trailing tokens such as module annotations are ignored.
func LoadFrom(r io.Reader) (*FuncSet, error) {
	names := make([]string, 0, 64*1024)

	for scanner := bufio.NewScanner(r); scanner.Scan(); {
		line := stringutil.ByteSlice2String(scanner.Bytes())

		var fields [2]string
		if stringutil.FieldsN(line, fields[:]) < 1 {
			continue
		}
		names = append(names, strings.Clone(fields[0]))
	}

	sort.Strings(names)

	// Modular symbols with identical base names collapse to one entry.
	out := names[:0]
	for i, name := range names {
		if i == 0 || name != names[i-1] {
			out = append(out, name)
		}
	}

	log.Debugf("Discovered %d available attach targets", len(out))
	return &FuncSet{names: out}, nil
}

// IsAttachable reports whether name is present in the set.
func (s *FuncSet) IsAttachable(name string) bool {
	i := sort.SearchStrings(s.names, name)
	return i < len(s.names) && s.names[i] == name
}

// Len returns the number of attachable functions.
func (s *FuncSet) Len() int {
	return len(s.names)
}
