// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

// Package kallsyms reads /proc/kallsyms into a lookup table from kernel
// function name to virtual address.
package kallsyms // import "github.com/kerneltrace/massattach/kallsyms"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/kerneltrace/massattach/stringutil"
)

// DefaultPath is where the kernel exposes its symbol table.
const DefaultPath = "/proc/kallsyms"

// pointerBits is the number of bits for a pointer. Used to validate address
// values from the kallsyms file.
const pointerBits = int(unsafe.Sizeof(uintptr(0)) * 8)

// ErrNoSymbols is returned when every symbol address reads as zero, which
// means the process lacks the capabilities to see real addresses.
var ErrNoSymbols = errors.New("unable to read kallsyms addresses - check capabilities")

// Table maps kernel function names to their virtual addresses.
type Table struct {
	addrs map[string]uint64
}

// Load reads and parses DefaultPath.
func Load() (*Table, error) {
	file, err := os.Open(DefaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", DefaultPath, err)
	}
	defer file.Close()

	return LoadFrom(file)
}

// LoadFrom parses /proc/kallsyms formatted data from r. Only text symbols
// (types T, t, W, w) are kept; everything else cannot be a traced function.
func LoadFrom(r io.Reader) (*Table, error) {
	t := &Table{addrs: make(map[string]uint64, 128*1024)}
	noAddrs := true

	for scanner := bufio.NewScanner(r); scanner.Scan(); {
		// Avoid heap allocation by not using scanner.Text().
		// NOTE: The underlying bytes will change with the next call to
		// scanner.Scan(), so the name is copied before it is retained.
		line := stringutil.ByteSlice2String(scanner.Bytes())

		var fields [4]string
		nFields := stringutil.FieldsN(line, fields[:])
		if nFields < 3 {
			return nil, fmt.Errorf("unexpected line in kallsyms: '%s'", line)
		}

		if strings.IndexByte("TtWw", fields[1][0]) == -1 {
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, pointerBits)
		if err != nil {
			return nil, fmt.Errorf("failed to parse address value: '%s'", fields[0])
		}
		if addr != 0 {
			noAddrs = false
		}

		name := strings.Clone(fields[2])
		if _, ok := t.addrs[name]; !ok {
			t.addrs[name] = addr
		}
	}

	if noAddrs {
		return nil, ErrNoSymbols
	}

	log.Debugf("Loaded %d kernel text symbols", len(t.addrs))
	return t, nil
}

// Lookup returns the address of the named function and whether it is known.
func (t *Table) Lookup(name string) (uint64, bool) {
	addr, ok := t.addrs[name]
	return addr, ok
}

// Len returns the number of known function symbols.
func (t *Table) Len() int {
	return len(t.addrs)
}
