//go:build linux

// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package rlimit // import "github.com/kerneltrace/massattach/rlimit"

import (
	"fmt"

	"golang.org/x/sys/unix"

	log "github.com/sirupsen/logrus"
)

// MaximizeMemlock updates the memlock resource limit to RLIM_INFINITY.
// It returns a function to reset the resource limit to its original value or an error.
func MaximizeMemlock() (func(), error) {
	var oldLimit unix.Rlimit
	tmpLimit := unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}

	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &tmpLimit, &oldLimit); err != nil {
		return nil, fmt.Errorf("failed to set temporary rlimit: %w", err)
	}

	return func() {
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &oldLimit); err != nil {
			log.Fatalf("Failed to set old rlimit: %v", err)
		}
	}, nil
}

// RaiseFileno lifts the open-file limit to at least max. Two program clones
// plus two attach handles exist per traced function, so the default soft
// limit runs out within the first few thousand functions.
func RaiseFileno(maxFiles uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return fmt.Errorf("failed to read RLIMIT_NOFILE: %w", err)
	}
	if cur.Cur >= maxFiles && cur.Max >= maxFiles {
		return nil
	}

	newLimit := unix.Rlimit{Cur: maxFiles, Max: maxFiles}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &newLimit); err != nil {
		return fmt.Errorf("failed to raise RLIMIT_NOFILE to %d: %w", maxFiles, err)
	}
	return nil
}
