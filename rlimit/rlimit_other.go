//go:build !linux

// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package rlimit // import "github.com/kerneltrace/massattach/rlimit"

import "errors"

// MaximizeMemlock always returns an error on this platform; the memlock
// resource limit is left unchanged.
func MaximizeMemlock() (func(), error) {
	return nil, errors.New("operation is only supported on Linux")
}

// RaiseFileno always returns an error on this platform; the open-file limit
// is left unchanged.
func RaiseFileno(_ uint64) error {
	return errors.New("operation is only supported on Linux")
}
