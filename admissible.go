// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package massattach

import (
	"github.com/cilium/ebpf/btf"
)

// stripModsAndTypedefs resolves modifier and typedef chains of arbitrary
// depth to the underlying type.
func stripModsAndTypedefs(t btf.Type) btf.Type {
	for {
		switch v := t.(type) {
		case *btf.Volatile:
			t = v.Type
		case *btf.Const:
			t = v.Type
		case *btf.Restrict:
			t = v.Type
		case *btf.Typedef:
			t = v.Type
		default:
			return t
		}
	}
}

// funcArgCnt returns the number of parameters of fn's prototype.
func funcArgCnt(fn *btf.Func) int {
	proto, ok := fn.Type.(*btf.FuncProto)
	if !ok {
		return 0
	}
	return len(proto.Params)
}

func isArgTypeTraceable(t btf.Type) bool {
	switch stripModsAndTypedefs(t).(type) {
	case *btf.Int, *btf.Pointer, *btf.Enum:
		return true
	}
	return false
}

func isRetTypeTraceable(t btf.Type) bool {
	switch v := stripModsAndTypedefs(t).(type) {
	case *btf.Int, *btf.Enum:
		return true
	case *btf.Pointer:
		// Pointers to void and to composites are fine; anything else the
		// trampoline cannot hand back reliably.
		switch stripModsAndTypedefs(v.Target).(type) {
		case *btf.Void, *btf.Struct, *btf.Union:
			return true
		}
	}
	return false
}

// isFuncProtoTraceable decides whether a function signature is supported by
// the fentry/fexit attach mechanism.
func isFuncProtoTraceable(proto *btf.FuncProto) bool {
	if len(proto.Params) > maxFuncArgCnt {
		return false
	}

	// Void-returning functions are skipped: the exit probes capture a
	// return value and have nothing to read for them.
	if _, ok := proto.Return.(*btf.Void); ok {
		return false
	}

	if !isRetTypeTraceable(proto.Return) {
		return false
	}

	for _, p := range proto.Params {
		// A void parameter is the variadic marker.
		if _, ok := p.Type.(*btf.Void); ok {
			return false
		}
		if !isArgTypeTraceable(p.Type) {
			return false
		}
	}

	return true
}
