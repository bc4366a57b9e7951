// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package massattach

import (
	"fmt"
	"io"

	cebpf "github.com/cilium/ebpf"
)

// Map and variable names the prototype object must define.
const (
	// ipToIDMapName maps a traced function's address to its selection index.
	ipToIDMapName = "ip_to_id"
	// readyMapName holds the activation flag, a single __u32 placed in its
	// own data section so it can be flipped without touching anything else.
	readyMapName = ".data.ready"
)

// ProtoSet is the unloaded prototype program set. The backing BPF object
// must define one fentry and one fexit program per supported argument count,
// named fentry0..fentry11 and fexit0..fexit11, the ip_to_id lookup map, and
// a __u32 activation flag in the ".data.ready" section. The programs check
// the flag on entry and stay inert until it is set.
type ProtoSet struct {
	spec *cebpf.CollectionSpec

	fentries [maxFuncArgCnt + 1]*cebpf.ProgramSpec
	fexits   [maxFuncArgCnt + 1]*cebpf.ProgramSpec

	// autoload marks the per-arity slots that have at least one selected
	// function. Slots without consumers are neither loaded nor cloned.
	autoload [maxFuncArgCnt + 1]bool
}

// NewProtoSet validates spec against the prototype contract and wraps it.
// The spec is not loaded into the kernel; that happens per clone during the
// attacher's Load phase.
func NewProtoSet(spec *cebpf.CollectionSpec) (*ProtoSet, error) {
	ps := &ProtoSet{spec: spec}

	for i := 0; i <= maxFuncArgCnt; i++ {
		name := fmt.Sprintf("fentry%d", i)
		prog, ok := spec.Programs[name]
		if !ok {
			return nil, fmt.Errorf("prototype object lacks program '%s'", name)
		}
		ps.fentries[i] = prog

		name = fmt.Sprintf("fexit%d", i)
		prog, ok = spec.Programs[name]
		if !ok {
			return nil, fmt.Errorf("prototype object lacks program '%s'", name)
		}
		ps.fexits[i] = prog
	}

	ipToID, ok := spec.Maps[ipToIDMapName]
	if !ok {
		return nil, fmt.Errorf("prototype object lacks map '%s'", ipToIDMapName)
	}
	if ipToID.KeySize != 8 || ipToID.ValueSize != 4 {
		return nil, fmt.Errorf("map '%s' must map u64 addresses to u32 indices", ipToIDMapName)
	}

	ready, ok := spec.Maps[readyMapName]
	if !ok {
		return nil, fmt.Errorf("prototype object lacks map '%s'", readyMapName)
	}
	if ready.ValueSize != 4 {
		return nil, fmt.Errorf("map '%s' must hold a single u32", readyMapName)
	}

	return ps, nil
}

// LoadProtoSet reads a compiled prototype object from r and validates it.
func LoadProtoSet(r io.ReaderAt) (*ProtoSet, error) {
	spec, err := cebpf.LoadCollectionSpecFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to load prototype collection spec: %w", err)
	}
	return NewProtoSet(spec)
}

// LoadProtoSetFromFile reads a compiled prototype object from path.
func LoadProtoSetFromFile(path string) (*ProtoSet, error) {
	spec, err := cebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load prototype collection spec from %s: %w", path, err)
	}
	return NewProtoSet(spec)
}

// setAttachTarget points the arity-k prototypes at a concrete function and
// marks the slot for loading. The verifier demands a real target at load
// time even though every clone retargets; any admissible function of that
// arity serves.
func (ps *ProtoSet) setAttachTarget(argCnt int, funcName string) {
	ps.fentries[argCnt].AttachTo = funcName
	ps.fentries[argCnt].AttachType = cebpf.AttachTraceFEntry
	ps.fexits[argCnt].AttachTo = funcName
	ps.fexits[argCnt].AttachType = cebpf.AttachTraceFExit
	ps.autoload[argCnt] = true
}

// disableAutoload excludes the arity-k prototypes from loading and cloning.
func (ps *ProtoSet) disableAutoload(argCnt int) {
	ps.autoload[argCnt] = false
}

// sizeIPToID pre-sizes the address lookup map to the selection size.
func (ps *ProtoSet) sizeIPToID(funcCnt int) {
	ps.spec.Maps[ipToIDMapName].MaxEntries = uint32(funcCnt)
}
