// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package massattach

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/btf"
	log "github.com/sirupsen/logrus"

	"github.com/kerneltrace/massattach/kallsyms"
	"github.com/kerneltrace/massattach/rlimit"
	"github.com/kerneltrace/massattach/tracefs"
)

// errMaxFuncsReached terminates the BTF walk once the configured cap is hit.
var errMaxFuncsReached = errors.New("maximum function count reached")

// Prepare builds the attachment plan: it loads the kernel symbol and ftrace
// tables, raises the resource limits the Load phase depends on, walks every
// FUNC entry in kernel BTF through the selection pipeline, and points the
// surviving per-arity prototypes at concrete attach targets.
func (att *Attacher) Prepare() error {
	ksyms, err := kallsyms.Load()
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", kallsyms.DefaultPath, err)
	}
	att.ksyms = ksyms

	// Bump RLIMIT_MEMLOCK so the BPF subsystem accepts thousands of
	// programs; restored in Close.
	restore, err := rlimit.MaximizeMemlock()
	if err != nil {
		return fmt.Errorf("failed to set RLIMIT_MEMLOCK: %w", err)
	}
	att.restoreMemlock = restore

	if err := rlimit.RaiseFileno(att.maxFilenoRlimit); err != nil {
		return fmt.Errorf("failed to set RLIMIT_NOFILE: %w", err)
	}

	kprobes, err := tracefs.LoadAvailableFuncs()
	if err != nil {
		return fmt.Errorf("failed to read the list of available attach targets: %w", err)
	}
	att.kprobes = kprobes

	att.kernelBTF, err = btf.LoadKernelSpec()
	if err != nil {
		return fmt.Errorf("failed to load kernel BTF: %w", err)
	}

	for typ, err := range att.kernelBTF.All() {
		if err != nil {
			return fmt.Errorf("failed to iterate kernel BTF: %w", err)
		}

		fn, ok := typ.(*btf.Func)
		if !ok {
			continue
		}

		id, err := att.kernelBTF.TypeID(fn)
		if err != nil {
			return fmt.Errorf("failed to resolve type id of '%s': %w", fn.Name, err)
		}

		if err := att.considerFunc(fn, id); err != nil {
			if errors.Is(err, errMaxFuncsReached) {
				break
			}
			return err
		}
	}

	return att.finishSelection()
}

// considerFunc runs one candidate through the selection pipeline and
// appends it to the plan if it survives. errMaxFuncsReached signals that
// the walk should terminate.
func (att *Attacher) considerFunc(fn *btf.Func, id btf.TypeID) error {
	name := fn.Name

	addr, ok := att.ksyms.Lookup(name)
	if !ok {
		if att.verbose {
			log.Infof("Function '%s' not found in /proc/kallsyms! Skipping.", name)
		}
		att.skipCnt++
		return nil
	}

	// any deny glob forces skipping a function
	for _, g := range att.denyGlobs {
		if !g.Match(name) {
			continue
		}
		g.Matches++
		if att.debugExtra {
			log.Tracef("Function '%s' is denied by '%s' glob.", name, g.Pattern)
		}
		att.skipCnt++
		return nil
	}

	// if any allow glob is specified, function has to match one of them
	if len(att.allowGlobs) > 0 {
		matched := false
		for _, g := range att.allowGlobs {
			if !g.Match(name) {
				continue
			}
			g.Matches++
			if att.debugExtra {
				log.Tracef("Function '%s' is allowed by '%s' glob.", name, g.Pattern)
			}
			matched = true
			break
		}
		if !matched {
			if att.debugExtra {
				log.Tracef("Function '%s' doesn't match any allow glob, skipping.", name)
			}
			att.skipCnt++
			return nil
		}
	}

	if !att.kprobes.IsAttachable(name) {
		if att.debugExtra {
			log.Tracef("Function '%s' is not an attachable kprobe, skipping.", name)
		}
		att.skipCnt++
		return nil
	}

	proto, ok := fn.Type.(*btf.FuncProto)
	if !ok || !isFuncProtoTraceable(proto) {
		if att.debug {
			log.Debugf("Function '%s' has prototype incompatible with fentry/fexit, skipping.", name)
		}
		att.skipCnt++
		return nil
	}

	if att.maxFuncCnt > 0 && len(att.funcs) >= att.maxFuncCnt {
		if att.verbose {
			log.Infof("Maximum allowed number of functions (%d) reached, skipping the rest.",
				att.maxFuncCnt)
		}
		return errMaxFuncsReached
	}

	if att.funcFilter != nil && !att.funcFilter(att.kernelBTF, id, name, len(att.funcs)) {
		if att.debug {
			log.Debugf("Function '%s' skipped due to custom filter function.", name)
		}
		att.skipCnt++
		return nil
	}

	argCnt := len(proto.Params)

	att.funcCnts[argCnt]++
	if att.funcCnts[argCnt] == 1 {
		att.funcIdxForArgCnt[argCnt] = len(att.funcs)
	}

	att.funcs = append(att.funcs, FuncInfo{
		Addr:   addr,
		Name:   name,
		BTFID:  id,
		ArgCnt: argCnt,
	})

	if att.debugExtra {
		log.Tracef("Found function '%s' at address 0x%x...", name, addr)
	}
	return nil
}

// finishSelection validates the plan, wires the per-arity prototypes to
// their template targets, disables the slots without consumers, and
// pre-sizes the address lookup map.
func (att *Attacher) finishSelection() error {
	if len(att.funcs) == 0 {
		log.Errorf("No matching functions found.")
		return ErrNoFunctionsMatched
	}

	for argCnt := 0; argCnt <= maxFuncArgCnt; argCnt++ {
		if att.funcCnts[argCnt] > 0 {
			tmpl := &att.funcs[att.funcIdxForArgCnt[argCnt]]
			att.protos.setAttachTarget(argCnt, tmpl.Name)

			if att.debug {
				log.Debugf("Found total %d functions with %d arguments.",
					att.funcCnts[argCnt], argCnt)
			}
		} else {
			att.protos.disableAutoload(argCnt)
		}
	}

	if att.verbose {
		log.Infof("Found %d attachable functions in total.", len(att.funcs))
		log.Infof("Skipped %d functions in total.", att.skipCnt)

		if att.debug {
			for _, g := range att.denyGlobs {
				log.Debugf("Deny glob '%s' matched %d functions.", g.Pattern, g.Matches)
			}
			for _, g := range att.allowGlobs {
				log.Debugf("Allow glob '%s' matched %d functions.", g.Pattern, g.Matches)
			}
		}
	}

	att.protos.sizeIPToID(len(att.funcs))

	return nil
}
