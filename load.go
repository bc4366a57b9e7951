// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package massattach

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	cebpf "github.com/cilium/ebpf"
	log "github.com/sirupsen/logrus"
)

// cloneLicense is the license every program clone is submitted under.
const cloneLicense = "Dual BSD/GPL"

// Load materializes the attachment plan. It creates the shared maps, binds
// them into the prototype instruction streams, captures one template per
// used (direction, arity) slot, and then submits one retargeted clone pair
// per selected function. Any failure aborts Load; acquired resources stay
// owned by the Attacher and are released by Close.
func (att *Attacher) Load() error {
	if len(att.funcs) == 0 {
		return errNotPrepared
	}

	if err := att.loadMaps(); err != nil {
		return err
	}

	att.captureTemplates()

	// In debug mode the prototypes are really loaded, purely to surface
	// the verifier log; the resulting programs are discarded.
	if att.debug {
		if err := att.loadPrototypes(); err != nil {
			return err
		}
	}

	if att.debug {
		log.Debugf("Preparing %d BPF program copies...", len(att.funcs)*2)
	}

	ipToID := att.maps[ipToIDMapName]
	for i := range att.funcs {
		fi := &att.funcs[i]

		if err := ipToID.Update(fi.Addr, uint32(i), cebpf.UpdateAny); err != nil {
			return fmt.Errorf("failed to add 0x%x -> '%s' lookup entry to BPF map: %w",
				fi.Addr, fi.Name, err)
		}

		prog, err := att.cloneProg(att.fentryTmpl[fi.ArgCnt], fi.Name, cebpf.AttachTraceFEntry)
		if err != nil {
			return fmt.Errorf("failed to clone fentry BPF program for function '%s': %w",
				fi.Name, err)
		}
		fi.fentry = prog

		prog, err = att.cloneProg(att.fexitTmpl[fi.ArgCnt], fi.Name, cebpf.AttachTraceFExit)
		if err != nil {
			return fmt.Errorf("failed to clone fexit BPF program for function '%s': %w",
				fi.Name, err)
		}
		fi.fexit = prog
	}

	att.loaded = true
	return nil
}

// loadMaps creates every map of the prototype collection and rewrites the
// map references inside the program instructions to the created maps.
func (att *Attacher) loadMaps() error {
	for name, spec := range att.protos.spec.Maps {
		m, err := cebpf.NewMap(spec)
		if err != nil {
			return fmt.Errorf("failed to create map %s: %w", name, err)
		}
		att.maps[name] = m
	}

	//nolint:staticcheck
	if err := att.protos.spec.RewriteMaps(att.maps); err != nil {
		return fmt.Errorf("failed to rewrite maps: %w", err)
	}
	return nil
}

// captureTemplates copies the rewritten instruction stream of every used
// prototype slot. The copies are what gets cloned per function; the
// prototype specs themselves are not touched again.
func (att *Attacher) captureTemplates() {
	for argCnt := 0; argCnt <= maxFuncArgCnt; argCnt++ {
		if !att.protos.autoload[argCnt] {
			continue
		}
		att.fentryTmpl[argCnt] = att.protos.fentries[argCnt].Copy()
		att.fexitTmpl[argCnt] = att.protos.fexits[argCnt].Copy()
	}
}

// loadPrototypes loads every used prototype against its template target and
// immediately discards the result. This exists so verification errors in
// the prototypes show up with a full verifier log instead of failing later
// on the first clone.
func (att *Attacher) loadPrototypes() error {
	for argCnt := 0; argCnt <= maxFuncArgCnt; argCnt++ {
		if !att.protos.autoload[argCnt] {
			continue
		}

		for _, tmpl := range []*cebpf.ProgramSpec{att.fentryTmpl[argCnt], att.fexitTmpl[argCnt]} {
			prog, err := att.loadProg(tmpl.Copy())
			if err != nil {
				return fmt.Errorf("failed to verify prototype %s: %w", tmpl.Name, err)
			}
			_ = prog.Close()
		}
	}
	return nil
}

// cloneProg submits one program to the kernel: the captured instruction
// stream of the slot, the prototype's program type, the clone license, and
// the attach target retargeted at funcName.
func (att *Attacher) cloneProg(tmpl *cebpf.ProgramSpec, funcName string,
	attachType cebpf.AttachType) (*cebpf.Program, error) {
	spec := tmpl.Copy()
	spec.AttachTo = funcName
	spec.AttachType = attachType
	spec.License = cloneLicense

	return att.loadProg(spec)
}

func (att *Attacher) loadProg(spec *cebpf.ProgramSpec) (*cebpf.Program, error) {
	prog, err := cebpf.NewProgramWithOptions(spec, cebpf.ProgramOptions{
		LogLevel:    cebpf.LogLevel(att.bpfLogLevel),
		KernelTypes: att.kernelBTF,
	})
	if err != nil {
		logVerifierError(err)
		return nil, err
	}
	return prog, nil
}

// logVerifierError prints verifier output line by line; those errors tend
// to have hundreds of lines (or more).
func logVerifierError(err error) {
	var verr *cebpf.VerifierError
	if errors.As(err, &verr) {
		for _, line := range verr.Log {
			log.Error(line)
		}
		return
	}

	scanner := bufio.NewScanner(strings.NewReader(err.Error()))
	for scanner.Scan() {
		log.Error(scanner.Text())
	}
}
