// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package massattach

import (
	"errors"
	"fmt"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Attach opens one tracing link per program clone. A per-function failure
// is logged and swallowed: kernel function sets drift between Prepare and
// Attach, and a vanished function must not sink the whole run. Attach fails
// only when not a single function could be attached.
func (att *Attacher) Attach() error {
	if !att.loaded {
		return errors.New("attacher is not loaded")
	}

	attachedFuncs := 0
	for i := range att.funcs {
		fi := &att.funcs[i]

		if att.debug {
			log.Debugf("Attaching function '%s' (#%d at addr 0x%x)...",
				fi.Name, i+1, fi.Addr)
		}

		ok := false
		l, err := link.AttachTracing(link.TracingOptions{
			Program:    fi.fentry,
			AttachType: cebpf.AttachTraceFEntry,
		})
		if err != nil {
			logAttachError("fentry", fi.Name, i, err)
		} else {
			fi.fentryLink = l
			ok = true
		}

		l, err = link.AttachTracing(link.TracingOptions{
			Program:    fi.fexit,
			AttachType: cebpf.AttachTraceFExit,
		})
		if err != nil {
			logAttachError("fexit", fi.Name, i, err)
		} else {
			fi.fexitLink = l
			ok = true
		}

		if ok {
			attachedFuncs++
		}
	}

	if attachedFuncs == 0 {
		return ErrNoFunctionsAttached
	}

	if att.verbose {
		log.Infof("Attached to %d functions in total.", attachedFuncs)
	}
	return nil
}

// isExpectedAttachError recognizes errnos that show up when the kernel's
// function set drifted or a function turned out non-traceable after all.
func isExpectedAttachError(err error) bool {
	return errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.EBUSY)
}

func logAttachError(direction, funcName string, idx int, err error) {
	if isExpectedAttachError(err) {
		log.Debugf("Failed to attach %s prog for func #%d (%s), skipping: %v",
			direction, idx+1, funcName, err)
		return
	}
	log.Errorf("Failed to attach %s prog for func #%d (%s), skipping: %v",
		direction, idx+1, funcName, err)
}

// Activate flips the shared activation flag. Until this point the attached
// probes check the flag and bail out immediately; probes on other CPUs may
// observe the flip with a delay, which they treat as "not yet active".
func (att *Attacher) Activate() error {
	if !att.loaded {
		return errors.New("attacher is not loaded")
	}
	if err := att.setReady(1); err != nil {
		return fmt.Errorf("failed to activate probes: %w", err)
	}
	att.activated = true
	return nil
}

func (att *Attacher) setReady(v uint32) error {
	m, ok := att.maps[readyMapName]
	if !ok {
		return errors.New("activation flag map is not loaded")
	}
	return m.Update(uint32(0), v, cebpf.UpdateAny)
}
