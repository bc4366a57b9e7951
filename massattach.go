// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

// Package massattach attaches a pair of fentry/fexit tracing programs to
// every kernel function that survives a configurable selection pipeline.
//
// The pipeline walks the kernel's BTF function universe, filters it through
// deny and allow globs, the /proc/kallsyms and ftrace oracles, a signature
// admissibility check and an optional caller predicate, then clones a
// pre-verified prototype program per selected function with the clone's
// attach point retargeted at that function.
//
// Usage is strictly phased: New, optional AllowGlob/DenyGlob calls, Prepare,
// Load, Attach, Activate, and finally Close. All methods must be called from
// the owning goroutine.
package massattach // import "github.com/kerneltrace/massattach"

import (
	"errors"
	"fmt"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"

	"github.com/kerneltrace/massattach/glob"
)

// maxFuncArgCnt is the largest argument count the BPF trampoline supports.
// One prototype program pair exists per possible count.
const maxFuncArgCnt = 11

// defaultFilenoRlimit is the open-file limit requested when the caller does
// not configure one. Four descriptors exist per traced function: two program
// clones and two attach links.
const defaultFilenoRlimit = 300000

// enforcedDenyGlobs are always denied and cannot be overridden.
var enforcedDenyGlobs = []string{
	// used by the probes for recursion protection
	"bpf_get_smp_processor_id",

	// low-level delicate functions
	"migrate_enable",
	"migrate_disable",
	"rcu_read_lock*",
	"rcu_read_unlock*",
	"__bpf_prog_enter*",
	"__bpf_prog_exit*",

	// long-sleeping syscalls, avoid attaching to them unless kernel has
	// e21aa341785c ("bpf: Fix fexit trampoline.")
	"*_sys_select",
	"*_sys_epoll_wait",
	"*_sys_ppoll",
}

var (
	// ErrNoFunctionsMatched is returned by Prepare when the selection
	// pipeline leaves no function to attach to.
	ErrNoFunctionsMatched = errors.New("no matching functions found")

	// ErrNoFunctionsAttached is returned by Attach when not a single
	// function could be attached.
	ErrNoFunctionsAttached = errors.New("no functions could be attached")

	// errNotPrepared guards the phase ordering.
	errNotPrepared = errors.New("attacher is not prepared")
)

// FuncFilter is the caller-supplied last gate of the selection pipeline.
// It receives the kernel BTF, the candidate's type id and name, and the
// index the function would be selected at. Returning false skips the
// function.
type FuncFilter func(spec *btf.Spec, id btf.TypeID, name string, idx int) bool

// Opts configures an Attacher.
type Opts struct {
	// MaxFuncCnt caps the number of selected functions. 0 means unlimited.
	MaxFuncCnt int
	// MaxFilenoRlimit is the open-file limit to request before Load.
	// 0 requests the default of 300,000.
	MaxFilenoRlimit uint64
	// Verbose enables selection summaries.
	Verbose bool
	// Debug enables per-decision logging and really loads the prototype
	// programs so the verifier log surfaces. Implies Verbose.
	Debug bool
	// DebugExtra enables per-function trace logging. Implies Debug.
	DebugExtra bool
	// BPFLogLevel is the log level of the eBPF verifier output.
	BPFLogLevel uint32
	// FuncFilter, if set, is consulted for every candidate that passed all
	// other gates.
	FuncFilter FuncFilter
}

// FuncInfo describes one selected kernel function and, after Load, its two
// program clones.
type FuncInfo struct {
	// Addr is the function's kernel virtual address.
	Addr uint64
	// Name is the function's symbol name.
	Name string
	// BTFID identifies the function's FUNC entry in kernel BTF.
	BTFID btf.TypeID
	// ArgCnt is the function's argument count, in [0, 11].
	ArgCnt int

	fentry *cebpf.Program
	fexit  *cebpf.Program

	fentryLink link.Link
	fexitLink  link.Link
}

// FentryFD returns the descriptor of the function's entry program clone,
// or -1 before Load.
func (fi *FuncInfo) FentryFD() int {
	if fi.fentry == nil {
		return -1
	}
	return fi.fentry.FD()
}

// FexitFD returns the descriptor of the function's exit program clone,
// or -1 before Load.
func (fi *FuncInfo) FexitFD() int {
	if fi.fexit == nil {
		return -1
	}
	return fi.fexit.FD()
}

// symbolTable is the kernel symbol oracle consulted during selection.
type symbolTable interface {
	Lookup(name string) (uint64, bool)
}

// attachOracle answers whether the tracing subsystem can hook a function.
type attachOracle interface {
	IsAttachable(name string) bool
}

// Attacher drives the selection and attachment pipeline. It owns every
// resource it acquires; Close releases them all.
type Attacher struct {
	protos *ProtoSet

	ksyms     symbolTable
	kprobes   attachOracle
	kernelBTF *btf.Spec

	maps map[string]*cebpf.Map

	// Captured per-arity prototype templates, filled during Load.
	fentryTmpl [maxFuncArgCnt + 1]*cebpf.ProgramSpec
	fexitTmpl  [maxFuncArgCnt + 1]*cebpf.ProgramSpec

	funcs            []FuncInfo
	funcCnts         [maxFuncArgCnt + 1]int
	funcIdxForArgCnt [maxFuncArgCnt + 1]int
	skipCnt          int

	allowGlobs []*glob.Glob
	denyGlobs  []*glob.Glob

	verbose         bool
	debug           bool
	debugExtra      bool
	maxFuncCnt      int
	maxFilenoRlimit uint64
	bpfLogLevel     uint32
	funcFilter      FuncFilter

	restoreMemlock func()
	loaded         bool
	activated      bool
}

// New creates an Attacher around the unloaded prototype set. The enforced
// deny globs are installed here; they protect against tracer-induced
// recursion, trampoline re-entry and fexit faults on long-sleeping syscalls.
func New(protos *ProtoSet, opts *Opts) (*Attacher, error) {
	if protos == nil {
		return nil, errors.New("prototype set is required")
	}

	att := &Attacher{
		protos: protos,
		maps:   make(map[string]*cebpf.Map),
	}

	if opts != nil {
		att.maxFuncCnt = opts.MaxFuncCnt
		att.maxFilenoRlimit = opts.MaxFilenoRlimit
		att.verbose = opts.Verbose
		att.debug = opts.Debug
		att.debugExtra = opts.DebugExtra
		att.bpfLogLevel = opts.BPFLogLevel
		att.funcFilter = opts.FuncFilter
	}
	if att.debugExtra {
		att.debug = true
	}
	if att.debug {
		att.verbose = true
	}
	if att.maxFilenoRlimit == 0 {
		att.maxFilenoRlimit = defaultFilenoRlimit
	}

	for _, pattern := range enforcedDenyGlobs {
		if err := att.DenyGlob(pattern); err != nil {
			return nil, fmt.Errorf("failed to add enforced deny glob '%s': %w", pattern, err)
		}
	}

	return att, nil
}

// AllowGlob adds an allow glob. When at least one allow glob is configured,
// a function must match one of them to be selected.
func (att *Attacher) AllowGlob(pattern string) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return err
	}
	att.allowGlobs = append(att.allowGlobs, g)
	return nil
}

// DenyGlob adds a deny glob. A function matching any deny glob is skipped.
func (att *Attacher) DenyGlob(pattern string) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return err
	}
	att.denyGlobs = append(att.denyGlobs, g)
	return nil
}

// FuncCount returns the number of selected functions.
func (att *Attacher) FuncCount() int {
	return len(att.funcs)
}

// Func returns the i-th selected function, or nil when i is out of range.
// The returned value is borrowed and valid until Close.
func (att *Attacher) Func(i int) *FuncInfo {
	if i < 0 || i >= len(att.funcs) {
		return nil
	}
	return &att.funcs[i]
}

// BTF returns the kernel BTF the selection ran against. Valid after Prepare.
func (att *Attacher) BTF() *btf.Spec {
	return att.kernelBTF
}

// Prototypes returns the prototype set the Attacher was created with.
func (att *Attacher) Prototypes() *ProtoSet {
	return att.protos
}

// Close tears down every acquired resource: the activation flag is reset,
// attach handles and program clones are closed, maps are closed, and the
// memlock limit is restored. Close may be called at any point after New,
// including after a failed Prepare or Load.
func (att *Attacher) Close() {
	if att == nil {
		return
	}

	if att.activated {
		_ = att.setReady(0)
		att.activated = false
	}

	for i := range att.funcs {
		fi := &att.funcs[i]
		if fi.fentryLink != nil {
			_ = fi.fentryLink.Close()
			fi.fentryLink = nil
		}
		if fi.fexitLink != nil {
			_ = fi.fexitLink.Close()
			fi.fexitLink = nil
		}
		if fi.fentry != nil {
			_ = fi.fentry.Close()
			fi.fentry = nil
		}
		if fi.fexit != nil {
			_ = fi.fexit.Close()
			fi.fexit = nil
		}
	}

	for name, m := range att.maps {
		_ = m.Close()
		delete(att.maps, name)
	}

	for i := range att.fentryTmpl {
		att.fentryTmpl[i] = nil
		att.fexitTmpl[i] = nil
	}

	if att.restoreMemlock != nil {
		att.restoreMemlock()
		att.restoreMemlock = nil
	}

	att.loaded = false
}
