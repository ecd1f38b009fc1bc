// Package x86cfg resolves the static control-flow successor structure of
// x86 code on demand: given an instruction address, it decodes forward
// until it reaches a basic-block terminator and classifies that terminator,
// memoizing the result so repeat lookups for the same address are free.
package x86cfg

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/awmorgan/iptrace/memaccess"
	"github.com/awmorgan/iptrace/pterr"
)

// TraceeMode selects the decode width for x86asm.
type TraceeMode int

const (
	Mode16 TraceeMode = iota
	Mode32
	Mode64
)

func (m TraceeMode) bits() int {
	switch m {
	case Mode16:
		return 16
	case Mode32:
		return 32
	default:
		return 64
	}
}

// TerminatorKind identifies the shape of a basic block's exit.
type TerminatorKind int

const (
	Branch TerminatorKind = iota
	DirectGoto
	DirectCall
	IndirectGoto
	IndirectCall
	NearRet
	FarTransfer
)

// Node is the resolved terminator of one basic block, keyed by its entry
// address in the Resolver's memo table.
type Node struct {
	Kind TerminatorKind
	// TrueTarget is the branch-taken or direct-jump/call target.
	TrueTarget uint64
	// FalseTarget is the fallthrough address (branch-not-taken, or the
	// return address pushed by a direct call).
	FalseTarget uint64
}

const requestWindow = 4096
const spliceWindow = 16

// Resolver decodes and memoizes control-flow nodes for one traced address
// space. It is safe to reuse across many edge-analyzer decode passes
// against the same binary.
type Resolver struct {
	cfg map[uint64]Node
}

func NewResolver() *Resolver {
	return &Resolver{cfg: make(map[uint64]Node, 0x10000)}
}

// Size reports how many nodes the resolver has memoized.
func (r *Resolver) Size() int { return len(r.cfg) }

// Resolve returns the memoized Node for addr, decoding instructions from
// reader starting at addr until a terminator is found.
func (r *Resolver) Resolve(reader memaccess.Reader, mode TraceeMode, addr uint64) (*Node, error) {
	if n, ok := r.cfg[addr]; ok {
		return &n, nil
	}

	cur := addr
	for {
		inst, instErr := r.decodeAt(reader, mode, cur)
		if instErr != nil {
			return nil, instErr
		}
		next := cur + uint64(inst.Len)

		if node, ok := classify(inst, next); ok {
			r.cfg[addr] = node
			return &node, nil
		}
		cur = next
	}
}

// decodeAt reads up to requestWindow bytes at ip and decodes a single
// instruction, splicing in a fresh read at the following page if the
// instruction straddles the end of the first read.
func (r *Resolver) decodeAt(reader memaccess.Reader, mode TraceeMode, ip uint64) (x86asm.Inst, error) {
	var inst x86asm.Inst
	var decodeErr error

	err := reader.ReadMemory(ip, requestWindow, func(b []byte) error {
		inst, decodeErr = x86asm.Decode(b, mode.bits())
		return nil
	})
	if err != nil {
		return x86asm.Inst{}, pterr.Wrap(pterr.MemoryReader, "x86cfg.decodeAt", err)
	}
	if decodeErr == nil {
		return inst, nil
	}

	// The window may have been truncated in the middle of an instruction
	// (e.g. at the end of a mapped region); when fewer than spliceWindow
	// bytes were available, splice them with a fresh read at the address
	// that follows and retry.
	var scratch []byte
	err = reader.ReadMemory(ip, spliceWindow, func(b []byte) error {
		scratch = append([]byte(nil), b...)
		return nil
	})
	if err != nil {
		return x86asm.Inst{}, pterr.Wrap(pterr.MemoryReader, "x86cfg.decodeAt", err)
	}
	if len(scratch) < spliceWindow {
		err = reader.ReadMemory(ip+uint64(len(scratch)), spliceWindow-len(scratch), func(b []byte) error {
			scratch = append(scratch, b...)
			return nil
		})
		if err != nil {
			return x86asm.Inst{}, pterr.NewAt(pterr.InvalidInstruction, "x86cfg.decodeAt", int(ip))
		}
	}
	inst, decodeErr = x86asm.Decode(scratch, mode.bits())
	if decodeErr != nil {
		return x86asm.Inst{}, pterr.NewAt(pterr.InvalidInstruction, "x86cfg.decodeAt", int(ip))
	}
	return inst, nil
}

// farTransferOps are instructions that always exit the current basic block
// to a target not statically derivable from the instruction stream: traps,
// syscalls, far control transfers, and privileged/undefined instructions.
var farTransferOps = map[x86asm.Op]bool{
	x86asm.INT:      true,
	x86asm.INT3:     true,
	x86asm.INTO:     true,
	x86asm.IRET:     true,
	x86asm.SYSCALL:  true,
	x86asm.SYSENTER: true,
	x86asm.SYSEXIT:  true,
	x86asm.SYSRET:   true,
	x86asm.UD1:      true,
	x86asm.UD2:      true,
	x86asm.HLT:      true,
	x86asm.LJMP:     true,
	x86asm.LCALL:    true,
}

func isConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// classify determines whether inst ends the current basic block and, if
// so, what kind of terminator it is. next is the address immediately
// following inst (the fallthrough / call-return address).
func classify(inst x86asm.Inst, next uint64) (Node, bool) {
	if farTransferOps[inst.Op] {
		return Node{Kind: FarTransfer, FalseTarget: next}, true
	}

	switch inst.Op {
	case x86asm.RET:
		return Node{Kind: NearRet}, true
	case x86asm.JMP:
		if target, ok := relTarget(inst, next); ok {
			return Node{Kind: DirectGoto, TrueTarget: target}, true
		}
		return Node{Kind: IndirectGoto}, true
	case x86asm.CALL:
		if target, ok := relTarget(inst, next); ok {
			return Node{Kind: DirectCall, TrueTarget: target, FalseTarget: next}, true
		}
		return Node{Kind: IndirectCall, FalseTarget: next}, true
	}

	if isConditionalJump(inst.Op) {
		if target, ok := relTarget(inst, next); ok {
			return Node{Kind: Branch, TrueTarget: target, FalseTarget: next}, true
		}
		// A conditional jump is always encoded with a relative operand; if
		// x86asm didn't give us one, treat it defensively as a terminator
		// we cannot resolve rather than silently keep decoding past it.
		return Node{Kind: IndirectGoto}, true
	}

	return Node{}, false
}

// relTarget extracts a direct jump/call target from inst's first argument
// when it is a relative displacement, returning false for any other
// addressing mode (register or memory indirect).
func relTarget(inst x86asm.Inst, next uint64) (uint64, bool) {
	if len(inst.Args) == 0 || inst.Args[0] == nil {
		return 0, false
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uint64(int64(next) + int64(rel)), true
}
