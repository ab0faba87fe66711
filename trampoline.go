package pyattach

import "fmt"

// BuildTrampoline assembles the machine-code stub injected into the target
// process. The stub saves the registers the target calling convention
// requires a callee to preserve, loads the code-buffer and status-buffer
// addresses into the argument slots the helper entry point expects, calls
// the entry point through a scratch register, restores the saved registers
// in reverse order, and returns.
//
// Parameters:
//   - arch: word width of the target process (selects the calling convention)
//   - codeAddr: address of the source-code buffer in the target
//   - statusAddr: address of the int32 flags/status buffer in the target
//   - entryAddr: resolved address of AttachAndRunPythonCode in the target
//
// The register-passing (64-bit) and stack-passing (32-bit) layouts are
// alternate algorithms selected once per call; they are never mixed.
func BuildTrampoline(arch Arch, codeAddr, statusAddr, entryAddr uint64) ([]byte, error) {
	b := newTrampolineBuilder(arch)
	switch arch {
	case Arch64:
		b.buildRegisterCall(codeAddr, statusAddr, entryAddr)
	case Arch32:
		b.buildStackCall(codeAddr, statusAddr, entryAddr)
	default:
		return nil, fmt.Errorf("cannot build trampoline for %d-bit target", arch)
	}
	b.raw(b.asm.Ret())
	return b.finish()
}

// trampolineBuilder accumulates encoded instructions. The first encoding
// error sticks and makes every later emit a no-op, so build code reads
// straight-line and the error surfaces once in finish.
type trampolineBuilder struct {
	asm  *Assembler
	code []byte
	err  error
}

func newTrampolineBuilder(arch Arch) *trampolineBuilder {
	return &trampolineBuilder{asm: NewAssembler(arch)}
}

func (b *trampolineBuilder) raw(code []byte) {
	if b.err != nil {
		return
	}
	b.code = append(b.code, code...)
}

func (b *trampolineBuilder) emit(code []byte, err error) {
	if b.err != nil {
		return
	}
	if err != nil {
		b.err = err
		return
	}
	b.code = append(b.code, code...)
}

// preserved emits pushes for regs, runs body, then emits the matching pops
// in exact reverse order. The pops are owned by the guard, not the body, so
// save/restore stays a strictly nested palindrome no matter what the body
// does. An unbalanced stack here would corrupt the injected thread on
// return.
func (b *trampolineBuilder) preserved(regs []Reg, body func()) {
	for _, r := range regs {
		b.emit(b.asm.Push(r))
	}
	body()
	for i := len(regs) - 1; i >= 0; i-- {
		b.emit(b.asm.Pop(regs[i]))
	}
}

// framed saves the stack pointer in BP around body and restores it after,
// unwinding any arguments the body pushed for a stack-passing call.
func (b *trampolineBuilder) framed(body func()) {
	b.emit(b.asm.MovReg(RegBP, RegSP))
	body()
	b.emit(b.asm.MovReg(RegSP, RegBP))
}

// buildRegisterCall emits the 64-bit layout: the two arguments travel in
// RCX and RDX per the Windows x64 convention, and the non-volatile
// registers the stub touches (plus one extra RDI push that keeps the stack
// 16-byte aligned at the call) are preserved around it.
func (b *trampolineBuilder) buildRegisterCall(codeAddr, statusAddr, entryAddr uint64) {
	b.preserved([]Reg{RegDI, RegSP, RegBP, RegBX, RegDI}, func() {
		b.emit(b.asm.MovImm(RegCX, codeAddr))
		b.emit(b.asm.MovImm(RegDX, statusAddr))
		b.emit(b.asm.MovImm(RegBX, entryAddr))
		b.emit(b.asm.CallReg(RegBX))
	})
}

// buildStackCall emits the 32-bit layout: arguments are pushed onto the
// stack in reverse order (status buffer first, so the code buffer ends up
// as the first argument), and EBP carries the pre-call stack pointer so the
// pushed arguments are discarded afterwards regardless of who cleans the
// stack.
func (b *trampolineBuilder) buildStackCall(codeAddr, statusAddr, entryAddr uint64) {
	b.preserved([]Reg{RegAX, RegBP, RegBX}, func() {
		b.framed(func() {
			b.emit(b.asm.PushImm(statusAddr))
			b.emit(b.asm.PushImm(codeAddr))
			b.emit(b.asm.MovImm(RegBX, entryAddr))
			b.emit(b.asm.CallReg(RegBX))
		})
	})
}

func (b *trampolineBuilder) finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.code, nil
}
