package pyattach

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnsupportedEncoding is returned when an operation/register combination
// has no encoding under the selected word width. The encoder never silently
// emits wrong bytes; anything it cannot encode exactly is rejected.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// Arch selects the word width (and with it the calling convention) of the
// code being generated.
type Arch int

const (
	// Arch32 targets 32-bit x86 with the stack-passing calling convention.
	Arch32 Arch = 32

	// Arch64 targets x86-64 with the Windows register-passing convention
	// (first integer argument in RCX, second in RDX).
	Arch64 Arch = 64
)

// HostArch returns the word width of the injecting process itself.
func HostArch() Arch {
	if strconv.IntSize == 64 {
		return Arch64
	}
	return Arch32
}

// Reg identifies a general-purpose register by its hardware encoding number.
// RegAX..RegDI are valid under both widths; RegR8..RegR15 only under Arch64.
type Reg uint8

const (
	RegAX Reg = iota // eax / rax
	RegCX            // ecx / rcx
	RegDX            // edx / rdx
	RegBX            // ebx / rbx
	RegSP            // esp / rsp
	RegBP            // ebp / rbp
	RegSI            // esi / rsi
	RegDI            // edi / rdi
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

var regNames = [...]string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String returns a width-neutral register name (e.g. "bx" for ebx/rbx).
func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// Assembler encodes a closed set of register operations as raw opcode bytes
// for one word width. The operation set is exactly what a call trampoline
// needs: push, pop, move-immediate, move-register, call-through-register,
// and return.
type Assembler struct {
	arch Arch
}

// NewAssembler creates an Assembler for the given word width.
func NewAssembler(arch Arch) *Assembler {
	return &Assembler{arch: arch}
}

// Arch returns the word width this assembler encodes for.
func (a *Assembler) Arch() Arch {
	return a.arch
}

// checkReg rejects registers that have no encoding under the active width.
func (a *Assembler) checkReg(op string, r Reg) error {
	if r > RegR15 {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedEncoding, op, r)
	}
	if a.arch == Arch32 && r >= RegR8 {
		return fmt.Errorf("%w: %s %s under 32-bit", ErrUnsupportedEncoding, op, r)
	}
	return nil
}

// Push encodes "push r" (0x50+r, REX.B prefixed for r8-r15).
func (a *Assembler) Push(r Reg) ([]byte, error) {
	if err := a.checkReg("push", r); err != nil {
		return nil, err
	}
	if r >= RegR8 {
		return []byte{0x41, 0x50 + byte(r&7)}, nil
	}
	return []byte{0x50 + byte(r)}, nil
}

// Pop encodes "pop r" (0x58+r, REX.B prefixed for r8-r15).
func (a *Assembler) Pop(r Reg) ([]byte, error) {
	if err := a.checkReg("pop", r); err != nil {
		return nil, err
	}
	if r >= RegR8 {
		return []byte{0x41, 0x58 + byte(r&7)}, nil
	}
	return []byte{0x58 + byte(r)}, nil
}

// MovImm encodes "mov r, imm" with a full-width immediate: 0xB8+r with a
// 4-byte immediate under Arch32, REX.W 0xB8+r with an 8-byte immediate
// under Arch64. This is the form used to load addresses known only at
// injection time.
func (a *Assembler) MovImm(r Reg, imm uint64) ([]byte, error) {
	if err := a.checkReg("mov", r); err != nil {
		return nil, err
	}
	packed, err := a.PackAddress(imm)
	if err != nil {
		return nil, err
	}
	var code []byte
	if a.arch == Arch64 {
		rex := byte(0x48)
		if r >= RegR8 {
			rex |= 0x01
		}
		code = append(code, rex)
	}
	code = append(code, 0xB8+byte(r&7))
	return append(code, packed...), nil
}

// MovReg encodes "mov dst, src" for two general registers (0x89 /r).
func (a *Assembler) MovReg(dst, src Reg) ([]byte, error) {
	if err := a.checkReg("mov", dst); err != nil {
		return nil, err
	}
	if err := a.checkReg("mov", src); err != nil {
		return nil, err
	}
	var code []byte
	if a.arch == Arch64 {
		rex := byte(0x48)
		if src >= RegR8 {
			rex |= 0x04
		}
		if dst >= RegR8 {
			rex |= 0x01
		}
		code = append(code, rex)
	}
	modrm := 0xC0 | byte(src&7)<<3 | byte(dst&7)
	return append(code, 0x89, modrm), nil
}

// CallReg encodes an indirect "call r" (0xFF /2). Trampolines always call
// through a register because the entry-point address is only known at
// injection time; a relative call cannot be fixed up in the foreign process.
func (a *Assembler) CallReg(r Reg) ([]byte, error) {
	if err := a.checkReg("call", r); err != nil {
		return nil, err
	}
	if r >= RegR8 {
		return []byte{0x41, 0xFF, 0xD0 + byte(r&7)}, nil
	}
	return []byte{0xFF, 0xD0 + byte(r&7)}, nil
}

// PushImm encodes "push imm32" (0x68). Only valid under Arch32, where
// arguments travel on the stack; under Arch64 a pushed immediate would be
// sign-extended and cannot carry a 64-bit address.
func (a *Assembler) PushImm(imm uint64) ([]byte, error) {
	if a.arch != Arch32 {
		return nil, fmt.Errorf("%w: push imm under %d-bit", ErrUnsupportedEncoding, a.arch)
	}
	packed, err := a.PackAddress(imm)
	if err != nil {
		return nil, err
	}
	return append([]byte{0x68}, packed...), nil
}

// Ret encodes a near return (0xC3).
func (a *Assembler) Ret() []byte {
	return []byte{0xC3}
}

// PackAddress encodes an address as a little-endian immediate of exactly the
// profile's width: 4 bytes under Arch32, 8 bytes under Arch64. Addresses
// that do not fit the width are rejected rather than truncated.
func (a *Assembler) PackAddress(addr uint64) ([]byte, error) {
	if a.arch == Arch64 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, addr)
		return buf, nil
	}
	if addr > 0xFFFFFFFF {
		return nil, fmt.Errorf("address %#x does not fit in 32 bits", addr)
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(addr))
	return buf, nil
}
