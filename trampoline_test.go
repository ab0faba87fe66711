package pyattach

import (
	"bytes"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// decodeAll disassembles a trampoline and fails the test on any byte
// sequence the decoder cannot make sense of.
func decodeAll(t *testing.T, code []byte, mode int) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], mode)
		if err != nil {
			t.Fatalf("Undecodable instruction at offset %d (%x): %v", pc, code[pc:], err)
		}
		insts = append(insts, inst)
		pc += inst.Len
	}
	return insts
}

func TestTrampoline64ExactBytes(t *testing.T) {
	code, err := BuildTrampoline(Arch64, 0x1111111111111111, 0x2222222222222222, 0x3333333333333333)
	if err != nil {
		t.Fatalf("BuildTrampoline failed: %v", err)
	}

	expected := []byte{
		0x57, 0x54, 0x55, 0x53, 0x57, // push rdi, rsp, rbp, rbx, rdi
		0x48, 0xB9, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, // mov rcx, code
		0x48, 0xBA, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, // mov rdx, status
		0x48, 0xBB, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, // mov rbx, entry
		0xFF, 0xD3, // call rbx
		0x5F, 0x5B, 0x5D, 0x5C, 0x5F, // pop rdi, rbx, rbp, rsp, rdi
		0xC3, // ret
	}
	if !bytes.Equal(code, expected) {
		t.Errorf("64-bit trampoline mismatch:\nexpected %x\ngot      %x", expected, code)
	}
}

func TestTrampoline32ExactBytes(t *testing.T) {
	code, err := BuildTrampoline(Arch32, 0x11111111, 0x22222222, 0x33333333)
	if err != nil {
		t.Fatalf("BuildTrampoline failed: %v", err)
	}

	expected := []byte{
		0x50, 0x55, 0x53, // push eax, ebp, ebx
		0x89, 0xE5, // mov ebp, esp
		0x68, 0x22, 0x22, 0x22, 0x22, // push status (second argument first)
		0x68, 0x11, 0x11, 0x11, 0x11, // push code
		0xBB, 0x33, 0x33, 0x33, 0x33, // mov ebx, entry
		0xFF, 0xD3, // call ebx
		0x89, 0xEC, // mov esp, ebp
		0x5B, 0x5D, 0x58, // pop ebx, ebp, eax
		0xC3, // ret
	}
	if !bytes.Equal(code, expected) {
		t.Errorf("32-bit trampoline mismatch:\nexpected %x\ngot      %x", expected, code)
	}
}

// TestTrampolinePreservationPalindrome checks, for both widths, that the
// registers pushed by the stub are popped in exact reverse order. An
// unbalanced stub corrupts the injected thread's stack on return.
func TestTrampolinePreservationPalindrome(t *testing.T) {
	for _, tc := range []struct {
		arch Arch
		mode int
	}{
		{Arch32, 32},
		{Arch64, 64},
	} {
		code, err := BuildTrampoline(tc.arch, 0x1000, 0x2000, 0x3000)
		if err != nil {
			t.Fatalf("BuildTrampoline(%d-bit) failed: %v", tc.arch, err)
		}

		var pushed, popped []x86asm.Reg
		for _, inst := range decodeAll(t, code, tc.mode) {
			reg, isReg := inst.Args[0].(x86asm.Reg)
			if !isReg {
				continue
			}
			switch inst.Op {
			case x86asm.PUSH:
				pushed = append(pushed, reg)
			case x86asm.POP:
				popped = append(popped, reg)
			}
		}

		if len(pushed) == 0 || len(pushed) != len(popped) {
			t.Fatalf("%d-bit: %d register pushes vs %d pops", tc.arch, len(pushed), len(popped))
		}
		for i, reg := range pushed {
			mirror := popped[len(popped)-1-i]
			if reg != mirror {
				t.Errorf("%d-bit: push #%d is %v but mirrored pop is %v", tc.arch, i, reg, mirror)
			}
		}
	}
}

// TestTrampoline64ArgumentRegisters checks that the two buffer addresses
// land in RCX and RDX, the argument registers of the Windows x64
// convention, and that the entry point is called indirectly.
func TestTrampoline64ArgumentRegisters(t *testing.T) {
	const codeAddr, statusAddr, entryAddr = 0x7FFA00010000, 0x7FFA00020000, 0x7FFA00030000

	code, err := BuildTrampoline(Arch64, codeAddr, statusAddr, entryAddr)
	if err != nil {
		t.Fatalf("BuildTrampoline failed: %v", err)
	}

	loads := map[x86asm.Reg]uint64{}
	calls := 0
	var last x86asm.Inst
	for _, inst := range decodeAll(t, code, 64) {
		switch inst.Op {
		case x86asm.MOV:
			if reg, ok := inst.Args[0].(x86asm.Reg); ok {
				if imm, ok := inst.Args[1].(x86asm.Imm); ok {
					loads[reg] = uint64(imm)
				}
			}
		case x86asm.CALL:
			calls++
			if reg, ok := inst.Args[0].(x86asm.Reg); !ok {
				t.Errorf("Expected an indirect call through a register, got %v", inst)
			} else if loads[reg] != entryAddr {
				t.Errorf("Call goes through %v holding %#x, expected entry %#x", reg, loads[reg], entryAddr)
			}
		}
		last = inst
	}

	if loads[x86asm.RCX] != codeAddr {
		t.Errorf("RCX holds %#x, expected code buffer %#x", loads[x86asm.RCX], codeAddr)
	}
	if loads[x86asm.RDX] != statusAddr {
		t.Errorf("RDX holds %#x, expected status buffer %#x", loads[x86asm.RDX], statusAddr)
	}
	if calls != 1 {
		t.Errorf("Expected exactly one call, got %d", calls)
	}
	if last.Op != x86asm.RET {
		t.Errorf("Expected trailing ret, got %v", last.Op)
	}
}

// TestTrampoline32ArgumentOrder checks that the stack-passing layout pushes
// the status address before the code address, leaving the code buffer as
// the first argument.
func TestTrampoline32ArgumentOrder(t *testing.T) {
	const codeAddr, statusAddr = 0x00410000, 0x00420000

	code, err := BuildTrampoline(Arch32, codeAddr, statusAddr, 0x00430000)
	if err != nil {
		t.Fatalf("BuildTrampoline failed: %v", err)
	}

	var immPushes []uint64
	for _, inst := range decodeAll(t, code, 32) {
		if inst.Op != x86asm.PUSH {
			continue
		}
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			immPushes = append(immPushes, uint64(uint32(imm)))
		}
	}

	if len(immPushes) != 2 {
		t.Fatalf("Expected 2 immediate pushes, got %d", len(immPushes))
	}
	if immPushes[0] != statusAddr || immPushes[1] != codeAddr {
		t.Errorf("Arguments pushed as %#x, %#x; expected status %#x then code %#x",
			immPushes[0], immPushes[1], statusAddr, codeAddr)
	}
}

func TestTrampolineRejectsBadInput(t *testing.T) {
	if _, err := BuildTrampoline(Arch(16), 1, 2, 3); err == nil {
		t.Error("Expected error for an unsupported word width")
	}
	// A 64-bit address cannot be encoded into a 32-bit trampoline.
	if _, err := BuildTrampoline(Arch32, 0x100000000, 2, 3); err == nil {
		t.Error("Expected error for a 64-bit address under a 32-bit profile")
	}
}
