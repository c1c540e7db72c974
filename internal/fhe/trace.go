package fhe

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Op names a primitive call recorded in a transaction trace.
type Op uint8

const (
	OpTrivialEncrypt Op = iota + 1
	OpVerifyInput
	OpAdd
	OpEq
	OpSelect
	OpAllowThis
	OpAllow
	OpMakePublic
)

func (o Op) String() string {
	switch o {
	case OpTrivialEncrypt:
		return "trivialEncrypt"
	case OpVerifyInput:
		return "verifyInput"
	case OpAdd:
		return "add"
	case OpEq:
		return "eq"
	case OpSelect:
		return "select"
	case OpAllowThis:
		return "allowThis"
	case OpAllow:
		return "allow"
	case OpMakePublic:
		return "makePubliclyDecryptable"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Gas costs per primitive. Arithmetic follows the coprocessor precompile
// schedule; grants are plain storage writes.
const (
	GasTrivialEncrypt uint64 = 32
	GasVerifyInput    uint64 = 5000
	GasAdd            uint64 = 10000
	GasEq             uint64 = 12000
	GasSelect         uint64 = 100000
	GasGrant          uint64 = 2100
)

// Gas returns the cost of o on operands of type t. Wide integers cost more
// for the bootstrapped ops.
func (o Op) Gas(t Type) uint64 {
	var base uint64
	switch o {
	case OpTrivialEncrypt:
		return GasTrivialEncrypt
	case OpVerifyInput:
		return GasVerifyInput
	case OpAllow, OpAllowThis, OpMakePublic:
		return GasGrant
	case OpAdd:
		base = GasAdd
	case OpEq:
		base = GasEq
	case OpSelect:
		base = GasSelect
	default:
		return 0
	}
	if t.Bits() > 8 {
		return base * 2
	}
	return base
}

// Step is one recorded primitive call. Types lists the operand types in
// argument order, or the result type for encode and ingest.
type Step struct {
	Op    Op
	Types []Type
}

func (s Step) String() string {
	return fmt.Sprintf("%s%v", s.Op, s.Types)
}

// Trace is the ordered list of primitive calls a transaction made. Two
// traces with equal steps leak nothing to an observer of the operation log.
type Trace struct {
	Contract common.Address
	Steps    []Step
	Gas      uint64
}

func (tr *Trace) record(op Op, types ...Type) {
	gasType := EBool
	for _, t := range types {
		if t.Bits() > gasType.Bits() {
			gasType = t
		}
	}
	tr.Steps = append(tr.Steps, Step{Op: op, Types: types})
	tr.Gas += op.Gas(gasType)
}

// Count returns how many steps used op.
func (tr Trace) Count(op Op) int {
	n := 0
	for _, s := range tr.Steps {
		if s.Op == op {
			n++
		}
	}
	return n
}
