package ir

// PurityOptions configures the purity analysis's optional leniency.
type PurityOptions struct {
	// PanicsArePure opts into treating Assert/Panic as pure, for
	// aggressive optimisation. Off by default. Panic keeps its Static
	// value class (valueclass.go) regardless of this flag, which only
	// affects whether IsPure treats Assert/Panic as a purity violation.
	PanicsArePure bool
}

// IsPure reports whether fn is pure under opts: every reachable statement
// must be pure, where WriteMemory, WriteRegister, ReadMemory,
// ReadSysReg and WriteSysReg are impure, Assert and Panic are impure
// unless opts.PanicsArePure is set, a Call to a target this model cannot
// prove pure is impure, and a directly or indirectly recursive call is
// conservatively impure.
func IsPure(model *Model, fn *Function, opts PurityOptions) bool {
	visiting := map[string]bool{fn.Name: true}
	return isPure(model, fn, opts, visiting)
}

func isPure(model *Model, fn *Function, opts PurityOptions, visiting map[string]bool) bool {
	pure := true
	fn.BlockIter(func(_ BlockHandle, blk *Block) {
		for _, h := range blk.Statements() {
			if !pure {
				return
			}
			if !stmtPure(model, fn, fn.Stmt(h), opts, visiting) {
				pure = false
			}
		}
	})
	return pure
}

func stmtPure(model *Model, fn *Function, s *Statement, opts PurityOptions, visiting map[string]bool) bool {
	switch s.Op {
	case OpWriteMemory, OpWriteRegister, OpReadMemory, OpReadSysReg, OpWriteSysReg:
		return false
	case OpPanic, OpAssert:
		return opts.PanicsArePure
	case OpCall:
		if visiting[s.Target] {
			// recursion: conservatively impure
			return false
		}
		callee, ok := model.Function(s.Target)
		if !ok {
			// unknown target: conservatively impure
			return false
		}
		visiting[s.Target] = true
		defer delete(visiting, s.Target)
		return isPure(model, callee, opts, visiting)
	default:
		return true
	}
}
