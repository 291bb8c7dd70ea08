package interp

import (
	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
	"github.com/avisi-group/brig-dbt/internal/dbt/regfile"
)

// BringUp runs the register file initialisation sequence: interpret
// borealis_register_init, write the fixed feature-disable list, then
// interpret __InitSystem. The feature-disable writes must land between
// the two interpreted functions, not before or after both.
func BringUp(model *ir.Model, rf *regfile.RegisterFile) {
	in := New(model, rf, nil)
	if fn, ok := model.Function("borealis_register_init"); ok {
		in.Interpret(fn, nil)
	}
	rf.DisableUnmodelledFeatures()
	if fn, ok := model.Function("__InitSystem"); ok {
		in.Interpret(fn, nil)
	}
}
