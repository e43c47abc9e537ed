package runlog

import "github.com/svmkit/svm/pkg/svm"

// CaptureMachine fills the register fields from a finished machine.
func (r *Record) CaptureMachine(m *svm.Machine) {
	regs := m.Registers()
	r.Registers = make([]string, len(regs))
	for i := range regs {
		r.Registers[i] = regs[i].String()
	}
	r.ZFlag = m.ZFlag()
}
