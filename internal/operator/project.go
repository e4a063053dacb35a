package operator

import "github.com/roach88/rill/internal/ir"

// Project builds a new row containing only the listed fields.
type Project struct {
	fields []ir.FieldSpec
}

// NewProject builds a Project.
func NewProject(spec ir.ProjectSpec) *Project {
	return &Project{fields: spec.Fields}
}

// Apply implements Stage.
func (p *Project) Apply(ev ir.Event) (ir.Event, bool, error) {
	if ev.Tombstone {
		return ev, true, nil
	}
	out := make(ir.Object, len(p.fields))
	for _, f := range p.fields {
		if f.From == "" {
			if f.Value == nil {
				out[f.As] = ir.Null{}
			} else {
				out[f.As] = f.Value
			}
			continue
		}
		if v, ok := ev.Row.Get(f.From); ok {
			out[f.As] = v
		} else {
			out[f.As] = ir.Null{}
		}
	}
	ev.Row = out
	return ev, true, nil
}
