package aggregate

import (
	"fmt"
	"strings"

	"github.com/civicstream/taxmart/internal/aggregate/filter"
	"github.com/civicstream/taxmart/internal/config"
)

// Def is a compiled output definition: the config's expression strings
// parsed into ASTs and field references split into paths, ready for
// per-row evaluation.
type Def struct {
	Name           string
	Source         string
	Join           *JoinDef
	Filter         filter.Expr // nil = keep all rows
	GroupBy        []groupCol
	Metrics        []MetricDef
	Having         filter.Expr
	FiscalYearFrom []string
}

// JoinDef is a compiled inner join onto a second view.
type JoinDef struct {
	View    string
	Local   []string
	Foreign []string
}

type groupCol struct {
	Column string // output column name, the last path segment
	Path   []string
}

// MetricDef is one compiled metric column.
type MetricDef struct {
	Name    string
	Kind    string
	Field   []string
	Formula filter.Expr
}

// Compile turns validated output configs into runnable definitions.
// Expression strings have already passed config validation, so a parse
// failure here means the configs were not validated first.
func Compile(outputs []config.OutputConf) ([]*Def, error) {
	defs := make([]*Def, 0, len(outputs))
	for i := range outputs {
		def, err := compileOutput(&outputs[i])
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", outputs[i].Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func compileOutput(o *config.OutputConf) (*Def, error) {
	def := &Def{Name: o.Name, Source: o.Source}
	if o.Join != nil {
		def.Join = &JoinDef{
			View:    o.Join.View,
			Local:   strings.Split(o.Join.Local, "."),
			Foreign: strings.Split(o.Join.Foreign, "."),
		}
	}
	var err error
	if o.Filter != "" {
		if def.Filter, err = filter.Parse(o.Filter); err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
	}
	if o.Having != "" {
		if def.Having, err = filter.Parse(o.Having); err != nil {
			return nil, fmt.Errorf("having: %w", err)
		}
	}
	if o.FiscalYearFrom != "" {
		def.FiscalYearFrom = strings.Split(o.FiscalYearFrom, ".")
	}
	for _, g := range o.GroupBy {
		path := strings.Split(g, ".")
		def.GroupBy = append(def.GroupBy, groupCol{Column: path[len(path)-1], Path: path})
	}
	for _, m := range o.Metrics {
		md := MetricDef{Name: m.Name, Kind: m.Kind}
		if m.Field != "" {
			md.Field = strings.Split(m.Field, ".")
		}
		if m.Formula != "" {
			if md.Formula, err = filter.Parse(m.Formula); err != nil {
				return nil, fmt.Errorf("metric %s: formula: %w", m.Name, err)
			}
		}
		def.Metrics = append(def.Metrics, md)
	}
	return def, nil
}
