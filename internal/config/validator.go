package config

import (
	"fmt"
	"strings"

	"github.com/civicstream/taxmart/internal/aggregate/filter"
)

// Validate checks the config for:
//   - Duplicate view/output names and required fields
//   - Dangling references (output source or join naming an unknown view)
//   - Unparseable filter, having, and formula expressions
//
// Outputs depend only on views and views depend on nothing, so the refresh
// dependency graph is acyclic by construction; validation guards the
// references so the coordinator never discovers a bad plan at run time.
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if cfg.Storage.Driver != "sqlite" && cfg.Storage.Driver != "postgres" {
		errs = append(errs, fmt.Sprintf("storage.driver must be sqlite or postgres, got %q", cfg.Storage.Driver))
	}
	if cfg.FiscalYearStartMonth < 1 || cfg.FiscalYearStartMonth > 12 {
		errs = append(errs, fmt.Sprintf("fiscal_year_start_month must be 1-12, got %d", cfg.FiscalYearStartMonth))
	}
	if cfg.Coordinator.Mode != "sequential" && cfg.Coordinator.Mode != "dependency-parallel" {
		errs = append(errs, fmt.Sprintf("coordinator.mode must be sequential or dependency-parallel, got %q", cfg.Coordinator.Mode))
	}
	if cfg.Coordinator.IntervalSeconds < 0 {
		errs = append(errs, "coordinator.interval_seconds must not be negative")
	}

	if len(cfg.Views) == 0 {
		errs = append(errs, "at least one view is required")
	}
	views := make(map[string]bool)
	for i, v := range cfg.Views {
		if v.Name == "" {
			errs = append(errs, fmt.Sprintf("views[%d]: name is required", i))
			continue
		}
		if views[v.Name] {
			errs = append(errs, fmt.Sprintf("duplicate view name %q", v.Name))
		}
		views[v.Name] = true
		if v.EntityType == "" {
			errs = append(errs, fmt.Sprintf("view %s: entity_type is required", v.Name))
		}
		if v.Strategy != "full" && v.Strategy != "streaming" {
			errs = append(errs, fmt.Sprintf("view %s: strategy must be full or streaming, got %q", v.Name, v.Strategy))
		}
	}

	outputs := make(map[string]bool)
	for i, o := range cfg.Outputs {
		if o.Name == "" {
			errs = append(errs, fmt.Sprintf("outputs[%d]: name is required", i))
			continue
		}
		if outputs[o.Name] {
			errs = append(errs, fmt.Sprintf("duplicate output name %q", o.Name))
		}
		outputs[o.Name] = true
		validateOutput(&o, views, &errs)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateOutput(o *OutputConf, views map[string]bool, errs *[]string) {
	loc := fmt.Sprintf("output %s", o.Name)
	if o.Source == "" {
		*errs = append(*errs, loc+": source is required")
	} else if !views[o.Source] {
		*errs = append(*errs, fmt.Sprintf("%s: source view %q does not exist", loc, o.Source))
	}
	if o.Join != nil {
		if !views[o.Join.View] {
			*errs = append(*errs, fmt.Sprintf("%s: join view %q does not exist", loc, o.Join.View))
		}
		if o.Join.Local == "" {
			*errs = append(*errs, loc+": join.local is required")
		}
	}
	if len(o.GroupBy) == 0 {
		*errs = append(*errs, loc+": group_by must not be empty")
	}
	if o.Filter != "" {
		if _, err := filter.Parse(o.Filter); err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: filter: %v", loc, err))
		}
	}
	if o.Having != "" {
		if _, err := filter.Parse(o.Having); err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: having: %v", loc, err))
		}
	}

	if len(o.Metrics) == 0 {
		*errs = append(*errs, loc+": metrics must not be empty")
	}
	names := make(map[string]bool)
	for _, m := range o.Metrics {
		if m.Name == "" {
			*errs = append(*errs, loc+": metric name is required")
			continue
		}
		if names[m.Name] {
			*errs = append(*errs, fmt.Sprintf("%s: duplicate metric name %q", loc, m.Name))
		}
		names[m.Name] = true
		switch m.Kind {
		case "count":
			// No field needed.
		case "sum", "unique_count":
			if m.Field == "" {
				*errs = append(*errs, fmt.Sprintf("%s: metric %s: kind %s requires a field", loc, m.Name, m.Kind))
			}
		case "derived":
			if m.Formula == "" {
				*errs = append(*errs, fmt.Sprintf("%s: metric %s: kind derived requires a formula", loc, m.Name))
			} else if _, err := filter.Parse(m.Formula); err != nil {
				*errs = append(*errs, fmt.Sprintf("%s: metric %s: formula: %v", loc, m.Name, err))
			}
		default:
			*errs = append(*errs, fmt.Sprintf("%s: metric %s: unknown kind %q", loc, m.Name, m.Kind))
		}
	}
}
