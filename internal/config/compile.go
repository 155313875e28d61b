package config

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	calibration "metrology-cloud/internal/calibration/domain"
	numbering "metrology-cloud/internal/numbering/domain"
)

// Compiled is a validated configuration ready for lookups.
type Compiled struct {
	defaults  calibration.Policy
	tenants   map[string]calibration.Policy
	formats   formatTable
	tenantFmt map[string]formatTable
	branchFmt map[branchKey]formatTable
}

type branchKey struct {
	tenantID string
	branchID string
}

// formatTable answers only for formats set at its own level.
type formatTable struct {
	fallback *numbering.Format
	entities map[string]numbering.Format
}

func (t formatTable) lookup(entity string) (numbering.Format, bool) {
	if f, ok := t.entities[entity]; ok {
		return f, true
	}
	if t.fallback != nil {
		return *t.fallback, true
	}
	return numbering.Format{}, false
}

// Compile validates cfg and resolves every tenant policy.
func Compile(cfg EngineConfig) (*Compiled, error) {
	tables, err := compileTables(cfg.MPETables)
	if err != nil {
		return nil, err
	}
	methods, err := compileMethods(cfg.Methods)
	if err != nil {
		return nil, err
	}

	defaults, err := compilePolicy("defaults", cfg.Defaults, tables, methods)
	if err != nil {
		return nil, err
	}
	out := &Compiled{
		defaults:  defaults,
		tenants:   make(map[string]calibration.Policy, len(cfg.Tenants)),
		formats:   compileFormats(cfg.Numbering),
		tenantFmt: make(map[string]formatTable, len(cfg.Tenants)),
		branchFmt: make(map[branchKey]formatTable),
	}
	for tenantID, override := range cfg.Tenants {
		policy, err := compilePolicy("tenants."+tenantID, mergePolicy(cfg.Defaults, override), tables, methods)
		if err != nil {
			return nil, err
		}
		out.tenants[tenantID] = policy
		if override.Numbering.Default != nil || len(override.Numbering.Entities) > 0 {
			out.tenantFmt[tenantID] = compileFormats(override.Numbering)
		}
	}
	for tenantID, branches := range cfg.Branches {
		for branchID, nc := range branches {
			out.branchFmt[branchKey{tenantID: tenantID, branchID: branchID}] = compileFormats(nc)
		}
	}
	return out, nil
}

// Policy returns the calibration policy for a tenant.
func (c *Compiled) Policy(tenantID string) calibration.Policy {
	if policy, ok := c.tenants[tenantID]; ok {
		return policy
	}
	return c.defaults
}

// Format resolves a numbering format: branch, then tenant, then global.
// Branch formats belong to one tenant; another tenant with the same branch
// id does not see them.
func (c *Compiled) Format(key numbering.Key) numbering.Format {
	if key.BranchID != "" {
		if table, ok := c.branchFmt[branchKey{tenantID: key.TenantID, branchID: key.BranchID}]; ok {
			if f, ok := table.lookup(key.Entity); ok {
				return f
			}
		}
	}
	if table, ok := c.tenantFmt[key.TenantID]; ok {
		if f, ok := table.lookup(key.Entity); ok {
			return f
		}
	}
	f, _ := c.formats.lookup(key.Entity)
	return f
}

func compileFormats(nc NumberingConfig) formatTable {
	table := formatTable{fallback: nc.Default, entities: make(map[string]numbering.Format, len(nc.Entities))}
	for k, v := range nc.Entities {
		table.entities[k] = v
	}
	return table
}

func compilePolicy(scope string, pc PolicyConfig, tables map[string]*calibration.MPETable, methods map[string]calibration.Method) (calibration.Policy, error) {
	k, err := parseDecimal(scope+".coverage_factor", pc.CoverageFactor)
	if err != nil {
		return calibration.Policy{}, err
	}
	if !k.IsZero() {
		if _, err := calibration.ResolveCoverageFactor(k); err != nil {
			return calibration.Policy{}, errors.Wrapf(ErrInvalidConfig, "%s.coverage_factor: %v", scope, err)
		}
	}
	rule := calibration.DecisionRule(pc.DecisionRule)
	if rule == "" {
		rule = calibration.RuleSimple
	}
	if !rule.Valid() {
		return calibration.Policy{}, errors.Wrapf(ErrInvalidConfig, "%s.decision_rule: unknown rule %q", scope, pc.DecisionRule)
	}
	if pc.RecalibrationMonths < 0 {
		return calibration.Policy{}, errors.Wrapf(ErrInvalidConfig, "%s.recalibration_months must not be negative", scope)
	}

	var table *calibration.MPETable
	switch {
	case pc.MPETable != "":
		if pc.MPETable == calibration.OIMLR76Name {
			table = calibration.OIMLR76Table()
			break
		}
		t, ok := tables[pc.MPETable]
		if !ok {
			return calibration.Policy{}, errors.Wrapf(ErrInvalidConfig, "%s.mpe_table: unknown table %q", scope, pc.MPETable)
		}
		table = t
	case pc.BuiltinMPE != nil && *pc.BuiltinMPE:
		table = calibration.OIMLR76Table()
	}

	limits := calibration.DefaultEnvironmentLimits()
	for _, f := range []struct {
		name   string
		value  string
		target *decimal.Decimal
	}{
		{"temperature_min", pc.Environment.TemperatureMin, &limits.TemperatureMin},
		{"temperature_max", pc.Environment.TemperatureMax, &limits.TemperatureMax},
		{"humidity_min", pc.Environment.HumidityMin, &limits.HumidityMin},
		{"humidity_max", pc.Environment.HumidityMax, &limits.HumidityMax},
	} {
		if f.value == "" {
			continue
		}
		d, err := parseDecimal(scope+".environment."+f.name, f.value)
		if err != nil {
			return calibration.Policy{}, err
		}
		*f.target = d
	}
	if limits.TemperatureMin.GreaterThan(limits.TemperatureMax) || limits.HumidityMin.GreaterThan(limits.HumidityMax) {
		return calibration.Policy{}, errors.Wrapf(ErrInvalidConfig, "%s.environment: min exceeds max", scope)
	}

	return calibration.Policy{
		CoverageFactor:      k,
		DecisionRule:        rule,
		MPETable:            table,
		Methods:             methods,
		EnvironmentLimits:   limits,
		RecalibrationMonths: pc.RecalibrationMonths,
	}, nil
}

func compileTables(in map[string]MPETableConfig) (map[string]*calibration.MPETable, error) {
	out := make(map[string]*calibration.MPETable, len(in))
	for name, tc := range in {
		table := &calibration.MPETable{Name: name}
		for i, rc := range tc.Rules {
			scope := "mpe_tables." + name
			class := calibration.AccuracyClass(rc.Class)
			if !class.Valid() {
				return nil, errors.Wrapf(ErrInvalidConfig, "%s.rules[%d]: unknown class %q", scope, i, rc.Class)
			}
			vt := calibration.VerificationType(rc.VerificationType)
			if !vt.Valid() {
				return nil, errors.Wrapf(ErrInvalidConfig, "%s.rules[%d]: unknown verification type %q", scope, i, rc.VerificationType)
			}
			if len(rc.Bands) == 0 {
				return nil, errors.Wrapf(ErrInvalidConfig, "%s.rules[%d]: no bands", scope, i)
			}
			rule := calibration.MPERule{Class: class, VerificationType: vt}
			for j, bc := range rc.Bands {
				upTo, err := parseDecimal(scope+".up_to_e", bc.UpToE)
				if err != nil {
					return nil, err
				}
				mpe, err := parseDecimal(scope+".mpe_e", bc.MPEInE)
				if err != nil {
					return nil, err
				}
				if !mpe.IsPositive() || upTo.IsNegative() {
					return nil, errors.Wrapf(ErrInvalidConfig, "%s.rules[%d].bands[%d]: mpe must be positive", scope, i, j)
				}
				rule.Bands = append(rule.Bands, calibration.MPEBand{UpToE: upTo, MPEInE: mpe})
			}
			table.Rules = append(table.Rules, rule)
		}
		out[name] = table
	}
	return out, nil
}

func compileMethods(in map[string]MethodConfig) (map[string]calibration.Method, error) {
	out := make(map[string]calibration.Method, len(in))
	for code, mc := range in {
		method := calibration.Method{
			Code:                  code,
			Name:                  mc.Name,
			RequiresRepeatability: true,
			RequiresEccentricity:  mc.RequiresEccentricity,
		}
		if mc.RequiresRepeatability != nil {
			method.RequiresRepeatability = *mc.RequiresRepeatability
		}
		for _, kind := range mc.MandatoryComponents {
			ck := calibration.ComponentKind(kind)
			if !ck.Valid() {
				return nil, errors.Wrapf(ErrInvalidConfig, "methods.%s: unknown component kind %q", code, kind)
			}
			method.MandatoryComponents = append(method.MandatoryComponents, ck)
		}
		out[code] = method
	}
	return out, nil
}
