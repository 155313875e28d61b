package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	calibration "metrology-cloud/internal/calibration/domain"
	numbering "metrology-cloud/internal/numbering/domain"
)

// ErrInvalidConfig is returned when the engine configuration cannot be used.
var ErrInvalidConfig = errors.New("config: invalid engine configuration")

// EngineConfig is the YAML engine configuration.
type EngineConfig struct {
	Defaults  PolicyConfig               `yaml:"defaults"`
	Tenants   map[string]PolicyConfig    `yaml:"tenants"`
	MPETables map[string]MPETableConfig  `yaml:"mpe_tables"`
	Methods   map[string]MethodConfig    `yaml:"methods"`
	Numbering NumberingConfig            `yaml:"numbering"`
	Branches  map[string]BranchNumbering `yaml:"branch_numbering"`
}

// BranchNumbering maps branch ids of one tenant to their formats.
type BranchNumbering map[string]NumberingConfig

// PolicyConfig is a tenant policy. Unset fields inherit the defaults.
type PolicyConfig struct {
	CoverageFactor      string            `yaml:"coverage_factor"`
	DecisionRule        string            `yaml:"decision_rule"`
	MPETable            string            `yaml:"mpe_table"`
	BuiltinMPE          *bool             `yaml:"builtin_mpe"`
	RecalibrationMonths int               `yaml:"recalibration_months"`
	Environment         EnvironmentConfig `yaml:"environment"`
	Numbering           NumberingConfig   `yaml:"numbering"`
}

// EnvironmentConfig bounds the recorded laboratory conditions.
type EnvironmentConfig struct {
	TemperatureMin string `yaml:"temperature_min"`
	TemperatureMax string `yaml:"temperature_max"`
	HumidityMin    string `yaml:"humidity_min"`
	HumidityMax    string `yaml:"humidity_max"`
}

// MPETableConfig is a custom MPE table.
type MPETableConfig struct {
	Rules []MPERuleConfig `yaml:"rules"`
}

// MPERuleConfig holds bands for one class and verification type.
type MPERuleConfig struct {
	Class            string          `yaml:"class"`
	VerificationType string          `yaml:"verification_type"`
	Bands            []MPEBandConfig `yaml:"bands"`
}

// MPEBandConfig is one band, in multiples of e.
type MPEBandConfig struct {
	UpToE  string `yaml:"up_to_e"`
	MPEInE string `yaml:"mpe_e"`
}

// MethodConfig describes a calibration procedure.
type MethodConfig struct {
	Name                  string   `yaml:"name"`
	RequiresRepeatability *bool    `yaml:"requires_repeatability"`
	RequiresEccentricity  bool     `yaml:"requires_eccentricity"`
	MandatoryComponents   []string `yaml:"mandatory_components"`
}

// NumberingConfig sets formats per entity.
type NumberingConfig struct {
	Default  *numbering.Format           `yaml:"default"`
	Entities map[string]numbering.Format `yaml:"entities"`
}

// Defaults returns the configuration used without a file.
func Defaults() EngineConfig {
	builtin := false
	return EngineConfig{
		Defaults: PolicyConfig{
			CoverageFactor:      calibration.DefaultCoverageFactor.String(),
			DecisionRule:        string(calibration.RuleSimple),
			BuiltinMPE:          &builtin,
			RecalibrationMonths: calibration.DefaultRecalibrationMonths,
		},
		Numbering: NumberingConfig{
			Default: &numbering.Format{Padding: numbering.DefaultPadding},
			Entities: map[string]numbering.Format{
				numbering.EntityCertificate: {Prefix: "CERT-", Padding: numbering.DefaultPadding},
			},
		},
	}
}

// Load reads a YAML file and merges it over Defaults.
// An empty path returns the defaults.
func Load(path string) (EngineConfig, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over Defaults and validates the result.
func Parse(data []byte) (EngineConfig, error) {
	cfg := Defaults()
	var file EngineConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, errors.Wrap(err, "config: decode yaml")
	}
	cfg.Defaults = mergePolicy(cfg.Defaults, file.Defaults)
	cfg.Tenants = file.Tenants
	cfg.MPETables = file.MPETables
	cfg.Methods = file.Methods
	cfg.Branches = file.Branches
	if file.Numbering.Default != nil {
		cfg.Numbering.Default = file.Numbering.Default
	}
	for entity, format := range file.Numbering.Entities {
		cfg.Numbering.Entities[entity] = format
	}
	if _, err := Compile(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mergePolicy(base, override PolicyConfig) PolicyConfig {
	if override.CoverageFactor != "" {
		base.CoverageFactor = override.CoverageFactor
	}
	if override.DecisionRule != "" {
		base.DecisionRule = override.DecisionRule
	}
	if override.MPETable != "" {
		base.MPETable = override.MPETable
	}
	if override.BuiltinMPE != nil {
		base.BuiltinMPE = override.BuiltinMPE
	}
	if override.RecalibrationMonths != 0 {
		base.RecalibrationMonths = override.RecalibrationMonths
	}
	if override.Environment.TemperatureMin != "" {
		base.Environment.TemperatureMin = override.Environment.TemperatureMin
	}
	if override.Environment.TemperatureMax != "" {
		base.Environment.TemperatureMax = override.Environment.TemperatureMax
	}
	if override.Environment.HumidityMin != "" {
		base.Environment.HumidityMin = override.Environment.HumidityMin
	}
	if override.Environment.HumidityMax != "" {
		base.Environment.HumidityMax = override.Environment.HumidityMax
	}
	if override.Numbering.Default != nil {
		base.Numbering.Default = override.Numbering.Default
	}
	if len(override.Numbering.Entities) > 0 {
		merged := make(map[string]numbering.Format, len(base.Numbering.Entities)+len(override.Numbering.Entities))
		for k, v := range base.Numbering.Entities {
			merged[k] = v
		}
		for k, v := range override.Numbering.Entities {
			merged[k] = v
		}
		base.Numbering.Entities = merged
	}
	return base
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrInvalidConfig, "%s: %q is not a decimal", field, value)
	}
	return d, nil
}
