package calibration

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EnvironmentConditions are the ambient conditions recorded during calibration.
type EnvironmentConditions struct {
	TemperatureC decimal.NullDecimal `json:"temperature_c"`
	HumidityPct  decimal.NullDecimal `json:"humidity_pct"`
	PressureHPa  decimal.NullDecimal `json:"pressure_hpa"`
}

// EnvironmentLimits is the acceptable laboratory envelope.
type EnvironmentLimits struct {
	TemperatureMin decimal.Decimal `json:"temperature_min"`
	TemperatureMax decimal.Decimal `json:"temperature_max"`
	HumidityMin    decimal.Decimal `json:"humidity_min"`
	HumidityMax    decimal.Decimal `json:"humidity_max"`
}

// DefaultEnvironmentLimits returns 15..25 C and 30..70 %RH.
func DefaultEnvironmentLimits() EnvironmentLimits {
	return EnvironmentLimits{
		TemperatureMin: decimal.NewFromInt(15),
		TemperatureMax: decimal.NewFromInt(25),
		HumidityMin:    decimal.NewFromInt(30),
		HumidityMax:    decimal.NewFromInt(70),
	}
}

// Warnings lists recorded conditions outside the limits. Unrecorded values
// are not warned about.
func (c EnvironmentConditions) Warnings(limits EnvironmentLimits) []string {
	var warnings []string
	if c.TemperatureC.Valid {
		t := c.TemperatureC.Decimal
		if t.LessThan(limits.TemperatureMin) || t.GreaterThan(limits.TemperatureMax) {
			warnings = append(warnings, fmt.Sprintf("temperature %s C outside %s..%s C",
				t.String(), limits.TemperatureMin.String(), limits.TemperatureMax.String()))
		}
	}
	if c.HumidityPct.Valid {
		h := c.HumidityPct.Decimal
		if h.LessThan(limits.HumidityMin) || h.GreaterThan(limits.HumidityMax) {
			warnings = append(warnings, fmt.Sprintf("humidity %s %%RH outside %s..%s %%RH",
				h.String(), limits.HumidityMin.String(), limits.HumidityMax.String()))
		}
	}
	return warnings
}
