package premium

import (
	"encoding/json"
	"math"
)

// finite renders non-finite ratios as null since JSON has no Infinity.
func finite(f float64) *float64 {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return &f
}

func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Utilization     *float64 `json:"utilization"`
		CoverageRatio   *float64 `json:"coverage_ratio"`
		ImpairmentRatio *float64 `json:"impairment_ratio"`
		Unbounded       bool     `json:"coverage_unbounded,omitempty"`
	}{finite(m.Utilization), finite(m.CoverageRatio), finite(m.ImpairmentRatio), math.IsInf(m.CoverageRatio, 1)})
}

func (f Factor) MarshalJSON() ([]byte, error) {
	type plain Factor
	return json.Marshal(struct {
		plain
		Value *float64 `json:"value"`
	}{plain(f), finite(f.Value)})
}
