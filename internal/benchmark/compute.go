// Package benchmark aggregates KPI values into peer-group statistics at
// four cohort levels.
package benchmark

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"costbench/internal/model"
)

// Percentile returns the p-quantile (0 <= p <= 1) of sorted values by
// linear interpolation between closest ranks: h = (n-1)p, the same
// definition as PostgreSQL percentile_cont. sorted must be non-empty and
// ascending.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * p
	lo := int(h)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Stats is the summary of one cohort.
type Stats struct {
	Count  int
	P25    float64
	Median float64
	P75    float64
	Mean   float64
}

// Summarize computes the cohort statistics of values. values is sorted in
// place. ok is false for an empty cohort.
func Summarize(values []float64) (s Stats, ok bool) {
	if len(values) == 0 {
		return s, false
	}
	sort.Float64s(values)
	return Stats{
		Count:  len(values),
		P25:    Percentile(values, 0.25),
		Median: Percentile(values, 0.50),
		P75:    Percentile(values, 0.75),
		Mean:   stat.Mean(values, nil),
	}, true
}

type cohortKey struct {
	jurisdiction string
	facilityType string
}

// Compute returns the benchmark rows of every (kpi, year) present in obs.
// Observations with a nil value are excluded from every cohort and cohorts
// left empty produce no row.
//
// Output order: kpi name, fiscal year, then National, State (by
// jurisdiction), Hospital_Type (by facility type) and State_Hospital_Type
// (by jurisdiction, then facility type).
func Compute(obs []model.KPIObservation) []model.Benchmark {
	groups := make(map[model.KPIYear][]model.KPIObservation)
	for _, o := range obs {
		if o.Value == nil {
			continue
		}
		k := model.KPIYear{KPIName: o.KPIName, FiscalYear: o.FiscalYear}
		groups[k] = append(groups[k], o)
	}

	keys := make([]model.KPIYear, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].KPIName != keys[j].KPIName {
			return keys[i].KPIName < keys[j].KPIName
		}
		return keys[i].FiscalYear < keys[j].FiscalYear
	})

	var out []model.Benchmark
	for _, k := range keys {
		out = append(out, computeGroup(k, groups[k])...)
	}
	return out
}

func computeGroup(k model.KPIYear, obs []model.KPIObservation) []model.Benchmark {
	national := make([]float64, 0, len(obs))
	byState := make(map[string][]float64)
	byType := make(map[string][]float64)
	byBoth := make(map[cohortKey][]float64)
	for _, o := range obs {
		v := *o.Value
		national = append(national, v)
		byState[o.Jurisdiction] = append(byState[o.Jurisdiction], v)
		byType[o.FacilityType] = append(byType[o.FacilityType], v)
		ck := cohortKey{jurisdiction: o.Jurisdiction, facilityType: o.FacilityType}
		byBoth[ck] = append(byBoth[ck], v)
	}

	var out []model.Benchmark
	emit := func(level string, jur, typ *string, values []float64) {
		s, ok := Summarize(values)
		if !ok {
			return
		}
		out = append(out, model.Benchmark{
			KPIName:       k.KPIName,
			Level:         level,
			Jurisdiction:  jur,
			FacilityType:  typ,
			FiscalYear:    k.FiscalYear,
			ProviderCount: s.Count,
			P25:           s.P25,
			Median:        s.Median,
			P75:           s.P75,
			Mean:          s.Mean,
		})
	}

	emit(model.LevelNational, nil, nil, national)
	for _, j := range sortedKeys(byState) {
		emit(model.LevelState, strPtr(j), nil, byState[j])
	}
	for _, t := range sortedKeys(byType) {
		emit(model.LevelHospitalType, nil, strPtr(t), byType[t])
	}

	both := make([]cohortKey, 0, len(byBoth))
	for ck := range byBoth {
		both = append(both, ck)
	}
	sort.Slice(both, func(i, j int) bool {
		if both[i].jurisdiction != both[j].jurisdiction {
			return both[i].jurisdiction < both[j].jurisdiction
		}
		return both[i].facilityType < both[j].facilityType
	})
	for _, ck := range both {
		emit(model.LevelStateHospitalType, strPtr(ck.jurisdiction), strPtr(ck.facilityType), byBoth[ck])
	}
	return out
}

func sortedKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func strPtr(s string) *string { return &s }
