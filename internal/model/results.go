package model

// Benchmark levels, in cohort enumeration order.
const (
	LevelNational          = "National"
	LevelState             = "State"
	LevelHospitalType      = "Hospital_Type"
	LevelStateHospitalType = "State_Hospital_Type"
)

// Levels lists the benchmark levels in enumeration order.
var Levels = []string{LevelNational, LevelState, LevelHospitalType, LevelStateHospitalType}

// ProviderClassification assigns a facility type to a provider.
type ProviderClassification struct {
	ProviderID   string
	Jurisdiction string
	FacilityType string
}

// KPIValue is one computed metric. Value is nil when an operand is missing
// or the denominator is not positive; FailureReason then says why.
type KPIValue struct {
	ProviderID    string
	FiscalYear    int32
	KPIName       string
	Value         *float64
	FailureReason string
}

// Benchmark is one cohort statistic. Jurisdiction and FacilityType are nil
// for levels that do not group on them.
type Benchmark struct {
	KPIName       string
	Level         string
	Jurisdiction  *string
	FacilityType  *string
	FiscalYear    int32
	ProviderCount int
	P25           float64
	Median        float64
	P75           float64
	Mean          float64
}

// Key identifies a benchmark row for upserts.
func (b *Benchmark) Key() BenchmarkKey {
	k := BenchmarkKey{KPIName: b.KPIName, Level: b.Level, FiscalYear: b.FiscalYear}
	if b.Jurisdiction != nil {
		k.Jurisdiction = *b.Jurisdiction
	}
	if b.FacilityType != nil {
		k.FacilityType = *b.FacilityType
	}
	return k
}

// BenchmarkKey is the natural key of a benchmark row with nulls folded to "".
type BenchmarkKey struct {
	KPIName      string
	Level        string
	Jurisdiction string
	FacilityType string
	FiscalYear   int32
}

// ProviderCoverage is one row of the provider_list summary table.
type ProviderCoverage struct {
	ProviderID        string
	Jurisdiction      string
	FirstYear         int32
	LastYear          int32
	DistinctYearCount int32
}

// KPIObservation is a KPI value joined to its provider's classification:
// the input row of benchmark aggregation.
type KPIObservation struct {
	ProviderID   string
	Jurisdiction string
	FacilityType string
	FiscalYear   int32
	KPIName      string
	Value        *float64
}

// ProviderYear is one KPI evaluation unit.
type ProviderYear struct {
	ProviderID string
	FiscalYear int32
}

// KPIYear identifies the benchmark rows recomputed together.
type KPIYear struct {
	KPIName    string
	FiscalYear int32
}
