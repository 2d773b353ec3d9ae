package businessflow

import (
	"math"
	"sort"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
)

// VariantStats are the counters the significance test reads
type VariantStats struct {
	Key         string
	Impressions int64
	Conversions int64
}

// Rate is the conversion rate, zero without impressions
func (v VariantStats) Rate() float64 {
	if v.Impressions <= 0 {
		return 0
	}
	return float64(v.Conversions) / float64(v.Impressions)
}

// SignificancePolicy is the single test configuration applied to every experiment
type SignificancePolicy struct {
	MinControlImpressions    int64
	MinChallengerImpressions int64
	CriticalZ                float64
}

// PolicyFromConfig fills unset values with the 400/100 floors and the 95% critical value
func PolicyFromConfig(cfg config.ExperimentConfig) SignificancePolicy {
	p := SignificancePolicy{
		MinControlImpressions:    cfg.MinControlImpressions,
		MinChallengerImpressions: cfg.MinChallengerImpressions,
		CriticalZ:                cfg.CriticalZ,
	}
	if p.MinControlImpressions <= 0 {
		p.MinControlImpressions = utils.DefaultMinControlImpressions
	}
	if p.MinChallengerImpressions <= 0 {
		p.MinChallengerImpressions = utils.DefaultMinChallengerImpressions
	}
	if p.CriticalZ <= 0 {
		p.CriticalZ = utils.DefaultCriticalZ
	}
	return p
}

// ChallengerOutcome is the test result of one challenger against control
type ChallengerOutcome struct {
	Key         string
	Rate        float64
	Lift        float64
	Z           float64
	FloorMet    bool
	Significant bool
}

// SignificanceResult is the outcome of testing every challenger
type SignificanceResult struct {
	ControlRate float64
	Challengers []ChallengerOutcome
	Winner      string
}

func (r SignificanceResult) HasWinner() bool { return r.Winner != "" }

// TwoProportionZ is the pooled two-proportion z statistic of the challenger (c1/n1) against
// control (c0/n0). Positive values favour the challenger.
func TwoProportionZ(c0, n0, c1, n1 int64) float64 {
	if n0 <= 0 || n1 <= 0 {
		return 0
	}
	p0 := float64(c0) / float64(n0)
	p1 := float64(c1) / float64(n1)
	pooled := float64(c0+c1) / float64(n0+n1)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n0) + 1/float64(n1)))
	if se == 0 {
		return 0
	}
	return (p1 - p0) / se
}

// RelativeLift is (p1 - p0) / p0. With a zero control rate any positive challenger rate is an
// infinite lift.
func RelativeLift(p0, p1 float64) float64 {
	if p0 == 0 {
		if p1 > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return (p1 - p0) / p0
}

// Evaluate tests every challenger against control. A challenger is significant only when both arms
// meet their impression floor and z exceeds the critical value. The winner is the significant
// challenger with the largest relative lift, ties going to the lower key.
func (p SignificancePolicy) Evaluate(control VariantStats, challengers []VariantStats) SignificanceResult {
	res := SignificanceResult{ControlRate: control.Rate()}

	sorted := make([]VariantStats, len(challengers))
	copy(sorted, challengers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	controlFloor := control.Impressions >= p.MinControlImpressions
	bestLift := math.Inf(-1)
	for _, ch := range sorted {
		out := ChallengerOutcome{
			Key:      ch.Key,
			Rate:     ch.Rate(),
			Lift:     RelativeLift(res.ControlRate, ch.Rate()),
			Z:        TwoProportionZ(control.Conversions, control.Impressions, ch.Conversions, ch.Impressions),
			FloorMet: controlFloor && ch.Impressions >= p.MinChallengerImpressions,
		}
		out.Significant = out.FloorMet && out.Z > p.CriticalZ
		if out.Significant && out.Lift > bestLift {
			bestLift = out.Lift
			res.Winner = out.Key
		}
		res.Challengers = append(res.Challengers, out)
	}
	return res
}
