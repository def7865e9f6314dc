package telemetry

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Insights summarizes the distribution of call durations and costs for a
// set of events.
type Insights struct {
	Calls          int     `json:"calls"`
	MeanDurationMS float64 `json:"mean_duration_ms"`
	P50DurationMS  float64 `json:"p50_duration_ms"`
	P95DurationMS  float64 `json:"p95_duration_ms"`
	MeanCostUSD    float64 `json:"mean_cost_usd"`
	P95CostUSD     float64 `json:"p95_cost_usd"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
}

// ComputeInsights derives distribution statistics from raw events.
// Events without a duration or cost are excluded from the respective
// statistic.
func ComputeInsights(events []Event) Insights {
	var durations, costs []float64
	for _, e := range events {
		switch {
		case e.DurationMS != nil:
			durations = append(durations, float64(*e.DurationMS))
		case e.DurationSeconds != nil:
			durations = append(durations, *e.DurationSeconds*1000)
		}
		if e.CostEstimate != nil {
			costs = append(costs, *e.CostEstimate)
		}
	}

	ins := Insights{Calls: len(events)}
	if len(durations) > 0 {
		sort.Float64s(durations)
		ins.MeanDurationMS = stat.Mean(durations, nil)
		ins.P50DurationMS = stat.Quantile(0.5, stat.Empirical, durations, nil)
		ins.P95DurationMS = stat.Quantile(0.95, stat.Empirical, durations, nil)
	}
	if len(costs) > 0 {
		sort.Float64s(costs)
		ins.MeanCostUSD = stat.Mean(costs, nil)
		ins.P95CostUSD = stat.Quantile(0.95, stat.Empirical, costs, nil)
		for _, c := range costs {
			ins.TotalCostUSD += c
		}
	}
	return ins
}
