// Package tracker computes weekly averages and trend insights over daily records.
package tracker

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/onllm-dev/onpulse/internal/reconcile"
)

// WeeklyAverage holds per-metric means for one Sunday-started week.
type WeeklyAverage struct {
	Week                string  `json:"week"`
	HRVAvg              float64 `json:"hrv_avg"`
	SleepScoreAvg       float64 `json:"sleep_score_avg"`
	ActivityScoreAvg    float64 `json:"activity_score_avg"`
	ReadinessScoreAvg   float64 `json:"readiness_score_avg"`
	DeepSleepAvg        float64 `json:"deep_sleep_avg"`
	REMSleepAvg         float64 `json:"rem_sleep_avg"`
	LightSleepAvg       float64 `json:"light_sleep_avg"`
	TotalSleepAvg       float64 `json:"total_sleep_avg"`
	SleepEfficiencyAvg  float64 `json:"sleep_efficiency_avg"`
	RestingHeartRateAvg float64 `json:"resting_heart_rate_avg"`
	StepsAvg            float64 `json:"steps_avg"`
	CaloriesActiveAvg   float64 `json:"calories_active_avg"`
	CaloriesTotalAvg    float64 `json:"calories_total_avg"`
}

// Trend values for an Insight.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
)

// Insight compares the current value of a metric against its trailing mean.
type Insight struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Trend   string  `json:"trend"`
}

// InsightWindow is the number of trailing records averaged for insights.
const InsightWindow = 7

// WeekStart returns the Sunday on or before day, or "" if day is not a date.
func WeekStart(day string) string {
	t, err := time.Parse(reconcile.DateLayout, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -int(t.Weekday())).Format(reconcile.DateLayout)
}

// WeeklyAverages groups records by week and averages each metric over the
// days present. Output is sorted ascending by week.
func WeeklyAverages(records []reconcile.DailyRecord) []WeeklyAverage {
	weeks := make(map[string][]reconcile.DailyRecord)
	for _, r := range records {
		key := WeekStart(r.Day)
		if key == "" {
			continue
		}
		weeks[key] = append(weeks[key], r)
	}

	out := make([]WeeklyAverage, 0, len(weeks))
	for week, days := range weeks {
		out = append(out, WeeklyAverage{
			Week:                week,
			HRVAvg:              mean(days, func(r reconcile.DailyRecord) float64 { return r.HRV }),
			SleepScoreAvg:       mean(days, func(r reconcile.DailyRecord) float64 { return float64(r.SleepScore) }),
			ActivityScoreAvg:    mean(days, func(r reconcile.DailyRecord) float64 { return float64(r.ActivityScore) }),
			ReadinessScoreAvg:   mean(days, func(r reconcile.DailyRecord) float64 { return float64(r.ReadinessScore) }),
			DeepSleepAvg:        mean(days, func(r reconcile.DailyRecord) float64 { return r.DeepSleepDuration }),
			REMSleepAvg:         mean(days, func(r reconcile.DailyRecord) float64 { return r.REMSleepDuration }),
			LightSleepAvg:       mean(days, func(r reconcile.DailyRecord) float64 { return r.LightSleepDuration }),
			TotalSleepAvg:       mean(days, func(r reconcile.DailyRecord) float64 { return r.TotalSleepDuration }),
			SleepEfficiencyAvg:  mean(days, func(r reconcile.DailyRecord) float64 { return r.SleepEfficiency }),
			RestingHeartRateAvg: mean(days, func(r reconcile.DailyRecord) float64 { return r.RestingHeartRate }),
			StepsAvg:            mean(days, func(r reconcile.DailyRecord) float64 { return float64(r.Steps) }),
			CaloriesActiveAvg:   mean(days, func(r reconcile.DailyRecord) float64 { return r.CaloriesActive }),
			CaloriesTotalAvg:    mean(days, func(r reconcile.DailyRecord) float64 { return r.CaloriesTotal }),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Week < out[j].Week
	})
	return out
}

// insightMetrics are the metrics reported by Insights, keyed by response name.
var insightMetrics = map[string]func(reconcile.DailyRecord) float64{
	"hrv":            func(r reconcile.DailyRecord) float64 { return r.HRV },
	"sleepScore":     func(r reconcile.DailyRecord) float64 { return float64(r.SleepScore) },
	"activityScore":  func(r reconcile.DailyRecord) float64 { return float64(r.ActivityScore) },
	"readinessScore": func(r reconcile.DailyRecord) float64 { return float64(r.ReadinessScore) },
}

// Insights compares current against the mean of the last InsightWindow
// records. A nil current counts as zero. Equal values trend "declining".
func Insights(records []reconcile.DailyRecord, current *reconcile.DailyRecord) map[string]Insight {
	out := make(map[string]Insight, len(insightMetrics))
	if len(records) == 0 {
		return out
	}

	window := Trailing(records, InsightWindow)
	for name, value := range insightMetrics {
		avg := mean(window, value)
		var cur float64
		if current != nil {
			cur = value(*current)
		}
		out[name] = Insight{Current: cur, Average: avg, Trend: classify(cur, avg)}
	}
	return out
}

func classify(current, average float64) string {
	if current > average {
		return TrendImproving
	}
	return TrendDeclining
}

// Trailing returns the last n records (all of them if fewer).
func Trailing[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func mean(records []reconcile.DailyRecord, value func(reconcile.DailyRecord) float64) float64 {
	if len(records) == 0 {
		return 0
	}
	xs := make([]float64, len(records))
	for i, r := range records {
		xs[i] = value(r)
	}
	return stat.Mean(xs, nil)
}
