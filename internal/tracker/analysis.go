package tracker

import (
	"github.com/onllm-dev/onpulse/internal/reconcile"
)

// Recommendation is a trailing mean with guidance text.
type Recommendation struct {
	Average        float64 `json:"average"`
	Recommendation string  `json:"recommendation"`
}

// threshold flags a metric whose mean is below limit, or above it when above is set.
type threshold struct {
	name   string
	value  func(reconcile.DailyRecord) float64
	limit  float64
	above  bool // flag values above limit instead of below
	flag   string
	normal string
}

var sleepThresholds = []threshold{
	{
		name:   "deepSleep",
		value:  func(r reconcile.DailyRecord) float64 { return r.DeepSleepDuration },
		limit:  60,
		flag:   "Try to increase deep sleep duration",
		normal: "Good deep sleep duration",
	},
	{
		name:   "remSleep",
		value:  func(r reconcile.DailyRecord) float64 { return r.REMSleepDuration },
		limit:  90,
		flag:   "Consider improving REM sleep",
		normal: "Good REM sleep duration",
	},
	{
		name:   "totalSleep",
		value:  func(r reconcile.DailyRecord) float64 { return r.TotalSleepDuration },
		limit:  420,
		flag:   "Consider getting more sleep",
		normal: "Good sleep duration",
	},
	{
		name:   "efficiency",
		value:  func(r reconcile.DailyRecord) float64 { return r.SleepEfficiency },
		limit:  85,
		flag:   "Work on improving sleep efficiency",
		normal: "Good sleep efficiency",
	},
}

var activityThresholds = []threshold{
	{
		name:   "steps",
		value:  func(r reconcile.DailyRecord) float64 { return float64(r.Steps) },
		limit:  8000,
		flag:   "Try to increase daily steps",
		normal: "Good step count",
	},
	{
		name:   "calories",
		value:  func(r reconcile.DailyRecord) float64 { return r.CaloriesActive },
		limit:  300,
		flag:   "Consider more active activities",
		normal: "Good calorie burn",
	},
	{
		name:   "heartRate",
		value:  func(r reconcile.DailyRecord) float64 { return r.AverageHeartRate },
		limit:  100,
		above:  true,
		flag:   "Monitor heart rate trends",
		normal: "Normal heart rate range",
	},
}

// SleepInsights averages sleep metrics over the trailing week.
func SleepInsights(records []reconcile.DailyRecord) map[string]Recommendation {
	return recommend(records, sleepThresholds)
}

// ActivityInsights averages activity metrics over the trailing week.
func ActivityInsights(records []reconcile.DailyRecord) map[string]Recommendation {
	return recommend(records, activityThresholds)
}

func recommend(records []reconcile.DailyRecord, thresholds []threshold) map[string]Recommendation {
	out := make(map[string]Recommendation, len(thresholds))
	if len(records) == 0 {
		return out
	}
	window := Trailing(records, InsightWindow)
	for _, th := range thresholds {
		avg := mean(window, th.value)
		flagged := avg < th.limit
		if th.above {
			flagged = avg > th.limit
		}
		text := th.normal
		if flagged {
			text = th.flag
		}
		out[th.name] = Recommendation{Average: avg, Recommendation: text}
	}
	return out
}
