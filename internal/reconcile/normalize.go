package reconcile

import (
	"math"

	"github.com/onllm-dev/onpulse/internal/api"
)

// merged addresses the shallow merge of every same-day category document.
const merged Category = "merged"

// source is one candidate location for a field value.
type source struct {
	from Category
	path string
}

// fieldRule resolves a DailyRecord field to the first present source.
// Zero counts as absent. scale converts upstream units.
type fieldRule struct {
	field   string
	sources []source
	scale   float64
	set     func(*DailyRecord, float64)
}

func src(from Category, paths ...string) []source {
	out := make([]source, len(paths))
	for i, p := range paths {
		out[i] = source{from: from, path: p}
	}
	return out
}

func concat(groups ...[]source) []source {
	var out []source
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func roundInt(v float64) int {
	return int(math.Round(v))
}

// secondsToMinutes applies to every sleep duration; Oura reports seconds.
const secondsToMinutes = 1.0 / 60.0

// normalizationTable maps upstream fields onto DailyRecord. Estimated
// scores are applied afterwards by estimateScores.
var normalizationTable = []fieldRule{
	{
		field:   "readiness_score",
		sources: src(Readiness, "score", "readiness_score", "readinessScore"),
		set:     func(r *DailyRecord, v float64) { r.ReadinessScore = roundInt(v) },
	},
	{
		field:   "sleep_score",
		sources: concat(src(Sleep, "score", "sleep_score"), src(merged, "sleep_score")),
		set:     func(r *DailyRecord, v float64) { r.SleepScore = roundInt(v) },
	},
	{
		field:   "activity_score",
		sources: concat(src(Activity, "score", "activity_score"), src(merged, "activity_score")),
		set:     func(r *DailyRecord, v float64) { r.ActivityScore = roundInt(v) },
	},
	{
		field: "hrv",
		sources: concat(
			src(HRV, "hrv", "hrv_balance", "average_hrv"),
			src(Readiness, "hrv", "hrv_balance", "contributors.hrv_balance"),
		),
		set: func(r *DailyRecord, v float64) { r.HRV = v },
	},
	{
		field:   "steps",
		sources: src(Activity, "steps", "total_steps"),
		set:     func(r *DailyRecord, v float64) { r.Steps = roundInt(v) },
	},
	{
		field:   "calories_total",
		sources: src(Activity, "total_calories", "calories_total"),
		set:     func(r *DailyRecord, v float64) { r.CaloriesTotal = v },
	},
	{
		field:   "calories_active",
		sources: src(Activity, "active_calories", "calories_active"),
		set:     func(r *DailyRecord, v float64) { r.CaloriesActive = v },
	},
	{
		field:   "deep_sleep_duration",
		sources: src(merged, "deep_sleep_duration", "deep"),
		scale:   secondsToMinutes,
		set:     func(r *DailyRecord, v float64) { r.DeepSleepDuration = v },
	},
	{
		field:   "rem_sleep_duration",
		sources: src(merged, "rem_sleep_duration", "rem"),
		scale:   secondsToMinutes,
		set:     func(r *DailyRecord, v float64) { r.REMSleepDuration = v },
	},
	{
		field:   "light_sleep_duration",
		sources: src(merged, "light_sleep_duration", "light"),
		scale:   secondsToMinutes,
		set:     func(r *DailyRecord, v float64) { r.LightSleepDuration = v },
	},
	{
		field:   "total_sleep_duration",
		sources: src(merged, "total_sleep_duration", "total"),
		scale:   secondsToMinutes,
		set:     func(r *DailyRecord, v float64) { r.TotalSleepDuration = v },
	},
	{
		field:   "sleep_efficiency",
		sources: src(merged, "sleep_efficiency", "efficiency"),
		set:     func(r *DailyRecord, v float64) { r.SleepEfficiency = v },
	},
	{
		field:   "resting_heart_rate",
		sources: src(merged, "resting_heart_rate", "lowest_heart_rate", "hr_lowest"),
		set:     func(r *DailyRecord, v float64) { r.RestingHeartRate = v },
	},
	{
		field:   "average_heart_rate",
		sources: src(merged, "average_heart_rate", "hr_average"),
		set:     func(r *DailyRecord, v float64) { r.AverageHeartRate = v },
	},
	{
		field:   "max_heart_rate",
		sources: src(merged, "max_heart_rate", "highest_heart_rate"),
		set:     func(r *DailyRecord, v float64) { r.MaxHeartRate = v },
	},
	{
		field:   "temperature_delta",
		sources: src(merged, "temperature_delta", "temperature_deviation"),
		set:     func(r *DailyRecord, v float64) { r.TemperatureDelta = v },
	},
}

// dayDocs holds the same-day document of each category plus their merge.
type dayDocs struct {
	day  string
	docs map[Category]api.Document
}

func newDayDocs(day string, byCategory map[Category]api.Document) dayDocs {
	m := make(api.Document)
	for _, c := range Categories {
		for k, v := range byCategory[c] {
			m[k] = v
		}
	}
	docs := make(map[Category]api.Document, len(byCategory)+1)
	for c, d := range byCategory {
		docs[c] = d
	}
	docs[merged] = m
	return dayDocs{day: day, docs: docs}
}

func (r fieldRule) resolve(d dayDocs) (float64, bool) {
	for _, s := range r.sources {
		doc := d.docs[s.from]
		if doc == nil {
			continue
		}
		if v, ok := doc.Number(s.path); ok && v != 0 {
			if r.scale != 0 {
				v *= r.scale
			}
			return v, true
		}
	}
	return 0, false
}

// normalize builds a DailyRecord from a day's documents.
func normalize(d dayDocs) DailyRecord {
	rec := DailyRecord{Day: d.day}
	for _, rule := range normalizationTable {
		if v, ok := rule.resolve(d); ok {
			rule.set(&rec, v)
		}
	}
	estimateScores(&rec)
	return rec
}

// estimateScores fills sleep and activity scores from readiness when absent.
func estimateScores(rec *DailyRecord) {
	if rec.SleepScore == 0 {
		rec.SleepScore = roundInt(float64(rec.ReadinessScore) * 0.8)
	}
	if rec.ActivityScore == 0 {
		rec.ActivityScore = roundInt(float64(rec.ReadinessScore) * 0.6)
	}
}

// activityOnly builds a record from an activity document alone, leaving
// scores and hrv zeroed.
func activityOnly(day string, doc api.Document) DailyRecord {
	d := newDayDocs(day, map[Category]api.Document{Activity: doc})
	rec := DailyRecord{Day: day}
	for _, rule := range normalizationTable {
		switch rule.field {
		case "steps", "calories_total", "calories_active":
			if v, ok := rule.resolve(d); ok {
				rule.set(&rec, v)
			}
		}
	}
	return rec
}
