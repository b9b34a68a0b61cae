// Package testutil provides shared test infrastructure for onPulse.
package testutil

import (
	"encoding/json"
	"time"
)

// Doc is a loosely typed upstream document.
type Doc = map[string]any

// Collection renders documents in the {"data": [...]} envelope used by the
// Oura v2 API.
func Collection(docs ...Doc) string {
	if docs == nil {
		docs = []Doc{}
	}
	b, _ := json.Marshal(map[string]any{"data": docs, "next_token": nil})
	return string(b)
}

// BareArray renders documents as a bare JSON array, as legacy endpoints do.
func BareArray(docs ...Doc) string {
	if docs == nil {
		docs = []Doc{}
	}
	b, _ := json.Marshal(docs)
	return string(b)
}

// ReadinessDoc returns a daily_readiness document.
func ReadinessDoc(day string, score, hrvBalance int) Doc {
	return Doc{
		"id":                    "readiness-" + day,
		"day":                   day,
		"score":                 score,
		"temperature_deviation": -0.12,
		"contributors": Doc{
			"hrv_balance":           hrvBalance,
			"resting_heart_rate":    80,
			"previous_night":        78,
			"recovery_index":        90,
			"sleep_balance":         85,
			"body_temperature":      100,
			"activity_balance":      75,
			"previous_day_activity": 70,
		},
	}
}

// ActivityDoc returns a daily_activity document.
func ActivityDoc(day string, score, steps, activeCalories, totalCalories int) Doc {
	return Doc{
		"id":              "activity-" + day,
		"day":             day,
		"score":           score,
		"steps":           steps,
		"active_calories": activeCalories,
		"total_calories":  totalCalories,
	}
}

// SleepDoc returns a sleep period document. Durations are in seconds, as
// the upstream reports them.
func SleepDoc(day string, score, deepSec, remSec, lightSec, totalSec, efficiency, lowestHR, avgHRV int) Doc {
	return Doc{
		"id":                   "sleep-" + day,
		"day":                  day,
		"score":                score,
		"deep_sleep_duration":  deepSec,
		"rem_sleep_duration":   remSec,
		"light_sleep_duration": lightSec,
		"total_sleep_duration": totalSec,
		"efficiency":           efficiency,
		"lowest_heart_rate":    lowestHR,
		"average_hrv":          avgHRV,
		"average_heart_rate":   58,
	}
}

// HeartRateSample returns one heart rate sample.
func HeartRateSample(ts time.Time, bpm int) Doc {
	return Doc{"bpm": bpm, "source": "awake", "timestamp": ts.UTC().Format(time.RFC3339)}
}

// PersonalInfo returns a personal_info document.
func PersonalInfo(email string) Doc {
	return Doc{
		"id":             "user-1",
		"age":            38,
		"weight":         72.5,
		"height":         1.8,
		"biological_sex": "male",
		"email":          email,
	}
}

// Days returns n consecutive ISO dates starting at start.
func Days(start string, n int) []string {
	t, err := time.Parse("2006-01-02", start)
	if err != nil {
		panic(err)
	}
	days := make([]string, n)
	for i := range n {
		days[i] = t.AddDate(0, 0, i).Format("2006-01-02")
	}
	return days
}

// Week is a typical week of documents across every category.
type Week struct {
	Readiness []Doc
	Activity  []Doc
	Sleep     []Doc
}

// TypicalWeek returns seven days of plausible data starting at start.
func TypicalWeek(start string) Week {
	var w Week
	for i, day := range Days(start, 7) {
		w.Readiness = append(w.Readiness, ReadinessDoc(day, 75+i, 70+i))
		w.Activity = append(w.Activity, ActivityDoc(day, 80, 8000+i*500, 350, 2300))
		w.Sleep = append(w.Sleep, SleepDoc(day, 82, 5400, 6000, 14400, 25800, 90, 52, 45+i))
	}
	return w
}
