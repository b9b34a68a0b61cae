// Package reconcile merges the Oura metric categories into one record per day.
package reconcile

// DailyRecord is one calendar day of biometric data. Durations are minutes.
type DailyRecord struct {
	Day                string  `json:"day"`
	HRV                float64 `json:"hrv"`
	SleepScore         int     `json:"sleep_score"`
	ActivityScore      int     `json:"activity_score"`
	ReadinessScore     int     `json:"readiness_score"`
	DeepSleepDuration  float64 `json:"deep_sleep_duration"`
	REMSleepDuration   float64 `json:"rem_sleep_duration"`
	LightSleepDuration float64 `json:"light_sleep_duration"`
	TotalSleepDuration float64 `json:"total_sleep_duration"`
	SleepEfficiency    float64 `json:"sleep_efficiency"`
	RestingHeartRate   float64 `json:"resting_heart_rate"`
	TemperatureDelta   float64 `json:"temperature_delta"`
	Steps              int     `json:"steps"`
	CaloriesActive     float64 `json:"calories_active"`
	CaloriesTotal      float64 `json:"calories_total"`
	AverageHeartRate   float64 `json:"average_heart_rate"`
	MaxHeartRate       float64 `json:"max_heart_rate"`
}

// Category is one of the upstream metric groups.
type Category string

const (
	Readiness Category = "readiness"
	Activity  Category = "activity"
	Sleep     Category = "sleep"
	HRV       Category = "hrv"
)

// Categories lists every category in merge precedence order.
var Categories = []Category{Readiness, Activity, Sleep, HRV}
