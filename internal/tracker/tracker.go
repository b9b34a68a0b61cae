package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onllm-dev/onpulse/internal/api"
	"github.com/onllm-dev/onpulse/internal/reconcile"
)

// ErrNotConnected is returned by analyses when no Oura account is connected.
var ErrNotConnected = errors.New("tracker: oura not connected")

const (
	// OverviewDays is the range fetched for the dashboard overview.
	OverviewDays = 90
	// AnalysisDays is the range fetched for the sleep and activity analyses.
	AnalysisDays = 30

	overviewWeeks = 4
	trendDays     = 7
)

// RecordSource yields reconciled records. *reconcile.Reconciler implements it.
type RecordSource interface {
	DailyRecords(ctx context.Context, start, end string) (*reconcile.Result, error)
}

// Session reports whether an Oura account is connected. *api.OuraClient implements it.
type Session interface {
	HasValidSession() bool
}

// Overview is the dashboard summary payload.
type Overview struct {
	Today               *reconcile.DailyRecord  `json:"today"`
	WeeklyAverages      []WeeklyAverage         `json:"weeklyAverages"`
	Insights            map[string]Insight      `json:"insights"`
	TrendData           []reconcile.DailyRecord `json:"trendData"`
	ThreeMonthTrendData []reconcile.DailyRecord `json:"threeMonthTrendData"`
	Connected           bool                    `json:"connected"`
}

// EmptyOverview is the zeroed, disconnected overview.
func EmptyOverview() *Overview {
	return &Overview{
		WeeklyAverages:      []WeeklyAverage{},
		Insights:            map[string]Insight{},
		TrendData:           []reconcile.DailyRecord{},
		ThreeMonthTrendData: []reconcile.DailyRecord{},
	}
}

// SleepDay is a daily record with the raw sleep document for that day.
type SleepDay struct {
	reconcile.DailyRecord
	SleepData api.Document `json:"sleep_data"`
}

// SleepAnalysis is the sleep analysis payload.
type SleepAnalysis struct {
	SleepData []SleepDay                `json:"sleepData"`
	Insights  map[string]Recommendation `json:"insights"`
}

// ActivityAnalysis is the activity analysis payload.
type ActivityAnalysis struct {
	ActivityData []reconcile.DailyRecord   `json:"activityData"`
	Insights     map[string]Recommendation `json:"insights"`
}

// Tracker assembles dashboard views from reconciled records.
type Tracker struct {
	source  RecordSource
	session Session
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new Tracker.
func New(source RecordSource, session Session, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		source:  source,
		session: session,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the clock used to pick "today" (for testing).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Range returns the inclusive date range of the last days days ending today.
func (t *Tracker) Range(days int) (start, end string) {
	today := t.now()
	return today.AddDate(0, 0, -(days - 1)).Format(reconcile.DateLayout), today.Format(reconcile.DateLayout)
}

// Today returns the current calendar day.
func (t *Tracker) Today() string {
	return t.now().Format(reconcile.DateLayout)
}

// Overview builds the dashboard summary. Missing sessions and upstream
// failures yield the empty overview; only cancellation is an error.
func (t *Tracker) Overview(ctx context.Context) (*Overview, error) {
	if !t.session.HasValidSession() {
		return EmptyOverview(), nil
	}

	start, end := t.Range(OverviewDays)
	res, err := t.source.DailyRecords(ctx, start, end)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		t.logger.Error("overview reconciliation failed", "error", err)
		return EmptyOverview(), nil
	}
	if res.AllFailed() {
		t.logger.Warn("every oura category failed, reporting disconnected")
		return EmptyOverview(), nil
	}

	records := res.Records
	today := FindDay(records, end)
	ov := &Overview{
		Today:               today,
		WeeklyAverages:      Trailing(WeeklyAverages(records), overviewWeeks),
		Insights:            Insights(records, today),
		TrendData:           Trailing(records, trendDays),
		ThreeMonthTrendData: records,
		Connected:           true,
	}
	if ov.TrendData == nil {
		ov.TrendData = []reconcile.DailyRecord{}
		ov.ThreeMonthTrendData = []reconcile.DailyRecord{}
	}
	return ov, nil
}

// SleepAnalysis pairs the last 30 days of records with their sleep documents.
func (t *Tracker) SleepAnalysis(ctx context.Context) (*SleepAnalysis, error) {
	if !t.session.HasValidSession() {
		return nil, ErrNotConnected
	}
	start, end := t.Range(AnalysisDays)
	res, err := t.source.DailyRecords(ctx, start, end)
	if err != nil {
		return nil, err
	}

	sleepByDay := make(map[string]api.Document)
	for _, doc := range res.Categories[reconcile.Sleep] {
		if day := doc.Day(); day != "" {
			if _, ok := sleepByDay[day]; !ok {
				sleepByDay[day] = doc
			}
		}
	}

	days := make([]SleepDay, 0, len(res.Records))
	for _, r := range res.Records {
		days = append(days, SleepDay{DailyRecord: r, SleepData: sleepByDay[r.Day]})
	}
	return &SleepAnalysis{SleepData: days, Insights: SleepInsights(res.Records)}, nil
}

// ActivityAnalysis returns the last 30 days of records with activity guidance.
func (t *Tracker) ActivityAnalysis(ctx context.Context) (*ActivityAnalysis, error) {
	if !t.session.HasValidSession() {
		return nil, ErrNotConnected
	}
	start, end := t.Range(AnalysisDays)
	res, err := t.source.DailyRecords(ctx, start, end)
	if err != nil {
		return nil, err
	}
	records := res.Records
	if records == nil {
		records = []reconcile.DailyRecord{}
	}
	return &ActivityAnalysis{ActivityData: records, Insights: ActivityInsights(records)}, nil
}

// FindDay returns a copy of the record for day, or nil.
func FindDay(records []reconcile.DailyRecord, day string) *reconcile.DailyRecord {
	for i := range records {
		if records[i].Day == day {
			r := records[i]
			return &r
		}
	}
	return nil
}
