package reconcile

// Strategy is one endpoint variant for a category.
type Strategy struct {
	Name string // metrics label
	Path string
}

// DefaultStrategies lists endpoint variants per category, primary first.
var DefaultStrategies = map[Category][]Strategy{
	Readiness: {
		{Name: "v2_daily_readiness", Path: "/v2/usercollection/daily_readiness"},
		{Name: "v1_readiness", Path: "/v1/readiness"},
	},
	Activity: {
		{Name: "v2_daily_activity", Path: "/v2/usercollection/daily_activity"},
		{Name: "v1_activity", Path: "/v1/activity"},
	},
	Sleep: {
		{Name: "v2_daily_sleep", Path: "/v2/usercollection/daily_sleep"},
		{Name: "v2_sleep", Path: "/v2/usercollection/sleep"},
		{Name: "v1_sleep", Path: "/v1/sleep"},
	},
	HRV: {
		{Name: "v2_sleep", Path: "/v2/usercollection/sleep"},
		{Name: "v1_sleep", Path: "/v1/sleep"},
	},
}
