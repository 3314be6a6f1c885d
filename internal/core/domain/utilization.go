package domain

// WindowUtilization is one advisory quota sample: how much of a rolling
// window has been consumed and how long until the window resets.
type WindowUtilization struct {
	Percent      float64 `json:"percent"`
	HoursToReset float64 `json:"hours_to_reset"`
}

// AccountUtilization carries the short (session) and long (weekly) window
// samples reported by the companion quota service. Both are advisory; routing
// never depends on them being present or fresh.
type AccountUtilization struct {
	ShortWindow WindowUtilization `json:"short_window"`
	LongWindow  WindowUtilization `json:"long_window"`
}

// ClientProfile is the advisory usage profile of one downstream client,
// derived from the usage store. Classification is coarse: "heavy" clients get
// steered away from nearly exhausted subscriptions.
type ClientProfile struct {
	ClientID              string
	PreferredSubscription string
	Classification        string
}

const (
	ClassificationLight = "light"
	ClassificationHeavy = "heavy"
)

// SelectionHints bundles the optional scoring inputs for one selection. A nil
// or zero hints value degrades selection to the capacity-and-priority policy.
type SelectionHints struct {
	ClientID              string
	PreferredSubscription string
	Classification        string
	// RequestsPerMinute maps subscription name to its recent request rate.
	RequestsPerMinute map[string]float64
}
