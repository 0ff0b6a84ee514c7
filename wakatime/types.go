package wakatime

import (
	"fmt"
	"time"
)

// Range selects the period for Stats.
type Range string

const (
	Last7Days   Range = "last_7_days"
	Last30Days  Range = "last_30_days"
	Last6Months Range = "last_6_months"
	LastYear    Range = "last_year"
)

// Valid reports whether r is a range the API accepts.
func (r Range) Valid() bool {
	switch r {
	case Last7Days, Last30Days, Last6Months, LastYear:
		return true
	default:
		return false
	}
}

// Item is one slice of a summary breakdown (a language, project, ...).
type Item struct {
	Name         string  `json:"name"`
	TotalSeconds float64 `json:"total_seconds"`
	Percent      float64 `json:"percent"`
	Text         string  `json:"text,omitempty"`
}

// GrandTotal is the total coding time for a summary.
type GrandTotal struct {
	TotalSeconds float64 `json:"total_seconds"`
	Digital      string  `json:"digital"`
	Text         string  `json:"text"`
}

// Summary is one day of activity.
type Summary struct {
	GrandTotal   GrandTotal `json:"grand_total"`
	Categories   []Item     `json:"categories"`
	Languages    []Item     `json:"languages"`
	Projects     []Item     `json:"projects"`
	Editors      []Item     `json:"editors,omitempty"`
	Dependencies []Item     `json:"dependencies,omitempty"`
}

// Total returns the grand total as a duration.
func (s Summary) Total() time.Duration {
	return time.Duration(s.GrandTotal.TotalSeconds * float64(time.Second))
}

type summariesResponse struct {
	Data []Summary `json:"data"`
}

// Stats aggregates activity over a Range.
type Stats struct {
	Range                     Range   `json:"range"`
	TotalSeconds              float64 `json:"total_seconds"`
	DailyAverage              float64 `json:"daily_average"`
	HumanReadableTotal        string  `json:"human_readable_total"`
	HumanReadableDailyAverage string  `json:"human_readable_daily_average"`
	Languages                 []Item  `json:"languages"`
	Projects                  []Item  `json:"projects"`
	Editors                   []Item  `json:"editors"`
	Categories                []Item  `json:"categories"`
	IsUpToDate                bool    `json:"is_up_to_date"`
}

// Project is a project known to the remote service.
type Project struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Repository      string `json:"repository,omitempty"`
	LastHeartbeatAt string `json:"last_heartbeat_at,omitempty"`
}

// User is the authenticated account.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Timezone    string `json:"timezone"`
	Plan        string `json:"plan,omitempty"`
}

// Goal is a coding goal and its progress.
type Goal struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Status  string  `json:"status"`
	Delta   string  `json:"delta"`
	Seconds float64 `json:"seconds"`
}

// Leader is one leaderboard entry.
type Leader struct {
	Rank         int `json:"rank"`
	RunningTotal struct {
		TotalSeconds       float64 `json:"total_seconds"`
		HumanReadableTotal string  `json:"human_readable_total"`
		DailyAverage       float64 `json:"daily_average"`
	} `json:"running_total"`
	User User `json:"user"`
}

// Leaderboard is the public leaderboard page.
type Leaderboard struct {
	Data        []Leader `json:"data"`
	CurrentUser *Leader  `json:"current_user,omitempty"`
	Page        int      `json:"page"`
	TotalPages  int      `json:"total_pages"`
	Range       struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	} `json:"range"`
}

type dataResponse[T any] struct {
	Data T `json:"data"`
}

// apiErrorBody is the error envelope returned with non-2xx responses.
type apiErrorBody struct {
	Error  string                 `json:"error"`
	Errors map[string]interface{} `json:"errors,omitempty"`
}

func (b apiErrorBody) String() string {
	if b.Error != "" {
		return b.Error
	}
	for field, msg := range b.Errors {
		return fmt.Sprintf("%s: %v", field, msg)
	}
	return ""
}
