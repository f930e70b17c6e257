// Package platform fetches a user's daily activity from external services and
// renders it as digest text for summarization.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Platform string

const (
	GitHub Platform = "GITHUB"
	Jira   Platform = "JIRA"
	Slack  Platform = "SLACK"
	// UserContent is free text typed by the user. It is never collected or merged.
	UserContent Platform = "USER_CONTENT"
)

// Collected lists the platforms the collector polls, in merge order.
func Collected() []Platform {
	return []Platform{GitHub, Jira, Slack}
}

// Strings converts ps for log fields.
func Strings(ps []Platform) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func Parse(s string) (Platform, error) {
	switch p := Platform(s); p {
	case GitHub, Jira, Slack, UserContent:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// ErrUpstreamUnavailable marks transport failures and 5xx answers from a platform API.
var ErrUpstreamUnavailable = errors.New("platform: upstream unavailable")

type upstreamError struct {
	platform Platform
	err      error
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%s: upstream unavailable: %v", e.platform, e.err)
}

func (e *upstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.err} }

func unavailable(p Platform, err error) error {
	return &upstreamError{platform: p, err: err}
}

// Identity is everything the fetchers need to know about one user.
type Identity struct {
	UserID        uint64
	GitHubLogin   string
	GitHubToken   string
	JiraAccountID string
	JiraProject   string
	SlackMemberID string
}

// DirectoryUser is one account from a platform's user directory: a Jira
// account id or a Slack member id, with its profile.
type DirectoryUser struct {
	ID          string
	DisplayName string
	RealName    string
	Email       string
	Active      bool
	URL         string
}

// Item is one raw activity record. Body holds the digest rendering; Payload the
// upstream JSON kept for the source listing.
type Item struct {
	ExternalID string          `json:"external_id"`
	Kind       string          `json:"kind"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	URL        string          `json:"url,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Fetcher produces the raw items of one platform for (identity, date).
type Fetcher interface {
	Platform() Platform
	FetchActivity(ctx context.Context, id Identity, date time.Time, loc *time.Location) ([]Item, error)
}

// DayWindow returns [start, end) of date's calendar day in loc.
func DayWindow(date time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}
