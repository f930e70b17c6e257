package worklog

import "errors"

var (
	ErrUserNotFound         = errors.New("worklog: user not found")
	ErrNoPlatformLinked     = errors.New("worklog: user has no linked platform")
	ErrUserContentNotFound  = errors.New("worklog: user content not found")
	ErrDailyWorkLogNotFound = errors.New("worklog: daily work log not found")
	ErrNoFetcher            = errors.New("worklog: no fetcher configured for platform")
)
