package worklog

import (
	"time"

	"github.com/suPer8Hu/worklog/internal/platform"
	"gorm.io/datatypes"
)

// ActivityEvent is one raw item fetched from a platform, kept as the source of a summary.
type ActivityEvent struct {
	ID         uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint64            `gorm:"not null;index:idx_activity_user_date,priority:1;index:uniq_activity_event,unique,priority:1" json:"user_id"`
	TargetDate string            `gorm:"type:char(10);not null;index:idx_activity_user_date,priority:2;index:uniq_activity_event,unique,priority:2" json:"target_date"`
	Platform   platform.Platform `gorm:"type:varchar(20);not null;index:uniq_activity_event,unique,priority:3" json:"platform"`
	ExternalID string            `gorm:"type:varchar(191);not null;index:uniq_activity_event,unique,priority:4" json:"external_id"`
	Kind       string            `gorm:"type:varchar(32);not null" json:"kind"`
	Title      string            `gorm:"type:text" json:"title"`
	Body       string            `gorm:"type:text" json:"body"`
	URL        string            `gorm:"type:varchar(512)" json:"url,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    datatypes.JSON    `json:"payload,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (ActivityEvent) TableName() string { return "activity_events" }

// PlatformWorkLog is the summary of one platform for one user and day.
type PlatformWorkLog struct {
	ID         uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint64            `gorm:"not null;index:uniq_platform_work_log,unique,priority:1" json:"user_id"`
	TargetDate string            `gorm:"type:char(10);not null;index:uniq_platform_work_log,unique,priority:2" json:"target_date"`
	Platform   platform.Platform `gorm:"type:varchar(20);not null;index:uniq_platform_work_log,unique,priority:3" json:"platform"`
	Content    string            `gorm:"type:text;not null" json:"content"`
	// ModelName and Prompt are empty for placeholders and user content.
	ModelName string    `gorm:"type:varchar(100);not null;default:''" json:"model_name"`
	Prompt    string    `gorm:"type:text" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PlatformWorkLog) TableName() string { return "platform_work_logs" }

func (l PlatformWorkLog) MarkdownText() string {
	return "# " + string(l.Platform) + "\n\n" + l.Content
}

// DailyWorkLog merges every collected platform's summary for one day.
type DailyWorkLog struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint64    `gorm:"not null;index:uniq_daily_work_log,unique,priority:1" json:"user_id"`
	TargetDate string    `gorm:"type:char(10);not null;index:uniq_daily_work_log,unique,priority:2" json:"target_date"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (DailyWorkLog) TableName() string { return "daily_work_logs" }

// PlatformWorkLogs is a day's platform summaries together with their raw sources.
type PlatformWorkLogs struct {
	WorkLogs []PlatformWorkLog `json:"work_logs"`
	Events   []ActivityEvent   `json:"events"`
}

// EventsOf returns the events of p in their stored order.
func (p PlatformWorkLogs) EventsOf(pl platform.Platform) []ActivityEvent {
	var out []ActivityEvent
	for _, e := range p.Events {
		if e.Platform == pl {
			out = append(out, e)
		}
	}
	return out
}

// Key identifies one user's day. It is the argument of every cached read.
type Key struct {
	UserID     uint64
	TargetDate time.Time
}

func NewKey(userID uint64, date time.Time) Key {
	return Key{UserID: userID, TargetDate: date}
}

// Date is the stored form of TargetDate.
func (k Key) Date() string { return k.TargetDate.Format(time.DateOnly) }

// ParseDate parses YYYY-MM-DD as a UTC calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}
