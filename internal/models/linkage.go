package models

import "time"

// GitHubUserSecret holds the personal access token used to read a user's activity.
// Token encryption at rest is handled outside this service.
type GitHubUserSecret struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    uint64 `gorm:"uniqueIndex;not null"`
	Login     string `gorm:"type:varchar(100);not null"`
	Token     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (GitHubUserSecret) TableName() string { return "github_user_secrets" }

// JiraUser is an account from the Jira assignable-user directory. Rows are
// filled by the directory sync with UserID unset; assigning one to a local
// user links that user's Jira activity.
type JiraUser struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement"`
	UserID      *uint64 `gorm:"uniqueIndex"`
	AccountID   string  `gorm:"type:varchar(128);uniqueIndex;not null"`
	DisplayName string  `gorm:"type:varchar(255)"`
	Email       string  `gorm:"type:varchar(255)"`
	URL         string  `gorm:"type:varchar(512)"`
	Active      bool    `gorm:"not null"`
	Project     string  `gorm:"type:varchar(64)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (JiraUser) TableName() string { return "jira_users" }

// SlackUser is a workspace member from users.list, linked the same way as JiraUser.
type SlackUser struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement"`
	UserID      *uint64 `gorm:"uniqueIndex"`
	MemberID    string  `gorm:"type:varchar(64);uniqueIndex;not null"`
	DisplayName string  `gorm:"type:varchar(255)"`
	RealName    string  `gorm:"type:varchar(255)"`
	Email       string  `gorm:"type:varchar(255)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SlackUser) TableName() string { return "slack_users" }
