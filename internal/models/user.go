package models

import (
	"time"
	_ "time/tzdata"
)

type User struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Username string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Email    string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	// IANA zone name, e.g. "Asia/Seoul". Empty means UTC.
	Timezone  string    `gorm:"type:varchar(64);not null;default:'UTC'" json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	GitHubSecret *GitHubUserSecret `gorm:"foreignKey:UserID" json:"-"`
	JiraUser     *JiraUser         `gorm:"foreignKey:UserID" json:"-"`
	SlackUser    *SlackUser        `gorm:"foreignKey:UserID" json:"-"`
}

func (User) TableName() string { return "users" }

// Location resolves Timezone, falling back to UTC for unknown names.
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Yesterday is the calendar day before now in the user's timezone, at local midnight.
func (u *User) Yesterday(now time.Time) time.Time {
	local := now.In(u.Location())
	y, m, d := local.AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, u.Location())
}

func (u *User) HasGitHub() bool {
	return u.GitHubSecret != nil && u.GitHubSecret.Token != "" && u.GitHubSecret.Login != ""
}

func (u *User) HasJira() bool {
	return u.JiraUser != nil && u.JiraUser.AccountID != "" && u.JiraUser.Project != ""
}

func (u *User) HasSlack() bool {
	return u.SlackUser != nil && u.SlackUser.MemberID != ""
}
