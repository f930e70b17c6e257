package users

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/worklog/internal/lock"
	"github.com/suPer8Hu/worklog/internal/models"
	"github.com/suPer8Hu/worklog/internal/platform"
)

// DefaultSyncLockTimeout bounds one directory sync; a crashed holder frees the lock after it.
const DefaultSyncLockTimeout = 10 * time.Minute

type JiraDirectory interface {
	AssignableUsers(ctx context.Context, project string) ([]platform.DirectoryUser, error)
}

type SlackDirectory interface {
	Users(ctx context.Context) ([]platform.DirectoryUser, error)
}

type Locker interface {
	WithLock(ctx context.Context, name lock.Name, timeout, blockingTimeout time.Duration, fn func(context.Context) error) (bool, error)
}

// SyncResult reports one directory sync. Skipped means another process held the lock.
type SyncResult struct {
	Fetched int
	Added   int
	Skipped bool
}

// Syncer copies the Jira and Slack user directories into jira_users and
// slack_users. Only unknown accounts are inserted; assignment to local users
// is left to AssignJiraUser and AssignSlackUser.
type Syncer struct {
	repo        *Repo
	locker      Locker
	jira        JiraDirectory
	jiraProject string
	slack       SlackDirectory
	lockTimeout time.Duration
	logger      zerolog.Logger
}

func NewSyncer(repo *Repo, locker Locker) *Syncer {
	return &Syncer{repo: repo, locker: locker, lockTimeout: DefaultSyncLockTimeout, logger: log.Logger}
}

// WithJira enables the Jira sync for project's assignable users.
func (s *Syncer) WithJira(d JiraDirectory, project string) *Syncer {
	s.jira, s.jiraProject = d, project
	return s
}

func (s *Syncer) WithSlack(d SlackDirectory) *Syncer {
	s.slack = d
	return s
}

func (s *Syncer) WithLockTimeout(d time.Duration) *Syncer {
	if d > 0 {
		s.lockTimeout = d
	}
	return s
}

func (s *Syncer) WithLogger(l zerolog.Logger) *Syncer {
	s.logger = l
	return s
}

// SyncJiraUsers runs under the sync_jira_users_task lock. Without a configured
// directory it does nothing.
func (s *Syncer) SyncJiraUsers(ctx context.Context) (SyncResult, error) {
	if s.jira == nil || s.jiraProject == "" {
		s.logger.Debug().Msg("jira directory not configured, user sync skipped")
		return SyncResult{}, nil
	}
	return s.run(ctx, lock.SyncJiraUsersKey(), func(ctx context.Context) (int, int, error) {
		dir, err := s.jira.AssignableUsers(ctx, s.jiraProject)
		if err != nil {
			return 0, 0, fmt.Errorf("jira directory: %w", err)
		}
		rows := make([]models.JiraUser, 0, len(dir))
		for _, u := range dir {
			rows = append(rows, models.JiraUser{
				AccountID:   u.ID,
				DisplayName: u.DisplayName,
				Email:       u.Email,
				URL:         u.URL,
				Active:      u.Active,
				Project:     s.jiraProject,
			})
		}
		added, err := s.repo.AddJiraUsers(ctx, rows)
		return len(dir), added, err
	})
}

// SyncSlackUsers runs under the sync_slack_users_task lock.
func (s *Syncer) SyncSlackUsers(ctx context.Context) (SyncResult, error) {
	if s.slack == nil {
		s.logger.Debug().Msg("slack directory not configured, user sync skipped")
		return SyncResult{}, nil
	}
	return s.run(ctx, lock.SyncSlackUsersKey(), func(ctx context.Context) (int, int, error) {
		dir, err := s.slack.Users(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("slack directory: %w", err)
		}
		rows := make([]models.SlackUser, 0, len(dir))
		for _, u := range dir {
			rows = append(rows, models.SlackUser{
				MemberID:    u.ID,
				DisplayName: u.DisplayName,
				RealName:    u.RealName,
				Email:       u.Email,
			})
		}
		added, err := s.repo.AddSlackUsers(ctx, rows)
		return len(dir), added, err
	})
}

func (s *Syncer) run(ctx context.Context, name lock.Name, fn func(context.Context) (int, int, error)) (SyncResult, error) {
	var res SyncResult
	start := time.Now()
	ran, err := s.locker.WithLock(ctx, name, s.lockTimeout, 0, func(ctx context.Context) error {
		var err error
		res.Fetched, res.Added, err = fn(ctx)
		return err
	})
	if err != nil {
		return res, err
	}
	if !ran {
		s.logger.Info().Str("lock", string(name)).Msg("user sync already running, skipped")
		return SyncResult{Skipped: true}, nil
	}
	s.logger.Info().Str("lock", string(name)).Int("fetched", res.Fetched).Int("added", res.Added).
		Dur("took", time.Since(start)).Msg("user sync done")
	return res, nil
}
