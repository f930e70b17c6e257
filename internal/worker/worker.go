// Package worker executes queued manual syncs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/worklog/internal/metrics"
	"github.com/suPer8Hu/worklog/internal/platform"
	"github.com/suPer8Hu/worklog/internal/store/rabbitmq"
	"github.com/suPer8Hu/worklog/internal/worklog"
)

type UserCollector interface {
	CollectUser(ctx context.Context, userID uint64, date time.Time, trigger string) (*worklog.Job, error)
}

// CollectHandler runs one queued job under the user's lock. Errors that a
// retry cannot fix are marked permanent so the message is dead-lettered.
func CollectHandler(c UserCollector, logger zerolog.Logger) rabbitmq.Handler {
	return func(ctx context.Context, msg rabbitmq.JobMessage) error {
		l := logger.With().Str("job_id", msg.JobID).Uint64("user_id", msg.UserID).Str("target_date", msg.TargetDate).Logger()

		date, err := worklog.ParseDate(msg.TargetDate)
		if err != nil {
			return rabbitmq.Permanent(fmt.Errorf("target date: %w", err))
		}

		start := time.Now()
		job, err := c.CollectUser(ctx, msg.UserID, date, metrics.TriggerManual)
		switch {
		case errors.Is(err, worklog.ErrUserNotFound), errors.Is(err, worklog.ErrNoPlatformLinked):
			return rabbitmq.Permanent(err)
		case err != nil:
			return err
		case job == nil:
			l.Info().Msg("collection already running for user, job dropped")
			return nil
		}

		ev := l.Info()
		if failed := job.Failed(); len(failed) > 0 {
			ev = l.Warn().Strs("failed_platforms", platform.Strings(failed))
		}
		ev.Str("run_id", job.ID).Dur("cost", time.Since(start)).Msg("manual sync done")
		return nil
	}
}
