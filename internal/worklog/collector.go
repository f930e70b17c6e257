package worklog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/worklog/internal/ai"
	"github.com/suPer8Hu/worklog/internal/common"
	"github.com/suPer8Hu/worklog/internal/lock"
	"github.com/suPer8Hu/worklog/internal/models"
	"github.com/suPer8Hu/worklog/internal/platform"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type UserFinder interface {
	FindByID(ctx context.Context, id uint64) (*models.User, error)
	ListIDs(ctx context.Context) ([]uint64, error)
}

type Summarizer interface {
	Generate(ctx context.Context, prompt *ai.Prompt, vars any) (ai.Completion, error)
}

type Locker interface {
	WithLock(ctx context.Context, name lock.Name, timeout, blockingTimeout time.Duration, fn func(context.Context) error) (bool, error)
}

// Recorder receives run and platform outcomes. *metrics.Collector satisfies it.
type Recorder interface {
	RunStarted(trigger string)
	RunSkipped(trigger string)
	RunFinished(trigger string, d time.Duration, err error)
	PlatformResult(platform, status string)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(string)                        {}
func (nopRecorder) RunSkipped(string)                        {}
func (nopRecorder) RunFinished(string, time.Duration, error) {}
func (nopRecorder) PlatformResult(string, string)            {}

var prompts = map[platform.Platform]*ai.Prompt{
	platform.GitHub: ai.GitHubCommitSummary,
	platform.Jira:   ai.JiraIssueSummary,
	platform.Slack:  ai.SlackMessageSummary,
}

type CollectorOptions struct {
	DigestMaxChars int
	// FetchTimeout bounds one platform fetch; zero leaves it to ctx.
	FetchTimeout time.Duration
	// UserLockTimeout must exceed the longest single-user run.
	UserLockTimeout time.Duration
	// AllLockTimeout must exceed the longest bulk run.
	AllLockTimeout time.Duration
	Now            func() time.Time
}

func DefaultCollectorOptions() CollectorOptions {
	return CollectorOptions{
		DigestMaxChars:  platform.DefaultDigestMaxChars,
		FetchTimeout:    30 * time.Second,
		UserLockTimeout: 30 * time.Minute,
		AllLockTimeout:  3 * time.Hour,
		Now:             time.Now,
	}
}

// Collector runs the per-user collection and summarization pipeline.
type Collector struct {
	users    UserFinder
	service  *Service
	fetchers map[platform.Platform]platform.Fetcher
	gen      Summarizer
	locker   Locker
	recorder Recorder
	opts     CollectorOptions
	logger   zerolog.Logger
}

func NewCollector(users UserFinder, service *Service, gen Summarizer, locker Locker, opts CollectorOptions, fetchers ...platform.Fetcher) *Collector {
	def := DefaultCollectorOptions()
	if opts.DigestMaxChars <= 0 {
		opts.DigestMaxChars = def.DigestMaxChars
	}
	if opts.UserLockTimeout <= 0 {
		opts.UserLockTimeout = def.UserLockTimeout
	}
	if opts.AllLockTimeout <= 0 {
		opts.AllLockTimeout = def.AllLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	byPlatform := make(map[platform.Platform]platform.Fetcher, len(fetchers))
	for _, f := range fetchers {
		byPlatform[f.Platform()] = f
	}
	return &Collector{
		users:    users,
		service:  service,
		fetchers: byPlatform,
		gen:      gen,
		locker:   locker,
		recorder: nopRecorder{},
		opts:     opts,
		logger:   log.Logger,
	}
}

func (c *Collector) WithRecorder(r Recorder) *Collector {
	if r != nil {
		c.recorder = r
	}
	return c
}

func (c *Collector) WithLogger(l zerolog.Logger) *Collector {
	c.logger = l
	return c
}

// ResolveUser loads the user and defaults a zero date to the user's yesterday.
func (c *Collector) ResolveUser(ctx context.Context, userID uint64, date time.Time) (*models.User, time.Time, error) {
	u, err := c.users.FindByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	if date.IsZero() {
		date = u.Yesterday(c.opts.Now())
	}
	return u, date, nil
}

// CollectUser runs the pipeline for one user and date under the per-user lock.
// A zero date means yesterday in the user's timezone. When another run holds
// the lock the call is skipped and returns a nil Job and nil error.
func (c *Collector) CollectUser(ctx context.Context, userID uint64, date time.Time, trigger string) (*Job, error) {
	u, date, err := c.ResolveUser(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	return c.collectLocked(ctx, u, date, trigger)
}

func (c *Collector) collectLocked(ctx context.Context, u *models.User, date time.Time, trigger string) (*Job, error) {
	name := lock.CollectUserKey(u.ID, date)
	lg := c.logger.With().Uint64("user_id", u.ID).Str("target_date", date.Format(time.DateOnly)).Str("lock", string(name)).Logger()

	var job *Job
	ran, err := c.locker.WithLock(ctx, name, c.opts.UserLockTimeout, 0, func(ctx context.Context) error {
		c.recorder.RunStarted(trigger)
		start := c.opts.Now()
		var runErr error
		job, runErr = c.Run(ctx, u, date)
		c.recorder.RunFinished(trigger, c.opts.Now().Sub(start), runErr)
		return runErr
	})
	if !ran {
		c.recorder.RunSkipped(trigger)
		lg.Info().Msg("collection already running, skipped")
		return nil, nil
	}
	return job, err
}

// BulkResult summarizes one CollectAll pass.
type BulkResult struct {
	Skipped   bool // another instance held the bulk lock
	Users     int
	Succeeded int
	Failed    int
	Busy      int // user runs skipped because their lock was held
	Unlinked  int
}

// CollectAll runs yesterday's collection, in each user's timezone, for every
// user. Per-user failures are logged and do not stop the pass.
func (c *Collector) CollectAll(ctx context.Context, trigger string) (BulkResult, error) {
	var res BulkResult
	ran, err := c.locker.WithLock(ctx, lock.CollectAllKey(), c.opts.AllLockTimeout, 0, func(ctx context.Context) error {
		ids, err := c.users.ListIDs(ctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		res.Users = len(ids)
		now := c.opts.Now()

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			lg := c.logger.With().Uint64("user_id", id).Logger()

			u, err := c.users.FindByID(ctx, id)
			if err != nil {
				res.Failed++
				lg.Error().Err(err).Msg("load user failed")
				continue
			}
			job, err := c.collectLocked(ctx, u, u.Yesterday(now), trigger)
			switch {
			case errors.Is(err, ErrNoPlatformLinked):
				res.Unlinked++
				lg.Debug().Msg("no linked platform")
			case err != nil:
				res.Failed++
				lg.Error().Err(err).Msg("collection failed")
			case job == nil:
				res.Busy++
			default:
				res.Succeeded++
			}
		}
		return nil
	})
	if !ran {
		res.Skipped = true
		c.recorder.RunSkipped(trigger)
		c.logger.Info().Str("lock", string(lock.CollectAllKey())).Msg("bulk collection already running, skipped")
		return res, nil
	}
	if err == nil {
		c.logger.Info().
			Int("users", res.Users).
			Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).
			Int("busy", res.Busy).
			Int("unlinked", res.Unlinked).
			Msg("bulk collection finished")
	}
	return res, err
}

// Run is the unlocked pipeline: every linked platform is collected
// concurrently with isolated failures, then the daily log is rebuilt.
// Callers must hold the per-user lock.
func (c *Collector) Run(ctx context.Context, u *models.User, date time.Time) (*Job, error) {
	linked := linkedPlatforms(u)
	if len(linked) == 0 {
		return nil, fmt.Errorf("%w: user %d", ErrNoPlatformLinked, u.ID)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:         id,
		UserID:     u.ID,
		TargetDate: date,
		Results:    make(map[platform.Platform]PlatformResult, len(linked)),
		StartedAt:  c.opts.Now(),
	}
	lg := c.logger.With().Str("job_id", job.ID).Uint64("user_id", u.ID).Str("target_date", date.Format(time.DateOnly)).Logger()
	lg.Info().Int("platforms", len(linked)).Msg("collection started")

	identity := identityOf(u)
	results := make([]PlatformResult, len(linked))
	var g errgroup.Group
	for i, p := range linked {
		g.Go(func() error {
			results[i] = c.collectPlatform(ctx, lg, job.Key(), identity, u.Location(), p)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		job.Results[r.Platform] = r
		c.recorder.PlatformResult(string(r.Platform), string(r.Status))
	}

	daily, err := c.service.SaveDailyWorkLog(ctx, job.Key())
	if err != nil {
		return job, fmt.Errorf("save daily work log: %w", err)
	}
	job.Daily = daily
	job.FinishedAt = c.opts.Now()

	lg.Info().
		Strs("failed", platform.Strings(job.Failed())).
		Dur("took", job.FinishedAt.Sub(job.StartedAt)).
		Msg("collection finished")
	return job, nil
}

// collectPlatform runs fetch, persist, digest and summarize for one platform.
// It never returns an error: failures, panics included, become a Failed result.
func (c *Collector) collectPlatform(ctx context.Context, parent zerolog.Logger, k Key, id platform.Identity, loc *time.Location, p platform.Platform) (res PlatformResult) {
	lg := parent.With().Str("platform", string(p)).Logger()
	res = PlatformResult{Platform: p}

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("panic: %v", r)
		}
		if res.Err != nil {
			lg.Error().Err(res.Err).Msg("platform collection failed")
		}
	}()

	fail := func(step string, err error) PlatformResult {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%s: %w", step, err)
		return res
	}

	fetcher, ok := c.fetchers[p]
	if !ok {
		return fail("fetch", ErrNoFetcher)
	}

	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.opts.FetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
	}
	items, err := fetcher.FetchActivity(fetchCtx, id, k.TargetDate, loc)
	cancel()
	if err != nil {
		return fail("fetch", err)
	}
	res.Items = len(items)

	if _, err := c.service.ReplaceEvents(ctx, k, p, items); err != nil {
		return fail("save events", err)
	}

	res.Digest = platform.BuildDigest(p, items, c.opts.DigestMaxChars)
	if res.Digest == "" {
		if _, err := c.service.SavePlatformWorkLog(ctx, k, p, EmptyActivityMessage, "", ""); err != nil {
			return fail("save placeholder", err)
		}
		res.Status = StatusEmptyActivity
		lg.Info().Msg("no activity, placeholder saved")
		return res
	}

	out, err := c.gen.Generate(ctx, prompts[p], ai.DigestVars{Digest: res.Digest})
	if err != nil {
		return fail("summarize", err)
	}
	if _, err := c.service.SavePlatformWorkLog(ctx, k, p, out.Text, out.Model, out.Prompt); err != nil {
		return fail("save work log", err)
	}
	res.Status = StatusSummarized
	lg.Info().Int("items", res.Items).Int("digest_chars", len(res.Digest)).Msg("platform summarized")
	return res
}

func linkedPlatforms(u *models.User) []platform.Platform {
	var out []platform.Platform
	if u.HasGitHub() {
		out = append(out, platform.GitHub)
	}
	if u.HasJira() {
		out = append(out, platform.Jira)
	}
	if u.HasSlack() {
		out = append(out, platform.Slack)
	}
	return out
}

func identityOf(u *models.User) platform.Identity {
	id := platform.Identity{UserID: u.ID}
	if u.GitHubSecret != nil {
		id.GitHubLogin = u.GitHubSecret.Login
		id.GitHubToken = u.GitHubSecret.Token
	}
	if u.JiraUser != nil {
		id.JiraAccountID = u.JiraUser.AccountID
		id.JiraProject = u.JiraUser.Project
	}
	if u.SlackUser != nil {
		id.SlackMemberID = u.SlackUser.MemberID
	}
	return id
}
