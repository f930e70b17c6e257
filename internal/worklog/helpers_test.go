package worklog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/worklog/internal/ai"
	"github.com/suPer8Hu/worklog/internal/cache"
	"github.com/suPer8Hu/worklog/internal/lock"
	"github.com/suPer8Hu/worklog/internal/models"
	"github.com/suPer8Hu/worklog/internal/platform"
	"github.com/suPer8Hu/worklog/internal/store/redisstore"
	"github.com/suPer8Hu/worklog/internal/users"
	"gorm.io/gorm"
)

type testEnv struct {
	db      *gorm.DB
	mr      *miniredis.Miniredis
	store   *redisstore.Store
	repo    *Repo
	service *Service
	users   *users.Repo
	locker  *lock.Locker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.GitHubUserSecret{}, &models.JiraUser{}, &models.SlackUser{},
		&ActivityEvent{}, &PlatformWorkLog{}, &DailyWorkLog{},
	))

	mr := miniredis.RunT(t)
	store := redisstore.New(redisstore.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })

	repo := NewRepo(db)
	return &testEnv{
		db:      db,
		mr:      mr,
		store:   store,
		repo:    repo,
		service: NewService(repo, cache.New(store), time.Minute),
		users:   users.NewRepo(db),
		locker:  lock.NewLocker(store),
	}
}

func (e *testEnv) createUser(t *testing.T, u *models.User) *models.User {
	t.Helper()
	if u.Username == "" {
		u.Username = "user"
	}
	if u.Email == "" {
		u.Email = u.Username + "@example.com"
	}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

func (e *testEnv) collector(gen Summarizer, fetchers ...platform.Fetcher) *Collector {
	opts := DefaultCollectorOptions()
	opts.Now = func() time.Time { return time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC) }
	return NewCollector(e.users, e.service, gen, e.locker, opts, fetchers...)
}

func (e *testEnv) countRows(t *testing.T, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}

type fakeFetcher struct {
	p platform.Platform

	mu       sync.Mutex
	items    []platform.Item
	err      error
	panicMsg string
	calls    int
}

func (f *fakeFetcher) Platform() platform.Platform { return f.p }

func (f *fakeFetcher) FetchActivity(ctx context.Context, id platform.Identity, date time.Time, loc *time.Location) ([]platform.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.items, f.err
}

func (f *fakeFetcher) set(items []platform.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

// echoSummarizer returns "<prompt>: <digest>" so stored summaries reflect their inputs.
type echoSummarizer struct {
	mu      sync.Mutex
	prompts []string
	fail    map[string]error
}

func (s *echoSummarizer) Generate(ctx context.Context, p *ai.Prompt, vars any) (ai.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p.Name)
	if err := s.fail[p.Name]; err != nil {
		return ai.Completion{}, err
	}
	digest := vars.(ai.DigestVars).Digest
	return ai.Completion{Text: p.Name + ": " + digest, Model: "fake-model", Prompt: digest}, nil
}

func (s *echoSummarizer) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func items(bodies ...string) []platform.Item {
	out := make([]platform.Item, len(bodies))
	for i, b := range bodies {
		out[i] = platform.Item{
			ExternalID: fmt.Sprintf("ext-%d", i),
			Kind:       "test",
			Title:      b,
			Body:       b,
			OccurredAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func githubLinked() *models.GitHubUserSecret {
	return &models.GitHubUserSecret{Login: "octo", Token: "ghp_test"}
}

func jiraLinked() *models.JiraUser {
	return &models.JiraUser{AccountID: "acc-1", Project: "WL"}
}

func slackLinked() *models.SlackUser {
	return &models.SlackUser{MemberID: "U1"}
}

var targetDay = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
