package worklog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/suPer8Hu/worklog/internal/cache"
	"github.com/suPer8Hu/worklog/internal/platform"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EmptyActivityMessage is stored instead of a summary when a linked platform had no activity.
const EmptyActivityMessage = "No activity data was collected for this platform."

const DefaultCacheTTL = 15 * time.Minute

// PlatformLogsKey caches a day's platform summaries with their sources.
func PlatformLogsKey(k Key) string {
	return platformLogsKey(k.UserID, k.Date())
}

func platformLogsKey(userID uint64, date string) string {
	return fmt.Sprintf("work-logs-platforms:users:%d:target_date:%s", userID, date)
}

// UserContentKey caches a day's user-authored content.
func UserContentKey(k Key) string {
	return fmt.Sprintf("work-logs-user-content:users:%d:target_date:%s", k.UserID, k.Date())
}

type eventsArgs struct {
	Key      Key
	Platform platform.Platform
	Events   []ActivityEvent
}

type contentArgs struct {
	Key     Key
	Content string
}

// Service is the cache-aware facade over Repo.
type Service struct {
	repo *Repo

	platformLogs    cache.Op[Key, PlatformWorkLogs]
	savePlatformLog cache.Op[*PlatformWorkLog, *PlatformWorkLog]
	replaceEvents   cache.Op[eventsArgs, int]
	userContent     cache.Op[Key, PlatformWorkLog]
	createContent   cache.Op[contentArgs, PlatformWorkLog]
	updateContent   cache.Op[contentArgs, PlatformWorkLog]
}

func NewService(repo *Repo, c *cache.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	s := &Service{repo: repo}

	platformLogKey := func(l *PlatformWorkLog) string { return platformLogsKey(l.UserID, l.TargetDate) }
	contentKey := func(a contentArgs) string { return UserContentKey(a.Key) }

	s.platformLogs = cache.Cacheable(c, PlatformLogsKey, ttl, s.loadPlatformLogs)
	s.savePlatformLog = cache.CacheEvict(c, s.storePlatformLog, platformLogKey)
	s.replaceEvents = cache.CacheEvict(c, s.storeEvents, func(a eventsArgs) string { return PlatformLogsKey(a.Key) })
	s.userContent = cache.Cacheable(c, UserContentKey, ttl, s.loadUserContent)
	s.createContent = cache.CachePut(c, contentKey, ttl, s.createUserContent)
	s.updateContent = cache.CachePut(c, contentKey, ttl, s.updateUserContent)
	return s
}

// PlatformWorkLogs returns the day's collected summaries and their raw events.
func (s *Service) PlatformWorkLogs(ctx context.Context, k Key) (PlatformWorkLogs, error) {
	return s.platformLogs(ctx, k)
}

func (s *Service) loadPlatformLogs(ctx context.Context, k Key) (PlatformWorkLogs, error) {
	logs, err := s.repo.FindPlatformWorkLogs(ctx, k, platform.Collected())
	if err != nil {
		return PlatformWorkLogs{}, err
	}
	events, err := s.repo.ListEvents(ctx, k)
	if err != nil {
		return PlatformWorkLogs{}, err
	}
	for i := range logs {
		// Prompt is not serialized; cache hits never carry it, so misses don't either
		logs[i].Prompt = ""
	}
	return PlatformWorkLogs{WorkLogs: sortByPlatform(logs), Events: events}, nil
}

// SavePlatformWorkLog replaces the stored summary of (user, date, platform).
func (s *Service) SavePlatformWorkLog(ctx context.Context, k Key, p platform.Platform, content, modelName, prompt string) (*PlatformWorkLog, error) {
	return s.savePlatformLog(ctx, &PlatformWorkLog{
		UserID:     k.UserID,
		TargetDate: k.Date(),
		Platform:   p,
		Content:    content,
		ModelName:  modelName,
		Prompt:     prompt,
	})
}

func (s *Service) storePlatformLog(ctx context.Context, l *PlatformWorkLog) (*PlatformWorkLog, error) {
	if err := s.repo.ReplacePlatformWorkLog(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ReplaceEvents stores the raw items fetched for (user, date, platform), replacing earlier ones.
func (s *Service) ReplaceEvents(ctx context.Context, k Key, p platform.Platform, items []platform.Item) (int, error) {
	events := make([]ActivityEvent, 0, len(items))
	for _, it := range items {
		events = append(events, ActivityEvent{
			UserID:     k.UserID,
			TargetDate: k.Date(),
			Platform:   p,
			ExternalID: it.ExternalID,
			Kind:       it.Kind,
			Title:      it.Title,
			Body:       it.Body,
			URL:        it.URL,
			OccurredAt: it.OccurredAt,
			Payload:    datatypes.JSON(it.Payload),
		})
	}
	return s.replaceEvents(ctx, eventsArgs{Key: k, Platform: p, Events: dedupeEvents(events)})
}

func (s *Service) storeEvents(ctx context.Context, a eventsArgs) (int, error) {
	if err := s.repo.ReplaceEvents(ctx, a.Key, a.Platform, a.Events); err != nil {
		return 0, err
	}
	return len(a.Events), nil
}

// UserContent returns the day's user-authored content or ErrUserContentNotFound.
func (s *Service) UserContent(ctx context.Context, k Key) (PlatformWorkLog, error) {
	return s.userContent(ctx, k)
}

func (s *Service) loadUserContent(ctx context.Context, k Key) (PlatformWorkLog, error) {
	l, err := s.repo.FindPlatformWorkLog(ctx, k, platform.UserContent)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PlatformWorkLog{}, ErrUserContentNotFound
	}
	if err != nil {
		return PlatformWorkLog{}, err
	}
	l.Prompt = ""
	return *l, nil
}

// CreateOrUpdateUserContent stores content for the day and reports whether a new row was created.
func (s *Service) CreateOrUpdateUserContent(ctx context.Context, k Key, content string) (bool, PlatformWorkLog, error) {
	_, err := s.repo.FindPlatformWorkLog(ctx, k, platform.UserContent)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		l, err := s.createContent(ctx, contentArgs{Key: k, Content: content})
		return true, l, err
	case err != nil:
		return false, PlatformWorkLog{}, err
	}
	l, err := s.updateContent(ctx, contentArgs{Key: k, Content: content})
	return false, l, err
}

func (s *Service) createUserContent(ctx context.Context, a contentArgs) (PlatformWorkLog, error) {
	l := PlatformWorkLog{
		UserID:     a.Key.UserID,
		TargetDate: a.Key.Date(),
		Platform:   platform.UserContent,
		Content:    a.Content,
	}
	if err := s.repo.CreatePlatformWorkLog(ctx, &l); err != nil {
		return PlatformWorkLog{}, err
	}
	return l, nil
}

func (s *Service) updateUserContent(ctx context.Context, a contentArgs) (PlatformWorkLog, error) {
	l, err := s.repo.FindPlatformWorkLog(ctx, a.Key, platform.UserContent)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PlatformWorkLog{}, ErrUserContentNotFound
	}
	if err != nil {
		return PlatformWorkLog{}, err
	}
	if err := s.repo.UpdatePlatformWorkLogContent(ctx, l, a.Content); err != nil {
		return PlatformWorkLog{}, err
	}
	l.Content = a.Content
	return *l, nil
}

// SaveDailyWorkLog merges the day's collected summaries, user content excluded,
// and replaces the stored daily log.
func (s *Service) SaveDailyWorkLog(ctx context.Context, k Key) (*DailyWorkLog, error) {
	logs, err := s.repo.FindPlatformWorkLogs(ctx, k, platform.Collected())
	if err != nil {
		return nil, err
	}
	d := &DailyWorkLog{
		UserID:     k.UserID,
		TargetDate: k.Date(),
		Content:    MergeWorkLogs(logs),
	}
	if err := s.repo.ReplaceDailyWorkLog(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) DailyWorkLog(ctx context.Context, k Key) (*DailyWorkLog, error) {
	d, err := s.repo.FindDailyWorkLog(ctx, k)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDailyWorkLogNotFound
	}
	return d, err
}

func (s *Service) DailyWorkLogs(ctx context.Context, userID uint64) ([]DailyWorkLog, error) {
	return s.repo.ListDailyWorkLogs(ctx, userID)
}

// MergeWorkLogs joins the markdown rendering of logs in platform order.
// USER_CONTENT rows are skipped.
func MergeWorkLogs(logs []PlatformWorkLog) string {
	parts := make([]string, 0, len(logs))
	for _, l := range sortByPlatform(logs) {
		if l.Platform == platform.UserContent {
			continue
		}
		parts = append(parts, l.MarkdownText())
	}
	return strings.Join(parts, "\n\n")
}

func sortByPlatform(logs []PlatformWorkLog) []PlatformWorkLog {
	rank := make(map[platform.Platform]int)
	for i, p := range platform.Collected() {
		rank[p] = i
	}
	out := append([]PlatformWorkLog(nil), logs...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, ok := rank[out[i].Platform]
		if !ok {
			ri = len(rank)
		}
		rj, ok := rank[out[j].Platform]
		if !ok {
			rj = len(rank)
		}
		return ri < rj
	})
	return out
}

// dedupeEvents keeps the first event per external id.
func dedupeEvents(events []ActivityEvent) []ActivityEvent {
	seen := make(map[string]struct{}, len(events))
	out := events[:0]
	for _, e := range events {
		if _, ok := seen[e.ExternalID]; ok {
			continue
		}
		seen[e.ExternalID] = struct{}{}
		out = append(out, e)
	}
	return out
}
