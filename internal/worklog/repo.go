package worklog

import (
	"context"

	"github.com/suPer8Hu/worklog/internal/platform"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// ReplaceEvents deletes the stored events of (user, date, platform) and inserts events in one transaction.
func (r *Repo) ReplaceEvents(ctx context.Context, k Key, p platform.Platform, events []ActivityEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("user_id = ? AND target_date = ? AND platform = ?", k.UserID, k.Date(), p).
			Delete(&ActivityEvent{}).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		return tx.CreateInBatches(events, 100).Error
	})
}

// ListEvents returns the day's events in DESC id order (newest -> oldest).
func (r *Repo) ListEvents(ctx context.Context, k Key) ([]ActivityEvent, error) {
	var events []ActivityEvent
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND target_date = ?", k.UserID, k.Date()).
		Order("id DESC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ReplacePlatformWorkLog deletes any row with l's (user, date, platform) and inserts l.
func (r *Repo) ReplacePlatformWorkLog(ctx context.Context, l *PlatformWorkLog) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("user_id = ? AND target_date = ? AND platform = ?", l.UserID, l.TargetDate, l.Platform).
			Delete(&PlatformWorkLog{}).Error; err != nil {
			return err
		}
		l.ID = 0
		return tx.Create(l).Error
	})
}

func (r *Repo) CreatePlatformWorkLog(ctx context.Context, l *PlatformWorkLog) error {
	return r.db.WithContext(ctx).Create(l).Error
}

func (r *Repo) UpdatePlatformWorkLogContent(ctx context.Context, l *PlatformWorkLog, content string) error {
	return r.db.WithContext(ctx).Model(l).Update("content", content).Error
}

// FindPlatformWorkLogs returns the day's rows of the given platforms in ASC id order.
func (r *Repo) FindPlatformWorkLogs(ctx context.Context, k Key, platforms []platform.Platform) ([]PlatformWorkLog, error) {
	var logs []PlatformWorkLog
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND target_date = ? AND platform IN ?", k.UserID, k.Date(), platforms).
		Order("id ASC").
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// FindPlatformWorkLog returns gorm.ErrRecordNotFound when absent.
func (r *Repo) FindPlatformWorkLog(ctx context.Context, k Key, p platform.Platform) (*PlatformWorkLog, error) {
	var l PlatformWorkLog
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND target_date = ? AND platform = ?", k.UserID, k.Date(), p).
		First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Repo) ReplaceDailyWorkLog(ctx context.Context, d *DailyWorkLog) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("user_id = ? AND target_date = ?", d.UserID, d.TargetDate).
			Delete(&DailyWorkLog{}).Error; err != nil {
			return err
		}
		d.ID = 0
		return tx.Create(d).Error
	})
}

// FindDailyWorkLog returns gorm.ErrRecordNotFound when absent.
func (r *Repo) FindDailyWorkLog(ctx context.Context, k Key) (*DailyWorkLog, error) {
	var d DailyWorkLog
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND target_date = ?", k.UserID, k.Date()).
		First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDailyWorkLogs returns every daily log of the user, newest day first.
func (r *Repo) ListDailyWorkLogs(ctx context.Context, userID uint64) ([]DailyWorkLog, error) {
	var logs []DailyWorkLog
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("target_date DESC").
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
