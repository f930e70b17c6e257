package users

import (
	"context"

	"github.com/suPer8Hu/worklog/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

// FindByID loads the user with its platform linkage. Returns gorm.ErrRecordNotFound when absent.
func (r *Repo) FindByID(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).
		Preload("GitHubSecret").
		Preload("JiraUser").
		Preload("SlackUser").
		First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ListIDs returns every user id in ascending order.
func (r *Repo) ListIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	if err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// AddJiraUsers inserts the accounts whose account id is not stored yet and
// returns how many were added. Stored rows keep their profile and assignment.
func (r *Repo) AddJiraUsers(ctx context.Context, rows []models.JiraUser) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&rows)
	return int(res.RowsAffected), res.Error
}

// AddSlackUsers is AddJiraUsers for Slack members, keyed by member id.
func (r *Repo) AddSlackUsers(ctx context.Context, rows []models.SlackUser) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "member_id"}}, DoNothing: true}).
		Create(&rows)
	return int(res.RowsAffected), res.Error
}

// AssignJiraUser links a synced Jira account to userID, replacing any account
// the user had before. An empty project keeps the one recorded by the sync.
// Returns gorm.ErrRecordNotFound when the account was never synced.
func (r *Repo) AssignJiraUser(ctx context.Context, userID uint64, accountID, project string) error {
	updates := map[string]any{"user_id": userID}
	if project != "" {
		updates["project"] = project
	}
	return r.assign(ctx, &models.JiraUser{}, userID, "account_id = ?", accountID, updates)
}

// AssignSlackUser links a synced Slack member to userID.
func (r *Repo) AssignSlackUser(ctx context.Context, userID uint64, memberID string) error {
	return r.assign(ctx, &models.SlackUser{}, userID, "member_id = ?", memberID, map[string]any{"user_id": userID})
}

func (r *Repo) assign(ctx context.Context, model any, userID uint64, where, id string, updates map[string]any) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(model).Where("user_id = ?", userID).Update("user_id", nil).Error; err != nil {
			return err
		}
		res := tx.Model(model).Where(where, id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
