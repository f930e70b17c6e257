package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/worklog/internal/lock"
	"github.com/suPer8Hu/worklog/internal/models"
	"github.com/suPer8Hu/worklog/internal/platform"
	"github.com/suPer8Hu/worklog/internal/store/redisstore"
	"gorm.io/gorm"
)

type fakeJiraDir struct {
	users   []platform.DirectoryUser
	err     error
	project string
	calls   int
}

func (f *fakeJiraDir) AssignableUsers(ctx context.Context, project string) ([]platform.DirectoryUser, error) {
	f.calls++
	f.project = project
	return f.users, f.err
}

type fakeSlackDir struct {
	users []platform.DirectoryUser
	calls int
}

func (f *fakeSlackDir) Users(ctx context.Context) ([]platform.DirectoryUser, error) {
	f.calls++
	return f.users, nil
}

func newTestLocker(t *testing.T) *lock.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.New(redisstore.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })
	return lock.NewLocker(store)
}

func TestSyncer_JiraInsertsOnlyNewAccounts(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	u := &models.User{Username: "kim", Email: "kim@x"}
	require.NoError(t, repo.Create(ctx, u))
	require.NoError(t, db.Create(&models.JiraUser{UserID: &u.ID, AccountID: "acc-1", DisplayName: "Kim (old)", Project: "FMP"}).Error)

	dir := &fakeJiraDir{users: []platform.DirectoryUser{
		{ID: "acc-1", DisplayName: "Kim", Active: true},
		{ID: "acc-2", DisplayName: "Park", Email: "park@x", Active: true, URL: "https://jira/u/acc-2"},
	}}
	s := NewSyncer(repo, newTestLocker(t)).WithJira(dir, "FMP")

	res, err := s.SyncJiraUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Fetched: 2, Added: 1}, res)
	assert.Equal(t, "FMP", dir.project)

	var rows []models.JiraUser
	require.NoError(t, db.Order("account_id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "Kim (old)", rows[0].DisplayName)
	require.NotNil(t, rows[0].UserID)
	assert.Equal(t, u.ID, *rows[0].UserID)
	assert.Nil(t, rows[1].UserID)
	assert.Equal(t, "park@x", rows[1].Email)
	assert.Equal(t, "FMP", rows[1].Project)
	assert.True(t, rows[1].Active)

	res, err = s.SyncJiraUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Fetched: 2}, res)
}

func TestSyncer_SlackInsertsOnlyNewMembers(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	dir := &fakeSlackDir{users: []platform.DirectoryUser{
		{ID: "U1", DisplayName: "kim", RealName: "Kim Lee", Email: "kim@x"},
		{ID: "U2", DisplayName: "park"},
	}}
	s := NewSyncer(repo, newTestLocker(t)).WithSlack(dir)

	res, err := s.SyncSlackUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Fetched: 2, Added: 2}, res)

	dir.users = append(dir.users, platform.DirectoryUser{ID: "U3"})
	res, err = s.SyncSlackUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Fetched: 3, Added: 1}, res)

	var got models.SlackUser
	require.NoError(t, db.First(&got, "member_id = ?", "U1").Error)
	assert.Equal(t, "Kim Lee", got.RealName)
	assert.Equal(t, "kim@x", got.Email)
}

func TestSyncer_SkipsWhenLockHeld(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	locker := newTestLocker(t)

	held := locker.Acquire(ctx, lock.SyncSlackUsersKey(), time.Minute, 0)
	require.NotNil(t, held)
	defer locker.Release(ctx, held)

	dir := &fakeSlackDir{users: []platform.DirectoryUser{{ID: "U1"}}}
	res, err := NewSyncer(repo, locker).WithSlack(dir).SyncSlackUsers(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, dir.calls)

	// the jira sync has its own lock
	jira := &fakeJiraDir{users: []platform.DirectoryUser{{ID: "acc-1"}}}
	res, err = NewSyncer(repo, locker).WithJira(jira, "FMP").SyncJiraUsers(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, jira.calls)
}

func TestSyncer_DirectoryErrorReleasesLock(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	locker := newTestLocker(t)
	dir := &fakeJiraDir{err: errors.New("jira down")}
	s := NewSyncer(repo, locker).WithJira(dir, "FMP")

	_, err := s.SyncJiraUsers(ctx)
	require.ErrorContains(t, err, "jira down")

	dir.err = nil
	res, err := s.SyncJiraUsers(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, dir.calls)
}

func TestSyncer_UnconfiguredDirectoriesAreNoops(t *testing.T) {
	s := NewSyncer(NewRepo(openTestDB(t)), newTestLocker(t))
	res, err := s.SyncJiraUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	res, err = s.SyncSlackUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
}

func TestAssignSlackUser(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	u := &models.User{Username: "kim", Email: "kim@x"}
	require.NoError(t, repo.Create(ctx, u))
	_, err := repo.AddSlackUsers(ctx, []models.SlackUser{{MemberID: "U1"}, {MemberID: "U2"}})
	require.NoError(t, err)

	require.NoError(t, repo.AssignSlackUser(ctx, u.ID, "U1"))
	got, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, got.HasSlack())
	assert.Equal(t, "U1", got.SlackUser.MemberID)

	// reassigning moves the link rather than tripping the unique index
	require.NoError(t, repo.AssignSlackUser(ctx, u.ID, "U2"))
	got, err = repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "U2", got.SlackUser.MemberID)

	err = repo.AssignSlackUser(ctx, u.ID, "U404")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestAssignJiraUser_KeepsSyncedProject(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	u := &models.User{Username: "kim", Email: "kim@x"}
	require.NoError(t, repo.Create(ctx, u))
	_, err := repo.AddJiraUsers(ctx, []models.JiraUser{{AccountID: "acc-1", Project: "FMP"}})
	require.NoError(t, err)

	require.NoError(t, repo.AssignJiraUser(ctx, u.ID, "acc-1", ""))
	got, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, got.HasJira())
	assert.Equal(t, "FMP", got.JiraUser.Project)
}
