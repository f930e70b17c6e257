package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/worklog/internal/common"
	"github.com/suPer8Hu/worklog/internal/httpapi/middleware"
	"github.com/suPer8Hu/worklog/internal/models"
	"github.com/suPer8Hu/worklog/internal/store/rabbitmq"
	"github.com/suPer8Hu/worklog/internal/worklog"
)

type WorkLogService interface {
	PlatformWorkLogs(ctx context.Context, k worklog.Key) (worklog.PlatformWorkLogs, error)
	UserContent(ctx context.Context, k worklog.Key) (worklog.PlatformWorkLog, error)
	CreateOrUpdateUserContent(ctx context.Context, k worklog.Key, content string) (bool, worklog.PlatformWorkLog, error)
	DailyWorkLog(ctx context.Context, k worklog.Key) (*worklog.DailyWorkLog, error)
	DailyWorkLogs(ctx context.Context, userID uint64) ([]worklog.DailyWorkLog, error)
}

type UserFinder interface {
	FindByID(ctx context.Context, id uint64) (*models.User, error)
}

type JobPublisher interface {
	PublishJob(ctx context.Context, msg rabbitmq.JobMessage) error
}

type PublishRecorder interface {
	JobPublished(err error)
}

type Handler struct {
	WorkLogs  WorkLogService
	Users     UserFinder
	Publisher JobPublisher
	Recorder  PublishRecorder
	Now       func() time.Time
}

func NewHandler(svc WorkLogService, users UserFinder, pub JobPublisher, rec PublishRecorder) *Handler {
	return &Handler{WorkLogs: svc, Users: users, Publisher: pub, Recorder: rec, Now: time.Now}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func currentUser(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

// dayKey reads the required target_date query parameter.
func dayKey(c *gin.Context, uid uint64) (worklog.Key, bool) {
	raw := c.Query("target_date")
	if raw == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "target_date is required")
		return worklog.Key{}, false
	}
	d, err := worklog.ParseDate(raw)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "target_date must be YYYY-MM-DD")
		return worklog.Key{}, false
	}
	return worklog.NewKey(uid, d), true
}

func internalError(c *gin.Context, err error, msg string) {
	middleware.LoggerFrom(c).Error().Err(err).Msg(msg)
	_ = c.Error(err)
	common.Fail(c, http.StatusInternalServerError, 50001, msg)
}
