package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/worklog/internal/common"
	"github.com/suPer8Hu/worklog/internal/httpapi/middleware"
	"github.com/suPer8Hu/worklog/internal/store/rabbitmq"
	"github.com/suPer8Hu/worklog/internal/worklog"
	"gorm.io/gorm"
)

func (h *Handler) GetPlatformWorkLogs(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	k, ok := dayKey(c, uid)
	if !ok {
		return
	}

	logs, err := h.WorkLogs.PlatformWorkLogs(c.Request.Context(), k)
	if err != nil {
		internalError(c, err, "failed to load work logs")
		return
	}
	common.OK(c, gin.H{"target_date": k.Date(), "work_logs": logs.WorkLogs, "events": logs.Events})
}

func (h *Handler) GetUserContent(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	k, ok := dayKey(c, uid)
	if !ok {
		return
	}

	l, err := h.WorkLogs.UserContent(c.Request.Context(), k)
	if errors.Is(err, worklog.ErrUserContentNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		internalError(c, err, "failed to load user content")
		return
	}
	common.OK(c, l)
}

type userContentReq struct {
	TargetDate string `json:"target_date" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

func (h *Handler) PutUserContent(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req userContentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	d, err := worklog.ParseDate(req.TargetDate)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "target_date must be YYYY-MM-DD")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "content must not be blank")
		return
	}

	created, l, err := h.WorkLogs.CreateOrUpdateUserContent(c.Request.Context(), worklog.NewKey(uid, d), req.Content)
	if err != nil {
		internalError(c, err, "failed to save user content")
		return
	}
	if created {
		common.Respond(c, http.StatusCreated, l)
		return
	}
	common.OK(c, l)
}

func (h *Handler) GetDailyWorkLog(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	k, ok := dayKey(c, uid)
	if !ok {
		return
	}

	d, err := h.WorkLogs.DailyWorkLog(c.Request.Context(), k)
	if errors.Is(err, worklog.ErrDailyWorkLogNotFound) {
		common.Fail(c, http.StatusNotFound, 40004, "daily work log not found")
		return
	}
	if err != nil {
		internalError(c, err, "failed to load daily work log")
		return
	}
	common.OK(c, d)
}

func (h *Handler) ListDailyWorkLogs(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	logs, err := h.WorkLogs.DailyWorkLogs(c.Request.Context(), uid)
	if err != nil {
		internalError(c, err, "failed to list daily work logs")
		return
	}
	common.OK(c, gin.H{"items": logs})
}

type manualSyncReq struct {
	// TargetDate defaults to yesterday in the user's timezone.
	TargetDate string `json:"target_date"`
}

// ManualSync queues a collection for the caller. It runs behind the
// idempotency middleware; the worker takes the per-user lock when it executes.
func (h *Handler) ManualSync(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req manualSyncReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
			return
		}
	}

	ctx := c.Request.Context()
	u, err := h.Users.FindByID(ctx, uid)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		common.Fail(c, http.StatusNotFound, 40404, "user not found")
		return
	}
	if err != nil {
		internalError(c, err, "failed to load user")
		return
	}
	if !u.HasGitHub() && !u.HasJira() && !u.HasSlack() {
		common.Fail(c, http.StatusUnprocessableEntity, 42201, "no platform linked")
		return
	}

	date := u.Yesterday(h.Now())
	if req.TargetDate != "" {
		if date, err = worklog.ParseDate(req.TargetDate); err != nil {
			common.Fail(c, http.StatusBadRequest, 10002, "target_date must be YYYY-MM-DD")
			return
		}
	}

	jobID, err := common.NewULID()
	if err != nil {
		internalError(c, err, "failed to create job id")
		return
	}
	msg := rabbitmq.JobMessage{JobID: jobID, UserID: uid, TargetDate: date.Format(time.DateOnly)}
	err = h.Publisher.PublishJob(ctx, msg)
	if h.Recorder != nil {
		h.Recorder.JobPublished(err)
	}
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Str("job_id", jobID).Msg("publish collection job failed")
		common.Fail(c, http.StatusServiceUnavailable, 50301, "failed to queue sync")
		return
	}

	body := gin.H{
		"code":    0,
		"message": "ok",
		"data": gin.H{
			"message": fmt.Sprintf("manual sync started for %s", msg.TargetDate),
			"job_id":  jobID,
		},
	}
	middleware.SetIdempotentResponse(c, body)
	c.JSON(http.StatusAccepted, body)
}
