package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/worklog/internal/idempotency"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	ctxKeyIdemResponse = "idem.response"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

type Guard interface {
	Begin(ctx context.Context, scope idempotency.Scope) idempotency.Decision
	Complete(ctx context.Context, scope idempotency.Scope, payload any)
	Abandon(ctx context.Context, scope idempotency.Scope)
}

type IdempotencyRecorder interface {
	IdempotencyDecision(state string)
}

type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to 128.
	MaxLen   int
	Pattern  *regexp.Regexp
	Recorder IdempotencyRecorder
}

// Idempotent dedupes requests carrying the same Idempotency-Key for the same
// route and user. A duplicate of an unfinished request gets 409; a duplicate
// of a finished one gets 202 with the stored response and Idempotent-Replayed.
// The handler stores its response with SetIdempotentResponse; when it does not
// (an error path or a panic) the key is released so the client may retry.
func Idempotent(g Guard, opts IdempotencyOptions) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 128
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": 10003, "message": "Idempotency-Key header required", "data": nil})
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": 10004, "message": "invalid Idempotency-Key", "data": nil})
			return
		}

		scope := idempotency.Scope{Path: c.FullPath(), Key: key}
		if uid, ok := UserID(c); ok {
			scope.Subject = strconv.FormatUint(uid, 10)
		}

		ctx := c.Request.Context()
		d := g.Begin(ctx, scope)
		if opts.Recorder != nil {
			opts.Recorder.IdempotencyDecision(d.State.String())
		}
		if d.Degraded {
			LoggerFrom(c).Warn().Str("idempotency_key", key).Msg("idempotency store unavailable, proceeding without dedup")
		}

		switch d.State {
		case idempotency.InFlight:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"code": 40900, "message": "a request with this Idempotency-Key is still being processed", "data": nil})
			return
		case idempotency.Completed:
			c.Header(HeaderReplayed, "true")
			c.Data(http.StatusAccepted, "application/json; charset=utf-8", d.Payload)
			c.Abort()
			return
		}

		if d.Degraded {
			c.Next()
			return
		}

		// store the response even if the client went away
		bg := context.WithoutCancel(ctx)
		finished := false
		defer func() {
			// a panic unwinding to Recovery leaves nothing to replay
			if !finished {
				g.Abandon(bg, scope)
			}
		}()

		c.Next()
		finished = true

		if resp, ok := c.Get(ctxKeyIdemResponse); ok {
			g.Complete(bg, scope, resp)
			return
		}
		g.Abandon(bg, scope)
	}
}

// SetIdempotentResponse records the body to replay for later duplicates.
func SetIdempotentResponse(c *gin.Context, body any) {
	c.Set(ctxKeyIdemResponse, body)
}
