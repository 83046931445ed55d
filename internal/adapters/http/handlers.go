package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
	"github.com/dkeye/telecall/internal/storage"
)

const (
	sseHeartbeat      = 25 * time.Second
	disconnectTimeout = 5 * time.Second
)

type callHandlers struct {
	calls   core.CallClient
	limiter *UserRateLimiter
}

// statusFor maps the call error taxonomy to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrAlreadyInCall), errors.Is(err, errs.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, errs.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrSelfCall), errors.Is(err, errs.ErrInvalidKind),
		errors.Is(err, errs.ErrInvalidMessage),
		errors.Is(err, domain.ErrUserIDEmpty), errors.Is(err, domain.ErrUserIDTooLong):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *callHandlers) start(c *gin.Context) {
	user := currentUser(c)
	var req struct {
		RemoteUserID string `json:"remote_user_id"`
		Kind         string `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	remote, err := domain.ParseUserID(req.RemoteUserID)
	if err != nil {
		fail(c, err)
		return
	}
	if !h.limiter.Allow(user) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many calls, slow down"})
		return
	}
	s, err := h.calls.StartCall(c.Request.Context(), user, remote, domain.Kind(req.Kind))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *callHandlers) active(c *gin.Context) {
	s, ok, err := h.calls.Active(c.Request.Context(), currentUser(c))
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *callHandlers) history(c *gin.Context) {
	limit := storage.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	list, err := h.calls.History(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []domain.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *callHandlers) get(c *gin.Context) {
	s, err := h.calls.Session(c.Request.Context(), currentUser(c), domain.SessionID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *callHandlers) accept(c *gin.Context) {
	s, err := h.calls.Accept(c.Request.Context(), currentUser(c), domain.SessionID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *callHandlers) decline(c *gin.Context) {
	if err := h.calls.Decline(c.Request.Context(), currentUser(c), domain.SessionID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *callHandlers) end(c *gin.Context) {
	if err := h.calls.EndCall(c.Request.Context(), currentUser(c), domain.SessionID(c.Param("id")), domain.ReasonLocalHangup); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *callHandlers) media(c *gin.Context) {
	st, err := h.calls.MediaState(c.Request.Context(), currentUser(c), domain.SessionID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *callHandlers) setTrack(c *gin.Context) {
	kind, err := domain.ParseTrackKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	st, err := h.calls.SetTrackEnabled(c.Request.Context(), currentUser(c), domain.SessionID(c.Param("id")), kind, *req.Enabled)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *callHandlers) chat(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.calls.SendChat(c.Request.Context(), currentUser(c), domain.SessionID(c.Param("id")), req.Text); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// events streams notifications as server-sent events. Opening the stream makes
// the user reachable for inbound calls.
func (h *callHandlers) events(c *gin.Context) {
	user := currentUser(c)
	ctx := c.Request.Context()

	ch, cancel, err := h.calls.Subscribe(ctx, user)
	if err != nil {
		fail(c, err)
		return
	}
	defer cancel()
	if err := h.calls.Connect(ctx, user); err != nil {
		fail(c, err)
		return
	}
	defer func() {
		// the request context is already done here
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		if err := h.calls.Disconnect(dctx, user); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("user", string(user)).Msg("disconnect")
		}
	}()
	log.Info().Str("module", "adapters.http").Str("user", string(user)).Msg("event stream opened")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	c.SSEvent("ready", gin.H{"user_id": user})
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case n, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(n.Type), n)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{})
			return true
		case <-ctx.Done():
			return false
		}
	})
	log.Info().Str("module", "adapters.http").Str("user", string(user)).Msg("event stream closed")
}
