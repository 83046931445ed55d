package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/telecall/internal/adapters/signal"
	"github.com/dkeye/telecall/internal/config"
	"github.com/dkeye/telecall/internal/core"
)

type Deps struct {
	Calls core.CallClient
	// Relay, when set, is mounted at /api/ws/signal.
	Relay    *signal.Relay
	Gatherer prometheus.Gatherer
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionCookie, store))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	if deps.Relay != nil {
		api.GET("/ws/signal", deps.Relay.Handle)
	}
	if deps.Calls == nil {
		log.Info().Str("module", "adapters.http").Msg("router setup, relay only")
		return r
	}

	var id Identity = DevIdentity{}
	if cfg.AuthMode == "jwt" {
		id = JWTIdentity{Secret: []byte(cfg.Secret)}
	} else {
		api.POST("/session", bindSession)
	}

	h := &callHandlers{
		calls:   deps.Calls,
		limiter: NewUserRateLimiter(cfg.Call.StartRate, cfg.Call.StartBurst),
	}
	authed := api.Group("", requireUser(id))
	authed.GET("/events", h.events)

	calls := authed.Group("/calls")
	calls.POST("", h.start)
	calls.GET("/active", h.active)
	calls.GET("/history", h.history)
	calls.GET("/:id", h.get)
	calls.DELETE("/:id", h.end)
	calls.POST("/:id/accept", h.accept)
	calls.POST("/:id/decline", h.decline)
	calls.GET("/:id/media", h.media)
	calls.PUT("/:id/tracks/:kind", h.setTrack)
	calls.POST("/:id/chat", h.chat)

	log.Info().Str("module", "adapters.http").Str("auth", cfg.AuthMode).Msg("router setup")
	return r
}
