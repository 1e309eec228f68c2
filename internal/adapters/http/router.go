// Package http is the REST adapter: routing, identity cookies, and the
// mapping from domain errors to status codes.
package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airlift/spaces/internal/adapters/signal"
	"github.com/airlift/spaces/internal/config"
	"github.com/airlift/spaces/internal/space"
)

const identityKey = "identity"

// IdentityMiddleware gives every browser a durable anonymous identity via
// the cookie session. Membership and authorization key on this identity,
// never on display names.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		id, _ := sess.Get(identityKey).(string)
		if id == "" {
			id = uuid.NewString()
			sess.Set(identityKey, id)
			if err := sess.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("save identity session")
			}
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, svc *space.Service, sig *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.SessionSecret))
	r.Use(sessions.Sessions("SpaceSessions", store))
	r.Use(IdentityMiddleware())

	h := &Handlers{
		Svc:     svc,
		Limiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitInterval),
	}

	api := r.Group("/api")
	api.POST("/spaces", h.StartRoom)
	api.GET("/spaces", h.ListRooms)
	api.GET("/spaces/:channel", h.GetRoom)
	api.DELETE("/spaces/:channel", h.StopRoom)
	api.POST("/spaces/:channel/join", h.Join)
	api.POST("/spaces/:channel/raise", h.RaiseHand)
	api.POST("/spaces/:channel/lower", h.LowerHand)
	api.POST("/spaces/:channel/promote", h.Promote)
	api.POST("/spaces/:channel/demote", h.Demote)
	api.POST("/spaces/:channel/reject", h.Reject)
	api.POST("/spaces/:channel/mute", h.SetMute)

	api.GET("/ws/spaces/:channel", func(c *gin.Context) {
		sig.HandleWS(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
