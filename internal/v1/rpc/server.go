// Package rpc implements C8: the unary request/response surface for user and
// room management. Every state change delegates to the room registry, which
// publishes the resulting event on the in-process bus before the handler
// returns, so framed-stream sessions attached to the affected room observe
// RPC-originated changes in order with stream-originated ones.
package rpc

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
	"github.com/wqdsca/police-thief-core/internal/v1/auth"
	"github.com/wqdsca/police-thief-core/internal/v1/config"
	"github.com/wqdsca/police-thief-core/internal/v1/health"
	"github.com/wqdsca/police-thief-core/internal/v1/middleware"
	"github.com/wqdsca/police-thief-core/internal/v1/ratelimit"
	"github.com/wqdsca/police-thief-core/internal/v1/registry"
	"github.com/wqdsca/police-thief-core/internal/v1/store"
)

// Server groups the RPC surface's collaborators behind one Gin router.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	verifier auth.Verifier
	issuer   *auth.Issuer
	limiter  *ratelimit.RateLimiter
	health   *health.Handler
}

// NewServer wires the RPC surface. limiter and issuer may be nil in tests.
func NewServer(cfg *config.Config, st *store.Store, reg *registry.Registry, verifier auth.Verifier, issuer *auth.Issuer, limiter *ratelimit.RateLimiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		verifier: verifier,
		issuer:   issuer,
		limiter:  limiter,
		health:   health.NewHandler(st),
	}
}

// Router builds the Gin engine with middleware and routes.
func (s *Server) Router() *gin.Engine {
	if s.cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("police-thief-rpc"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/health/live", s.health.Liveness)
	router.GET("/health/ready", s.health.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.issuer != nil {
		router.GET("/.well-known/jwks.json", s.handleJWKS)
	}

	api := router.Group("/api/v1")
	if s.limiter != nil {
		api.Use(s.limiter.GlobalMiddleware())
	}

	// Registration and login are the only unauthenticated operations.
	api.POST("/users", s.handleRegisterUser)
	api.POST("/auth/login", s.handleLogin)

	authed := api.Group("")
	authed.Use(s.authenticate())
	{
		authed.GET("/users/me", s.handleGetUserInfo)
		authed.GET("/rooms", s.handleListRooms)

		rooms := authed.Group("/rooms")
		if s.limiter != nil {
			rooms.Use(s.limiter.MiddlewareForEndpoint("rooms"))
		}
		rooms.POST("", s.handleCreateRoom)
		rooms.POST("/:roomId/join", s.handleJoinRoom)
		rooms.POST("/:roomId/leave", s.handleLeaveRoom)
	}

	return router
}

// authenticate validates the bearer token and stores the identity in the
// request context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		identity, err := s.verifier.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("identity", identity)
		c.Next()
	}
}

// identityFrom fetches the authenticated identity placed by authenticate().
func identityFrom(c *gin.Context) auth.Identity {
	v, _ := c.Get("identity")
	id, _ := v.(auth.Identity)
	return id
}

// handleJWKS serves the issuer's public key set for external verifiers.
func (s *Server) handleJWKS(c *gin.Context) {
	set, err := s.issuer.JWKSet()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build key set"})
		return
	}
	c.JSON(http.StatusOK, set)
}

// writeError maps a taxonomy error onto an HTTP status and a stable code.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindLogical:
		switch apperr.CodeOf(err) {
		case "not_found", "user_not_found":
			status = http.StatusNotFound
		case "not_authorized", "banned":
			status = http.StatusForbidden
		case "user_exists", "already_in_room", "full", "in_progress":
			status = http.StatusConflict
		default:
			status = http.StatusBadRequest
		}
	case apperr.KindAuth:
		status = http.StatusUnauthorized
	case apperr.KindTransient:
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"error": apperr.CodeOf(err)})
}
