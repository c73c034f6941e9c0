// Package api exposes a read-only status surface over the pipeline state:
// the current watchlist, the backtest scorecards and the position proposals.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/kv"
	"bybit-trading-pipeline/internal/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const tokenLifetime = 12 * time.Hour

// Server is the HTTP status API.
type Server struct {
	cfg       config.APIConfig
	store     *kv.Store
	results   *storage.ResultsRepo
	positions *storage.PositionsRepo
	logger    zerolog.Logger
	http      *http.Server
}

func NewServer(cfg config.APIConfig, store *kv.Store, results *storage.ResultsRepo, positions *storage.PositionsRepo, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		results:   results,
		positions: positions,
		logger:    logger,
	}
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	router.GET("/health", s.handleHealth)
	router.POST("/api/v1/login", s.handleLogin)

	authed := router.Group("/api/v1", s.authMiddleware())
	authed.GET("/discovery", s.handleDiscovery)
	authed.GET("/results", s.handleResults)
	authed.GET("/positions", s.handlePositions)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.cfg.Port).Msg("status api listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if req.Username != s.cfg.AdminUser || s.cfg.AdminPassHash == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPassHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   req.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": claims.ExpiresAt.Time})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleDiscovery(c *gin.Context) {
	snapshot, err := s.store.LatestDiscovery(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("discovery lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "discovery lookup failed"})
		return
	}
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no discovery snapshot available"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleResults(c *gin.Context) {
	records, err := s.results.ActiveRecords(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("results lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "results lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "results": records})
}

func (s *Server) handlePositions(c *gin.Context) {
	proposals, err := s.positions.Active(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("positions lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "positions lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(proposals), "positions": proposals})
}
