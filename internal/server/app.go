package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vitaltwin/backend/internal/auth"
	"vitaltwin/backend/internal/config"
)

const (
	metricSleep    = "sleep"
	metricStress   = "stress"
	metricActivity = "activity"
	metricSpO2     = "spo2"
)

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// TokenVerifier is the token-verification collaborator the middleware
// depends on.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, *auth.Error)
}

type App struct {
	cfg      config.Config
	db       *pgxpool.Pool
	llm      LLMClient
	verifier TokenVerifier
	now      func() time.Time
}

func New(cfg config.Config, db *pgxpool.Pool, llm LLMClient, verifier TokenVerifier) *App {
	return &App{
		cfg:      cfg,
		db:       db,
		llm:      llm,
		verifier: verifier,
		now:      time.Now,
	}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.authMiddleware())

	api.GET("/me", a.getMe)
	api.POST("/me/sync", a.syncMe)
	api.PUT("/me/profile", a.updateProfile)

	api.GET("/metrics/series", a.metricsSeries)
	api.GET("/metrics/detail", a.metricsDetail)
	api.GET("/metrics/detail/by_date", a.metricsDetailByDate)

	api.POST("/import/sleep/csv", a.importSleepCSV)
	api.POST("/import/stress/csv", a.importStressCSV)
	api.POST("/import/activity/csv", a.importActivityCSV)
	api.POST("/import/spo2/csv", a.importSpO2CSV)

	api.POST("/ai/score/sleep/from_csv", a.scoreOne(metricSleep))
	api.POST("/ai/score/sleep/from_csv/bulk_llm", a.scoreBulk(metricSleep))
	api.POST("/ai/score/stress/from_csv", a.scoreOne(metricStress))
	api.POST("/ai/score/stress/from_csv/bulk_llm", a.scoreBulk(metricStress))
	api.POST("/ai/score/activity/from_csv", a.scoreOne(metricActivity))
	api.POST("/ai/score/activity/from_csv/bulk_llm", a.scoreBulk(metricActivity))

	api.POST("/ai/simulate/:metric", a.simulateMetric)
	api.GET("/simulations/latest", a.simulationsLatest)
	api.GET("/simulations/by_date", a.simulationsByDate)
	api.DELETE("/simulations", a.simulationsDelete)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "vitaltwin-api",
	})
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, authErr := auth.BearerToken(c.GetHeader("Authorization"))
		if authErr != nil {
			abortAuthError(c, authErr)
			return
		}
		claims, authErr := a.verifier.Verify(c.Request.Context(), token)
		if authErr != nil {
			abortAuthError(c, authErr)
			return
		}
		c.Set("authClaims", claims)
		c.Next()
	}
}

// requireAllPermissions gates a route on the token carrying every listed
// permission. Runs after authMiddleware.
func requireAllPermissions(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c)
		if !ok {
			abortAuthError(c, &auth.Error{Code: auth.CodeInvalidClaims, Description: "No verified claims", Status: http.StatusUnauthorized})
			return
		}
		if !claims.HasAll(required...) {
			abortAuthError(c, &auth.Error{
				Code:        auth.CodeInsufficientPermissions,
				Description: "Missing permissions: " + strings.Join(required, ", "),
				Status:      http.StatusForbidden,
			})
			return
		}
		c.Next()
	}
}

func claimsFromContext(c *gin.Context) (auth.Claims, bool) {
	raw, ok := c.Get("authClaims")
	if !ok {
		return auth.Claims{}, false
	}
	claims, ok := raw.(auth.Claims)
	return claims, ok
}

func abortAuthError(c *gin.Context, authErr *auth.Error) {
	c.AbortWithStatusJSON(authErr.Status, gin.H{"ok": false, "error": authErr.Code, "detail": authErr.Description})
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": message})
}

func writeOK(c *gin.Context, payload gin.H) {
	body := gin.H{"ok": true}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// dayRange expands any instant to its calendar day [start, end], end
// being one millisecond before the next midnight.
func dayRange(ts time.Time) (time.Time, time.Time) {
	start := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Millisecond)
	return start, end
}

func mustMarshalJSON(input any) string {
	encoded, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func parseIntDefault(raw string, fallback int) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	value := 0
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return fallback
		}
		value = value*10 + int(r-'0')
	}
	return value
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
