// Package api wires the gin-gonic HTTP layer: project-keyed ingest,
// rollup and alert-event queries, and minimal project/policy management.
// Handler shape (gin.Context, gin.H{...} JSON bodies, query params with
// DefaultQuery) follows the teacher's cmd/server/handlers_metrics.go and
// handlers_alerts.go.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"apiwatch/internal/apikeys"
	"apiwatch/internal/bucket"
	"apiwatch/internal/cache"
	"apiwatch/internal/live"
	"apiwatch/internal/model"
	"apiwatch/internal/store"
)

// rollupCacheTTL bounds how stale a cached rollup query result may be.
// Set well under the 1-minute aggregation tick so a cache hit never
// serves a reader data from before the window it asked for existed.
const rollupCacheTTL = 15 * time.Second

// rollupCacheKey identifies one getRollups query.
type rollupCacheKey struct {
	projectID uuid.UUID
	endpoint  string
	width     bucket.Width
	start     time.Time
	end       time.Time
}

// Server holds the dependencies every handler needs.
type Server struct {
	Store     store.Store
	Hub       *live.Hub
	JWTSecret string
	Rollups   *cache.TTLCache[rollupCacheKey, []model.Rollup]
}

// New builds the gin engine with every route this system exposes,
// grounded on the teacher's route registration in cmd/server/main.go.
func New(s store.Store, hub *live.Hub, jwtSecret string) *gin.Engine {
	srv := &Server{
		Store:     s,
		Hub:       hub,
		JWTSecret: jwtSecret,
		Rollups:   cache.NewTTLCache[rollupCacheKey, []model.Rollup](rollupCacheTTL),
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", srv.health)
	r.POST("/v1/observations", srv.requireAPIKey, srv.ingestObservation)
	r.GET("/v1/projects/:id/rollups", srv.getRollups)
	r.GET("/v1/projects/:id/alerts", srv.getAlertEvents)
	r.GET("/v1/ws/alerts", srv.alertsWS)

	admin := r.Group("/v1/admin")
	admin.Use(srv.requireAdmin)
	admin.POST("/projects", srv.createProject)
	admin.POST("/projects/:id/policies", srv.createPolicy)
	admin.POST("/projects/:id/keys", srv.createAPIKey)

	return r
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

type observationRequest struct {
	Endpoint   string     `json:"endpoint" binding:"required"`
	Method     string     `json:"method"`
	StatusCode int        `json:"status_code" binding:"required"`
	LatencyMS  int        `json:"latency_ms" binding:"required"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// ingestObservation accepts one raw request outcome from an instrumented
// client. The project is the one requireAPIKey resolved from the bearer
// key, never a value the client asserts in the body.
func (s *Server) ingestObservation(c *gin.Context) {
	var req observationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	projectID := c.MustGet(ctxProjectID).(uuid.UUID)

	method := req.Method
	if method == "" {
		method = "GET"
	}
	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}

	o := model.Observation{
		ProjectID:  projectID,
		Endpoint:   req.Endpoint,
		Method:     method,
		StatusCode: req.StatusCode,
		LatencyMS:  req.LatencyMS,
		Timestamp:  ts,
	}
	if err := s.Store.InsertObservation(c.Request.Context(), o); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record observation"})
		return
	}
	c.Status(http.StatusNoContent)
}

// getRollups returns rollups for a project/endpoint over a time range and
// bucket width, defaulting to the last hour at 1-minute resolution.
func (s *Server) getRollups(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	width := bucket.Width1m
	switch c.DefaultQuery("width", "1m") {
	case "1m":
		width = bucket.Width1m
	case "5m":
		width = bucket.Width5m
	case "1h":
		width = bucket.Width1h
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "width must be one of 1m, 5m, 1h"})
		return
	}

	end := time.Now().UTC()
	start := end.Add(-time.Hour)
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	key := rollupCacheKey{projectID: projectID, endpoint: endpoint, width: width, start: start, end: end}
	if cached, ok := s.Rollups.Get(key); ok {
		c.JSON(http.StatusOK, gin.H{"rollups": cached})
		return
	}

	rollups, err := s.Store.RangeRollups(c.Request.Context(), projectID, endpoint, start, end, width)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch rollups"})
		return
	}
	s.Rollups.Set(key, rollups)
	c.JSON(http.StatusOK, gin.H{"rollups": rollups})
}

// getAlertEvents returns the most recent alert events for a project.
func (s *Server) getAlertEvents(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	limit := 50
	events, err := s.Store.RecentAlertEvents(c.Request.Context(), projectID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch alert events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// alertsWS upgrades to a websocket feed of newly fired alert events across
// every project. gin hands the raw ResponseWriter/Request straight to the
// hub, which owns the upgrade.
func (s *Server) alertsWS(c *gin.Context) {
	s.Hub.ServeWS(c.Writer, c.Request)
}

type createProjectRequest struct {
	Name              string `json:"name" binding:"required"`
	NotificationEmail string `json:"notification_email"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := model.Project{
		ID:                uuid.New(),
		Name:              req.Name,
		NotificationEmail: req.NotificationEmail,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.Store.CreateProject(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
		return
	}
	c.JSON(http.StatusCreated, p)
}

type createPolicyRequest struct {
	Name            string  `json:"name" binding:"required"`
	Metric          string  `json:"metric" binding:"required"`
	Comparison      string  `json:"comparison" binding:"required"`
	Threshold       float64 `json:"threshold" binding:"required"`
	Severity        string  `json:"severity" binding:"required"`
	CooldownMinutes int     `json:"cooldown_minutes" binding:"required"`
}

func (s *Server) createPolicy(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	var req createPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := model.AlertPolicy{
		ID:              uuid.New(),
		ProjectID:       projectID,
		Name:            req.Name,
		Metric:          model.Metric(req.Metric),
		Comparison:      model.Comparison(req.Comparison),
		Threshold:       req.Threshold,
		Severity:        model.Severity(req.Severity),
		CooldownMinutes: req.CooldownMinutes,
		IsActive:        true,
	}
	if err := s.Store.CreatePolicy(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create policy"})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// ctxProjectID is the gin context key requireAPIKey sets after resolving a
// bearer API key to the project it belongs to.
const ctxProjectID = "project_id"

// requireAPIKey resolves the bearer token on /v1/observations to a
// project: it hashes the presented key with apikeys.LookupHash for an
// indexed store lookup, then runs apikeys.Verify against the stored bcrypt
// hash before trusting the match, so a leaked lookup-hash row alone can't
// authenticate.
func (s *Server) requireAPIKey(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer api key"})
		return
	}
	plaintext := header[len(prefix):]

	key, err := s.Store.FindAPIKeyByLookupHash(c.Request.Context(), apikeys.LookupHash(plaintext))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusUnauthorized
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "invalid api key"})
		return
	}
	if !key.IsActive || !apikeys.Verify(key.BCryptHash, plaintext) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	c.Set(ctxProjectID, key.ProjectID)
	c.Next()
}

type createAPIKeyResponse struct {
	ID  uuid.UUID `json:"id"`
	Key string    `json:"key"`
}

// createAPIKey mints a new ingestion credential for a project. The
// plaintext key is returned exactly once; only its lookup hash and bcrypt
// hash are persisted.
func (s *Server) createAPIKey(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	plaintext, lookupHash, err := apikeys.Generate()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate key"})
		return
	}
	bcryptHash, err := apikeys.Hash(plaintext)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash key"})
		return
	}

	k := model.APIKey{
		ID:         uuid.New(),
		ProjectID:  projectID,
		LookupHash: lookupHash,
		BCryptHash: bcryptHash,
		CreatedAt:  time.Now().UTC(),
		IsActive:   true,
	}
	if err := s.Store.CreateAPIKey(c.Request.Context(), k); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create api key"})
		return
	}
	c.JSON(http.StatusCreated, createAPIKeyResponse{ID: k.ID, Key: plaintext})
}

// requireAdmin gates the admin group behind a bearer HS256 JWT signed with
// the server's JWT secret (see apikeys.IssueAdminToken). No route in this
// package issues such a token.
func (s *Server) requireAdmin(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	token := header[len(prefix):]
	if _, err := apikeys.ParseAdminToken(s.JWTSecret, token); err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, apikeys.ErrInvalidToken) {
			status = http.StatusInternalServerError
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "invalid or expired token"})
		return
	}
	c.Next()
}
