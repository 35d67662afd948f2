package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/hemostat/internal/agent"
	"github.com/hemostat/internal/auth"
	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/models"
	"github.com/hemostat/internal/report"
	"github.com/hemostat/internal/schema"
)

const defaultListLimit = 50

// Server exposes the pipeline's shared state over HTTP for the dashboard and
// CLI. Live state is read from the store; accounts, archives and reports come
// from sqlite.
type Server struct {
	store   broker.Store
	db      *gorm.DB
	auth    *auth.Service
	reports *report.Generator
	router  *gin.Engine
	log     *slog.Logger
}

func NewServer(store broker.Store, db *gorm.DB, authSvc *auth.Service, reports *report.Generator, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:   store,
		db:      db,
		auth:    authSvc,
		reports: reports,
		router:  gin.New(),
		log:     log,
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.POST("/api/v1/auth/login", s.login)
	s.router.POST("/api/v1/auth/register", s.register)

	api := s.router.Group("/api/v1")
	api.Use(s.auth.Middleware())

	api.GET("/containers", s.listContainers)
	api.GET("/containers/:name/audit", s.getAudit)
	api.GET("/containers/:name/history", s.getHistory)
	api.GET("/events", s.listEvents)
	api.GET("/agents", s.listAgents)

	api.GET("/reports", s.listReports)
	api.POST("/reports/generate", auth.RequireRole(models.RoleAdmin, models.RoleUser), s.generateReport)

	admin := api.Group("/admin")
	admin.Use(auth.RequireRole(models.RoleAdmin))
	admin.GET("/users", s.listUsers)
	admin.POST("/users", s.createUser)
	admin.DELETE("/users/:id", s.deleteUser)
}

// Handler returns the routed http handler, for serving and for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(port int) error {
	return s.router.Run(fmt.Sprintf(":%d", port))
}

func (s *Server) listContainers(c *gin.Context) {
	ctx := c.Request.Context()
	keys, err := s.store.Keys(ctx, broker.StatsPattern)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	samples := make([]schema.ContainerSample, 0, len(keys))
	for _, key := range keys {
		var sample schema.ContainerSample
		found, err := s.store.GetJSON(ctx, key, &sample)
		if err != nil {
			s.log.Warn("skipping unreadable stats entry", "key", key, "error", err)
			continue
		}
		if found {
			samples = append(samples, sample)
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	c.JSON(http.StatusOK, samples)
}

func (s *Server) listEvents(c *gin.Context) {
	key := broker.EventsAllKey
	if kind := c.Query("kind"); kind != "" {
		key = broker.EventsKey(kind)
	}
	limit := queryLimit(c)

	raws, err := s.store.Range(c.Request.Context(), key, 0, int64(limit)-1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	events := make([]schema.EventRecord, 0, len(raws))
	for _, raw := range raws {
		var rec schema.EventRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.log.Warn("skipping unreadable event entry", "error", err)
			continue
		}
		events = append(events, rec)
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) getAudit(c *gin.Context) {
	name := c.Param("name")
	raws, err := s.store.Range(c.Request.Context(), broker.AuditKey(name), 0, int64(queryLimit(c))-1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	entries := make([]schema.AuditEntry, 0, len(raws))
	for _, raw := range raws {
		var entry schema.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.log.Warn("skipping unreadable audit entry", "container", name, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) getHistory(c *gin.Context) {
	name := c.Param("name")
	raws, err := s.store.Range(c.Request.Context(), broker.HistoryKey(name), 0, int64(queryLimit(c))-1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	alerts := make([]schema.HealthAlert, 0, len(raws))
	for _, raw := range raws {
		var alert schema.HealthAlert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			s.log.Warn("skipping unreadable history entry", "container", name, "error", err)
			continue
		}
		alerts = append(alerts, alert)
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) listAgents(c *gin.Context) {
	ctx := c.Request.Context()
	keys, err := s.store.Keys(ctx, broker.AgentPattern)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	beats := make([]agent.Heartbeat, 0, len(keys))
	for _, key := range keys {
		var hb agent.Heartbeat
		found, err := s.store.GetJSON(ctx, key, &hb)
		if err != nil {
			s.log.Warn("skipping unreadable heartbeat", "key", key, "error", err)
			continue
		}
		if found {
			beats = append(beats, hb)
		}
	}
	sort.Slice(beats, func(i, j int) bool { return beats[i].Agent < beats[j].Agent })
	c.JSON(http.StatusOK, beats)
}

func (s *Server) listReports(c *gin.Context) {
	reports, err := s.reports.List(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) generateReport(c *gin.Context) {
	var req struct {
		Hours int `json:"hours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Hours <= 0 {
		req.Hours = 24
	}
	end := time.Now().UTC()
	rep, err := s.reports.Generate(c.Request.Context(), end.Add(-time.Duration(req.Hours)*time.Hour), end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rep)
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	if err := s.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !user.CheckPassword(req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := s.auth.GenerateToken(&user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// register creates an account. The first account becomes admin; the rest
// default to the user role.
func (s *Server) register(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required,min=8"`
		Email    string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var count int64
	if err := s.db.Model(&models.User{}).Count(&count).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	role := models.RoleUser
	if count == 0 {
		role = models.RoleAdmin
	}

	user := models.User{Username: req.Username, Email: req.Email, Role: role, IsActive: true}
	if err := user.SetPassword(req.Password); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
		return
	}
	if err := s.db.Create(&user).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "username or email already taken"})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) listUsers(c *gin.Context) {
	var users []models.User
	if err := s.db.Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) createUser(c *gin.Context) {
	var req struct {
		Username string      `json:"username" binding:"required"`
		Password string      `json:"password" binding:"required,min=8"`
		Email    string      `json:"email" binding:"required,email"`
		Role     models.Role `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Role {
	case models.RoleAdmin, models.RoleUser, models.RoleViewer:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}

	user := models.User{Username: req.Username, Email: req.Email, Role: req.Role, IsActive: true}
	if err := user.SetPassword(req.Password); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
		return
	}
	if err := s.db.Create(&user).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "username or email already taken"})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) deleteUser(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}
	if uint(id) == c.GetUint("user_id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete own account"})
		return
	}
	if err := s.db.Delete(&models.User{}, uint(id)).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user deleted"})
}

func queryLimit(c *gin.Context) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
