package coordinator

import (
	"crypto/rand"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/labelfleet/internal/job"
	"github.com/orrn/labelfleet/internal/store"
)

const apiTokenDuration = 24 * time.Hour

// API is the operator-facing HTTP surface: job submission and
// inspection, device registration, fleet stats, and Prometheus
// metrics.
type API struct {
	coord        *Coordinator
	passwordHash string
	secret       []byte
	registry     *prometheus.Registry
}

type apiClaims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

type submitJobRequest struct {
	DeviceID   string `json:"device_id" binding:"required"`
	Content    string `json:"content"`
	ContentURL string `json:"content_url"`
	Priority   int    `json:"priority"`
}

type registerDeviceRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Credential  string `json:"credential" binding:"required,min=16"`
}

type deviceResponse struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Reachable   bool       `json:"reachable"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

func NewAPI(coord *Coordinator, passwordHash string, registry *prometheus.Registry) *API {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return &API{
		coord:        coord,
		passwordHash: passwordHash,
		secret:       secret,
		registry:     registry,
	}
}

// Router builds the gin engine. Auth is disabled when no password hash
// is configured, which is intended for local development only.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if a.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}

	r.POST("/api/v1/login", a.login)

	v1 := r.Group("/api/v1")
	if a.passwordHash != "" {
		v1.Use(a.requireAuth())
	}
	v1.POST("/jobs", a.submitJob)
	v1.GET("/jobs", a.listJobs)
	v1.GET("/jobs/:id", a.getJob)
	v1.POST("/jobs/:id/cancel", a.cancelJob)
	v1.POST("/devices", a.registerDevice)
	v1.GET("/devices", a.listDevices)
	v1.GET("/stats", a.stats)

	return r
}

func (a *API) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if a.passwordHash == "" {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "auth disabled"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	now := time.Now()
	claims := &apiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(apiTokenDuration)),
			Issuer:    "labelfleet",
		},
		Authenticated: true,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

func (a *API) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		tokenString := header[len(prefix):]

		token, err := jwt.ParseWithClaims(tokenString, &apiClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		claims, ok := token.Claims.(*apiClaims)
		if !ok || !claims.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		c.Next()
	}
}

func (a *API) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	j, err := a.coord.SubmitJob(c.Request.Context(), req.DeviceID, req.Content, req.ContentURL, req.Priority)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (a *API) listJobs(c *gin.Context) {
	filter := store.JobFilter{
		DeviceID: c.Query("device_id"),
		Status:   job.Status(c.Query("status")),
		Limit:    50,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
		filter.Limit = n
	}
	jobs, err := a.coord.repo.ListJobs(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (a *API) getJob(c *gin.Context) {
	j, err := a.coord.repo.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) cancelJob(c *gin.Context) {
	err := a.coord.CancelJob(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
	}
}

func (a *API) registerDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = NewDeviceID()
	}
	d := &job.Device{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		CreatedAt:   time.Now(),
	}
	if d.DisplayName == "" {
		d.DisplayName = d.ID
	}
	if err := a.coord.devices.CreateDevice(c.Request.Context(), d, req.Credential); err != nil {
		if errors.Is(err, store.ErrDeviceExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "device already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (a *API) listDevices(c *gin.Context) {
	devices, err := a.coord.devices.ListDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{
			ID:          d.ID,
			DisplayName: d.DisplayName,
			Reachable:   a.coord.tracker.IsReachable(d.ID),
			LastSeenAt:  d.LastSeenAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out, "count": len(out)})
}

func (a *API) stats(c *gin.Context) {
	counts, err := a.coord.repo.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count jobs"})
		return
	}
	byStatus := make(map[string]int, len(counts))
	for s, n := range counts {
		byStatus[string(s)] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs_by_status":    byStatus,
		"devices_reachable": len(a.coord.tracker.Reachable()),
	})
}

// NewDeviceID returns a fresh device identifier for operators who do
// not want to pick their own.
func NewDeviceID() string {
	return "dev-" + uuid.New().String()[:8]
}
