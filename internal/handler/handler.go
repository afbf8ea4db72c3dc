package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"busattendance/internal/attendance"
	"busattendance/internal/auth"
	"busattendance/internal/cloudinary"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Handler serves the device and query API.
type Handler struct {
	svc         *attendance.Service
	issuer      *auth.Issuer
	credentials auth.CredentialStore
	photos      *cloudinary.Client
	checks      map[string]HealthCheck
	deviceLimit []gin.HandlerFunc
	log         *zap.Logger
}

// New creates a handler. photos may be nil when image storage is not configured.
func New(svc *attendance.Service, issuer *auth.Issuer, credentials auth.CredentialStore, photos *cloudinary.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:         svc,
		issuer:      issuer,
		credentials: credentials,
		photos:      photos,
		checks:      make(map[string]HealthCheck),
		log:         logger.Named("http"),
	}
}

// AddHealthCheck registers a dependency reported by /healthz.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// LimitDevices adds middleware that runs after the device token is verified,
// typically a rate limiter keyed on the device id.
func (h *Handler) LimitDevices(mw ...gin.HandlerFunc) {
	h.deviceLimit = append(h.deviceLimit, mw...)
}

// Register mounts all routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	v1.POST("/devices/register", h.registerDevice)
	v1.POST("/devices/refresh", h.refreshDevice)

	device := v1.Group("", auth.RequireToken(h.issuer, auth.RoleDevice))
	device.Use(h.deviceLimit...)
	device.POST("/scans", h.ingestScan)
	device.GET("/scans", h.listScans)
	device.POST("/upload", h.upload)

	v1.GET("/students/:id/attendance", auth.RequireToken(h.issuer), h.attendance)
}

func (h *Handler) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (h *Handler) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.issueTokens(c, req.DeviceID, http.StatusCreated)
}

func (h *Handler) refreshDevice(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, err := h.issuer.Parse(req.RefreshToken, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	subject, err := h.credentials.Consume(c.Request.Context(), claims.ID)
	if err != nil {
		h.log.Error("consume refresh token failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	if subject == "" || subject != claims.Subject {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
		return
	}
	h.issueTokens(c, claims.Subject, http.StatusOK)
}

func (h *Handler) issueTokens(c *gin.Context, deviceID string, status int) {
	tokens, err := h.issuer.Issue(deviceID, auth.RoleDevice)
	if err != nil {
		h.log.Error("token issue failed", zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.credentials.Save(c.Request.Context(), tokens.RefreshID, deviceID, h.issuer.RefreshTTL()); err != nil {
		h.log.Error("save refresh token failed", zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(status, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

func (h *Handler) ingestScan(c *gin.Context) {
	var req struct {
		StudentID  string  `json:"student_id" binding:"required"`
		Verified   bool    `json:"verified"`
		Confidence float64 `json:"confidence"`
		ScanPhoto  string  `json:"scan_photo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	res, err := h.svc.Ingest(c.Request.Context(), attendance.Scan{
		StudentID:  req.StudentID,
		DeviceID:   claims.Subject,
		Verified:   req.Verified,
		Confidence: req.Confidence,
		ScanPhoto:  req.ScanPhoto,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": res.EventID, "attendance_status": res.Status})
}

func (h *Handler) listScans(c *gin.Context) {
	f := attendance.EventFilter{
		StudentID: c.Query("student_id"),
		DeviceID:  c.Query("device_id"),
		Limit:     50,
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Offset = parsed
		}
	}
	events, err := h.svc.Events(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) attendance(c *gin.Context) {
	month, err := time.Parse("2006-01", c.Query("month"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month must be YYYY-MM"})
		return
	}
	cal, err := h.svc.Calendar(c.Request.Context(), c.Param("id"), month.Year(), month.Month())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cal)
}

func (h *Handler) upload(c *gin.Context) {
	if h.photos == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	ctx := c.Request.Context()

	var (
		result *cloudinary.UploadResult
		err    error
	)
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		data, ferr := io.ReadAll(file)
		if ferr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
			return
		}
		result, err = h.photos.UploadBytes(ctx, data, header.Filename)
	} else {
		var body struct {
			Data string `json:"data" binding:"required"`
		}
		if berr := c.ShouldBindJSON(&body); berr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": `provide {"data": "<base64 data URL>"}`})
			return
		}
		result, err = h.photos.UploadBase64(ctx, body.Data)
	}
	if err != nil {
		h.log.Error("photo upload failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":       result.SecureURL,
		"public_id": result.PublicID,
		"width":     result.Width,
		"height":    result.Height,
		"bytes":     result.Bytes,
	})
}

// fail maps domain errors to status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrInvalidScan), errors.Is(err, attendance.ErrInvalidMonth):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
