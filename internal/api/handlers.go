// Package api exposes the actor's RPC surface over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/evetools/tagd/internal/fault"
	"github.com/evetools/tagd/internal/migrate"
	"github.com/evetools/tagd/internal/reconcile"
	"github.com/evetools/tagd/pkg/types"
	"github.com/gin-gonic/gin"
)

// Actor is the actor surface the handlers call into
type Actor interface {
	Name() string
	RunMigrations(ctx context.Context) (*migrate.Result, error)
	MigrationStatus(ctx context.Context) (*migrate.Status, error)
	UpsertTag(ctx context.Context, in types.TagInput) (*types.Tag, error)
	GetTag(ctx context.Context, urn string) (*types.Tag, error)
	ListTags(ctx context.Context) ([]types.Tag, error)
	AssignTag(ctx context.Context, subjectID, tagURN string, sourceID int64) error
	UnassignTag(ctx context.Context, subjectID, tagURN string, sourceID int64) error
	RemoveSource(ctx context.Context, sourceID int64) ([]string, error)
	UserTags(ctx context.Context, subjectID string) ([]types.TagWithSources, error)
	UserAssignments(ctx context.Context, subjectID string) ([]types.TagAssignment, error)
	UsersWithTag(ctx context.Context, tagURN string) ([]string, error)
	ScheduleEvaluation(ctx context.Context, subjectID string, delay time.Duration) error
	EvaluateUser(ctx context.Context, subjectID string) error
	OnboardSource(ctx context.Context, subjectID string, src reconcile.Source) error
	UnlinkSource(ctx context.Context, subjectID string, sourceID int64) error
	Alarm(ctx context.Context) error
	Backup(ctx context.Context) (string, error)
}

// Handler handles HTTP API requests for one actor
type Handler struct {
	actor Actor
}

// NewHandler creates a new API handler
func NewHandler(actor Actor) *Handler {
	return &Handler{actor: actor}
}

// SetupRoutes configures the API routes
func SetupRoutes(router *gin.Engine, handler *Handler) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/migrations/run", handler.RunMigrations)
		v1.GET("/migrations/status", handler.MigrationStatus)

		v1.PUT("/tags", handler.UpsertTag)
		v1.GET("/tags", handler.ListTags)
		v1.GET("/tags/:urn", handler.GetTag)
		v1.GET("/tags/:urn/users", handler.UsersWithTag)

		v1.GET("/users/:id/tags", handler.UserTags)
		v1.GET("/users/:id/assignments", handler.UserAssignments)
		v1.POST("/users/:id/tags", handler.AssignTag)
		v1.DELETE("/users/:id/tags/:urn", handler.UnassignTag)
		v1.POST("/users/:id/evaluate", handler.EvaluateUser)
		v1.POST("/users/:id/schedule", handler.ScheduleEvaluation)
		v1.POST("/users/:id/sources", handler.OnboardSource)
		v1.DELETE("/users/:id/sources/:source_id", handler.UnlinkSource)

		v1.DELETE("/sources/:id", handler.RemoveSource)

		v1.POST("/alarm", handler.Alarm)
		v1.POST("/backup", handler.Backup)
	}

	router.GET("/health", handler.HealthCheck)
}

// RunMigrations applies pending schema migrations
func (h *Handler) RunMigrations(c *gin.Context) {
	result, err := h.actor.RunMigrations(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// MigrationStatus reports applied and pending migrations
func (h *Handler) MigrationStatus(c *gin.Context) {
	status, err := h.actor.MigrationStatus(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// UpsertTag creates or updates a tag definition
func (h *Handler) UpsertTag(c *gin.Context) {
	var in types.TagInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}

	tag, err := h.actor.UpsertTag(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tag)
}

// ListTags returns all tag definitions
func (h *Handler) ListTags(c *gin.Context) {
	tags, err := h.actor.ListTags(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tags)
}

// GetTag returns one tag definition
func (h *Handler) GetTag(c *gin.Context) {
	tag, err := h.actor.GetTag(c.Request.Context(), c.Param("urn"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tag)
}

// UsersWithTag lists subjects currently carrying a tag
func (h *Handler) UsersWithTag(c *gin.Context) {
	subjects, err := h.actor.UsersWithTag(c.Request.Context(), c.Param("urn"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subjects": subjects})
}

// UserTags lists a subject's visible tags with asserting sources
func (h *Handler) UserTags(c *gin.Context) {
	tags, err := h.actor.UserTags(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tags)
}

// UserAssignments lists a subject's raw assignment rows
func (h *Handler) UserAssignments(c *gin.Context) {
	assignments, err := h.actor.UserAssignments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, assignments)
}

type assignRequest struct {
	TagURN   string `json:"tag_urn" binding:"required"`
	SourceID int64  `json:"source_id" binding:"required,min=1"`
}

// AssignTag explicitly asserts a tag for a subject
func (h *Handler) AssignTag(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.actor.AssignTag(c.Request.Context(), c.Param("id"), req.TagURN, req.SourceID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UnassignTag removes one source's assertion (or all, without source_id)
func (h *Handler) UnassignTag(c *gin.Context) {
	var sourceID int64
	if raw := c.Query("source_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		sourceID = parsed
	}

	if err := h.actor.UnassignTag(c.Request.Context(), c.Param("id"), c.Param("urn"), sourceID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EvaluateUser triggers an immediate reconciliation for a subject
func (h *Handler) EvaluateUser(c *gin.Context) {
	if err := h.actor.EvaluateUser(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type scheduleRequest struct {
	DelayMs int64 `json:"delay_ms"`
}

// ScheduleEvaluation (re)schedules a subject's periodic evaluation
func (h *Handler) ScheduleEvaluation(c *gin.Context) {
	var req scheduleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	delay := time.Duration(req.DelayMs) * time.Millisecond
	if err := h.actor.ScheduleEvaluation(c.Request.Context(), c.Param("id"), delay); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// OnboardSource seeds tags for a newly linked source
func (h *Handler) OnboardSource(c *gin.Context) {
	var src reconcile.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		h.badRequest(c, err)
		return
	}
	if src.ID == 0 {
		h.badRequest(c, errors.New("source_id is required"))
		return
	}

	if err := h.actor.OnboardSource(c.Request.Context(), c.Param("id"), src); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UnlinkSource removes a source's assignments and re-evaluates the subject
func (h *Handler) UnlinkSource(c *gin.Context) {
	sourceID, err := strconv.ParseInt(c.Param("source_id"), 10, 64)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.actor.UnlinkSource(c.Request.Context(), c.Param("id"), sourceID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveSource deletes every assignment a source asserts, for all subjects
func (h *Handler) RemoveSource(c *gin.Context) {
	sourceID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	subjects, err := h.actor.RemoveSource(c.Request.Context(), sourceID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subjects": subjects})
}

// Alarm manually triggers a wake-up cycle
func (h *Handler) Alarm(c *gin.Context) {
	if err := h.actor.Alarm(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Backup snapshots the store and uploads it to object storage
func (h *Handler) Backup(c *gin.Context) {
	object, err := h.actor.Backup(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"object": object})
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Actor:     h.actor.Name(),
	})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, types.ErrorResponse{
		Error:   "invalid request",
		Message: err.Error(),
		Code:    http.StatusBadRequest,
	})
}

// fail maps the error taxonomy to HTTP status codes
func (h *Handler) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	label := "internal error"

	switch {
	case errors.Is(err, fault.ErrNotFound):
		code, label = http.StatusNotFound, "not found"
	case errors.Is(err, fault.ErrLockContention):
		code, label = http.StatusConflict, "migration already in progress"
	case errors.Is(err, fault.ErrUpstreamUnavailable):
		code, label = http.StatusBadGateway, "upstream unavailable"
	case errors.Is(err, fault.ErrIntegrity):
		label = "schema integrity violation"
	}

	c.JSON(code, types.ErrorResponse{
		Error:   label,
		Message: err.Error(),
		Code:    code,
	})
}
