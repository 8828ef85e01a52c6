package services

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pulseproof/pulseproof/internal/eventschema"
	"github.com/pulseproof/pulseproof/internal/eventstore"
	"github.com/pulseproof/pulseproof/internal/idgen"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/materializer"
	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/pulseproof/pulseproof/internal/render"
	"github.com/pulseproof/pulseproof/internal/webhook"
)

// APIHandler serves the admin surface: historical event queries, replays,
// template and A/B test management, and tenant registration.
type APIHandler struct {
	events    eventstore.Store
	store     *materializer.RedisStore
	renderer  *render.Renderer
	resolver  *webhook.RedisTenantResolver
	replays   *ReplayManager
	logger    *logging.Logger
}

func NewAPIHandler(
	events eventstore.Store,
	store *materializer.RedisStore,
	renderer *render.Renderer,
	resolver *webhook.RedisTenantResolver,
	replays *ReplayManager,
	logger *logging.Logger,
) *APIHandler {
	return &APIHandler{
		events:   events,
		store:    store,
		renderer: renderer,
		resolver: resolver,
		replays:  replays,
		logger:   logger,
	}
}

func (h *APIHandler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api", ErrorHandlerMiddleware())
	api.GET("/events", h.QueryEvents)
	api.GET("/events/stats", h.EventStats)
	api.GET("/events/:id", h.GetEvent)

	api.POST("/replays", h.StartReplay)
	api.GET("/replays/:id", h.GetReplay)
	api.POST("/replays/:id/stop", h.StopReplay)

	api.PUT("/templates", h.UpsertTemplate)
	api.GET("/templates/:id", h.GetTemplate)
	api.PUT("/abtests", h.UpsertABTest)

	api.GET("/sites/:siteId/notifications", h.ListNotifications)
	api.PUT("/tenants", h.RegisterTenant)
}

func abortWithError(c *gin.Context, err error) {
	c.Error(err)
	c.Abort()
}

func (h *APIHandler) QueryEvents(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		abortWithError(c, NewErrBadRequest(err))
		return
	}
	result, err := h.events.Query(c.Request.Context(), filter)
	if err != nil {
		h.logger.Ctx(c.Request.Context()).Error("event query failed", zap.Error(err))
		abortWithError(c, NewErrInternalServer(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

func filterFromQuery(c *gin.Context) (*eventstore.Filter, error) {
	filter := &eventstore.Filter{
		OrganizationID: c.Query("organizationId"),
		SiteID:         c.Query("siteId"),
		UserID:         c.Query("userId"),
		SessionID:      c.Query("sessionId"),
		CorrelationID:  c.Query("correlationId"),
		SortOrder:      eventstore.SortOrder(c.DefaultQuery("sort", "asc")),
	}
	if types := c.Query("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	var err error
	if from := c.Query("from"); from != "" {
		if filter.From, err = time.Parse(time.RFC3339, from); err != nil {
			return nil, err
		}
	}
	if to := c.Query("to"); to != "" {
		if filter.To, err = time.Parse(time.RFC3339, to); err != nil {
			return nil, err
		}
	}
	if limit := c.Query("limit"); limit != "" {
		if filter.Limit, err = strconv.Atoi(limit); err != nil {
			return nil, err
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if filter.Offset, err = strconv.Atoi(offset); err != nil {
			return nil, err
		}
	}
	return filter, nil
}

func (h *APIHandler) GetEvent(c *gin.Context) {
	event, err := h.events.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			abortWithError(c, NewErrNotFound("event"))
			return
		}
		abortWithError(c, NewErrInternalServer(err))
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *APIHandler) EventStats(c *gin.Context) {
	stats, err := h.events.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, NewErrInternalServer(err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ReplayRequest is the wire form of a replay submission.
type ReplayRequest struct {
	From             time.Time `json:"from" binding:"required"`
	To               time.Time `json:"to" binding:"required,gtfield=From"`
	SourceTopics     []string  `json:"source_topics"`
	EventTypes       []string  `json:"event_types"`
	OrgIDs           []string  `json:"org_ids"`
	SiteIDs          []string  `json:"site_ids"`
	TargetTopics     []string  `json:"target_topics"`
	Validate         bool      `json:"validate"`
	Migrate          bool      `json:"migrate"`
	ProgressInterval int       `json:"progress_interval" binding:"omitempty,min=1"`
}

func (h *APIHandler) StartReplay(c *gin.Context) {
	req := &ReplayRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		abortWithError(c, NewErrBadRequest(err))
		return
	}
	id := h.replays.Start(eventstore.ReplayConfig{
		SourceTopics:     req.SourceTopics,
		From:             req.From,
		To:               req.To,
		EventTypes:       req.EventTypes,
		OrgIDs:           req.OrgIDs,
		SiteIDs:          req.SiteIDs,
		TargetTopics:     req.TargetTopics,
		Validate:         req.Validate,
		Migrate:          req.Migrate,
		ProgressInterval: req.ProgressInterval,
	})
	c.JSON(http.StatusAccepted, gin.H{"replay_id": id})
}

func (h *APIHandler) GetReplay(c *gin.Context) {
	status, ok := h.replays.Get(c.Param("id"))
	if !ok {
		abortWithError(c, NewErrNotFound("replay"))
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandler) StopReplay(c *gin.Context) {
	if !h.replays.Stop(c.Param("id")) {
		abortWithError(c, NewErrNotFound("replay"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopping": true})
}

func (h *APIHandler) UpsertTemplate(c *gin.Context) {
	template := &models.Template{}
	if err := c.ShouldBindJSON(template); err != nil {
		abortWithError(c, NewErrBadRequest(err))
		return
	}
	if template.SiteID == "" || template.EventType == "" {
		abortWithError(c, NewErrBadRequest(errors.New("site_id and event_type are required")))
		return
	}
	result := h.renderer.ValidateTemplate(template)
	if !result.Valid {
		abortWithError(c, NewErrValidation(result.Errors))
		return
	}
	if template.ID == "" {
		template.ID = idgen.String()
	}
	if err := h.store.UpsertTemplate(c.Request.Context(), template); err != nil {
		abortWithError(c, NewErrInternalServer(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": template, "warnings": result.Warnings})
}

func (h *APIHandler) GetTemplate(c *gin.Context) {
	template, err := h.store.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, materializer.ErrNotFound) {
			abortWithError(c, NewErrNotFound("template"))
			return
		}
		abortWithError(c, NewErrInternalServer(err))
		return
	}
	c.JSON(http.StatusOK, template)
}

func (h *APIHandler) UpsertABTest(c *gin.Context) {
	test := &models.ABTest{}
	if err := c.ShouldBindJSON(test); err != nil {
		abortWithError(c, NewErrBadRequest(err))
		return
	}
	if err := h.store.UpsertABTest(c.Request.Context(), test); err != nil {
		abortWithError(c, NewErrBadRequest(err))
		return
	}
	c.JSON(http.StatusOK, test)
}

func (h *APIHandler) ListNotifications(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	notifications, err := h.store.ListSiteNotifications(c.Request.Context(), c.Param("siteId"), limit)
	if err != nil {
		abortWithError(c, NewErrInternalServer(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

// TenantRequest maps a provider tenant key to an organization and site.
type TenantRequest struct {
	Key            string `json:"key" binding:"required"`
	OrganizationID string `json:"organization_id" binding:"required"`
	SiteID         string `json:"site_id" binding:"required"`
}

func (h *APIHandler) RegisterTenant(c *gin.Context) {
	req := &TenantRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		abortWithError(c, NewErrBadRequest(err))
		return
	}
	tenant := webhook.Tenant{OrganizationID: req.OrganizationID, SiteID: req.SiteID}
	if err := h.resolver.Register(c.Request.Context(), req.Key, tenant); err != nil {
		abortWithError(c, NewErrInternalServer(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "tenant": tenant})
}

// ReplayStatus is what the replay endpoints report: live progress while
// running, plus the summary once finished.
type ReplayStatus struct {
	Progress eventstore.Progress `json:"progress"`
	Summary  *eventstore.Summary `json:"summary,omitempty"`
	Running  bool                `json:"running"`
}

type replayRun struct {
	replayer *eventstore.Replayer

	mu       sync.Mutex
	progress eventstore.Progress
	summary  *eventstore.Summary
}

// ReplayManager owns background replay runs for the API.
type ReplayManager struct {
	store    eventstore.Store
	producer eventstore.ReplayProducer
	registry *eventschema.Registry
	logger   *logging.Logger

	mu   sync.Mutex
	runs map[string]*replayRun
}

func NewReplayManager(store eventstore.Store, producer eventstore.ReplayProducer, registry *eventschema.Registry, logger *logging.Logger) *ReplayManager {
	return &ReplayManager{
		store:    store,
		producer: producer,
		registry: registry,
		logger:   logger,
		runs:     make(map[string]*replayRun),
	}
}

// Start launches a replay in the background and returns its ID.
func (m *ReplayManager) Start(config eventstore.ReplayConfig) string {
	run := &replayRun{}
	run.replayer = eventstore.NewReplayer(m.store, m.producer, m.registry, m.logger,
		eventstore.WithProgressFunc(func(p eventstore.Progress) {
			run.mu.Lock()
			run.progress = p
			run.mu.Unlock()
		}))

	m.mu.Lock()
	m.runs[run.replayer.ID] = run
	m.mu.Unlock()

	go func() {
		summary, err := run.replayer.Run(context.Background(), config)
		if err != nil {
			m.logger.Ctx(context.Background()).Error("replay failed",
				zap.String("replay_id", run.replayer.ID),
				zap.Error(err))
			summary = &eventstore.Summary{ReplayID: run.replayer.ID, Stopped: true}
		}
		run.mu.Lock()
		run.summary = summary
		run.mu.Unlock()
	}()
	return run.replayer.ID
}

func (m *ReplayManager) Get(id string) (*ReplayStatus, bool) {
	m.mu.Lock()
	run, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return &ReplayStatus{
		Progress: run.progress,
		Summary:  run.summary,
		Running:  run.summary == nil,
	}, true
}

// Stop requests a running replay halt. Reports whether the replay exists.
func (m *ReplayManager) Stop(id string) bool {
	m.mu.Lock()
	run, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	run.replayer.Stop()
	return true
}
