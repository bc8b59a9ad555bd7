package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lexical-app/retention/internal/auth"
	"github.com/lexical-app/retention/internal/devices"
	"github.com/lexical-app/retention/internal/fsrs"
	"github.com/lexical-app/retention/internal/lexicon"
	"github.com/lexical-app/retention/internal/review"
)

const (
	userIDContextKey   = "retention_user_id"
	deviceIDContextKey = "retention_device_id"
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCoordinator   = errors.New("review coordinator dependency required")
	errMissingCatalog       = errors.New("lexicon catalog dependency required")
	errMissingRegistry      = errors.New("device registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// DeviceTokenManager issues and validates the bearer tokens carried by
// every authorized request.
type DeviceTokenManager interface {
	IssueDeviceToken(ctx context.Context, userID, deviceID string) (string, int64, error)
	ValidateToken(token string) (auth.DeviceClaims, error)
}

type Dependencies struct {
	TokenManager DeviceTokenManager
	Coordinator  *review.Coordinator
	Catalog      *lexicon.Catalog
	Devices      *devices.Registry
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.Devices == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		coordinator: deps.Coordinator,
		catalog:     deps.Catalog,
		devices:     deps.Devices,
		realtime:    deps.Realtime,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/device", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/reviews", handler.handleRecordReview)
	protected.GET("/reviews/due", handler.handleDueItems)
	protected.GET("/reviews/stream", handler.handleReviewStream)
	protected.GET("/items/:item_id/state", handler.handleGetState)
	protected.GET("/items/:item_id/velocity", handler.handleEasyVelocity)
	protected.POST("/items/:item_id/status", handler.handleSetStatus)
	protected.DELETE("/items/:item_id", handler.handleDeleteItem)
	protected.GET("/lexicon/items", handler.handleListItems)
	protected.POST("/sync", handler.handleApplySync)
	protected.GET("/sync/export", handler.handleExportSync)

	return router, nil
}

type httpHandler struct {
	tokens      DeviceTokenManager
	coordinator *review.Coordinator
	catalog     *lexicon.Catalog
	devices     *devices.Registry
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type deviceAuthPayload struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	Label    string `json:"label"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request deviceAuthPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.UserID) == "" || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if _, err := h.devices.Register(c.Request.Context(), devices.Registration{
		UserID:   request.UserID,
		DeviceID: request.DeviceID,
		Platform: request.Platform,
		Label:    request.Label,
	}); err != nil {
		h.logger.Error("device registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), request.UserID, request.DeviceID)
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type recordReviewPayload struct {
	ItemID     string `json:"item_id"`
	Grade      int    `json:"grade"`
	DurationMs int64  `json:"duration_ms"`
	Exposure   string `json:"exposure"`
}

type statePayload struct {
	ItemID                string  `json:"item_id"`
	Status                string  `json:"status"`
	StatusChangedAtMillis int64   `json:"status_changed_at_ms"`
	StateKind             string  `json:"state_kind"`
	Stability             float64 `json:"stability"`
	Difficulty            float64 `json:"difficulty"`
	Retrievability        float64 `json:"retrievability"`
	NextDueAtMillis       int64   `json:"next_due_at_ms"`
	LastReviewedAtMillis  int64   `json:"last_reviewed_at_ms"`
	ReviewCount           int     `json:"review_count"`
}

func stateResponse(state review.WordState) statePayload {
	return statePayload{
		ItemID:                state.ItemID,
		Status:                string(state.Status),
		StatusChangedAtMillis: state.StatusChangedAtMillis,
		StateKind:             state.StateKind,
		Stability:             state.Stability,
		Difficulty:            state.Difficulty,
		Retrievability:        state.Retrievability,
		NextDueAtMillis:       state.NextDueAtMillis,
		LastReviewedAtMillis:  state.LastReviewedAtMillis,
		ReviewCount:           state.ReviewCount,
	}
}

func (h *httpHandler) handleRecordReview(c *gin.Context) {
	userID, deviceID, ok := h.identity(c)
	if !ok {
		return
	}

	var request recordReviewPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ItemID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	itemID, err := review.NewItemID(request.ItemID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}
	exposure, err := parseExposure(request.Exposure)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_exposure"})
		return
	}

	state, err := h.coordinator.RecordReview(c.Request.Context(), userID, review.ReviewRequest{
		ItemID:         itemID,
		Grade:          fsrs.Grade(request.Grade),
		DurationMillis: request.DurationMs,
		Exposure:       exposure,
		Device:         deviceID,
	})
	if err != nil {
		h.renderServiceError(c, "record review failed", err)
		return
	}

	h.publishStateChange(userID.String(), deviceID.String(), state.ItemID)
	c.JSON(http.StatusOK, stateResponse(state))
}

func (h *httpHandler) handleDueItems(c *gin.Context) {
	userID, _, ok := h.identity(c)
	if !ok {
		return
	}

	asOf := time.Now().UTC()
	if raw := strings.TrimSpace(c.Query("as_of_ms")); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || millis <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_as_of"})
			return
		}
		asOf = time.UnixMilli(millis).UTC()
	}

	due, err := h.coordinator.DueItems(c.Request.Context(), userID, asOf)
	if err != nil {
		h.renderServiceError(c, "due items query failed", err)
		return
	}

	itemIDs := make([]string, 0, len(due))
	for _, itemID := range due {
		itemIDs = append(itemIDs, itemID.String())
	}
	c.JSON(http.StatusOK, gin.H{"item_ids": itemIDs, "as_of_ms": asOf.UnixMilli()})
}

func (h *httpHandler) handleGetState(c *gin.Context) {
	userID, _, ok := h.identity(c)
	if !ok {
		return
	}
	itemID, err := review.NewItemID(c.Param("item_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}

	state, err := h.coordinator.GetState(c.Request.Context(), userID, itemID)
	if err != nil {
		h.renderServiceError(c, "state lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, stateResponse(state))
}

func (h *httpHandler) handleEasyVelocity(c *gin.Context) {
	userID, _, ok := h.identity(c)
	if !ok {
		return
	}
	itemID, err := review.NewItemID(c.Param("item_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}

	halfLifeDays := 7.0
	if raw := strings.TrimSpace(c.Query("half_life_days")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_half_life"})
			return
		}
		halfLifeDays = parsed
	}

	velocity, err := h.coordinator.ItemEasyVelocity(c.Request.Context(), userID, itemID, halfLifeDays)
	if err != nil {
		h.renderServiceError(c, "easy velocity query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item_id":        itemID.String(),
		"easy_velocity":  velocity,
		"half_life_days": halfLifeDays,
	})
}

type setStatusPayload struct {
	Status      string `json:"status"`
	ChangedAtMs int64  `json:"changed_at_ms"`
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	userID, deviceID, ok := h.identity(c)
	if !ok {
		return
	}
	itemID, err := review.NewItemID(c.Param("item_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}

	var request setStatusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := review.ParseStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	changedAt, err := review.NewLogicalTime(request.ChangedAtMs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp"})
		return
	}

	state, err := h.coordinator.SetStatus(c.Request.Context(), userID, itemID, status, changedAt, deviceID)
	if err != nil {
		h.renderServiceError(c, "status update failed", err)
		return
	}

	h.publishStateChange(userID.String(), deviceID.String(), state.ItemID)
	c.JSON(http.StatusOK, stateResponse(state))
}

func (h *httpHandler) handleDeleteItem(c *gin.Context) {
	userID, deviceID, ok := h.identity(c)
	if !ok {
		return
	}
	itemID, err := review.NewItemID(c.Param("item_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}

	if err := h.coordinator.DeleteItem(c.Request.Context(), userID, itemID, deviceID); err != nil {
		h.renderServiceError(c, "item deletion failed", err)
		return
	}

	h.publishStateChange(userID.String(), deviceID.String(), itemID.String())
	c.JSON(http.StatusOK, gin.H{"deleted": itemID.String()})
}

func (h *httpHandler) handleListItems(c *gin.Context) {
	if _, _, ok := h.identity(c); !ok {
		return
	}

	language := strings.TrimSpace(c.DefaultQuery("language", "en"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_offset"})
		return
	}

	items, err := h.catalog.ListByRank(c.Request.Context(), language, limit, offset)
	if err != nil {
		h.logger.Error("lexicon listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type syncOutcomePayload struct {
	MergedEvents    int      `json:"merged_events"`
	DuplicateEvents int      `json:"duplicate_events"`
	ChangedItemIDs  []string `json:"changed_item_ids"`
}

func (h *httpHandler) handleApplySync(c *gin.Context) {
	userID, deviceID, ok := h.identity(c)
	if !ok {
		return
	}

	var batch review.SyncBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.coordinator.ApplySyncBatch(c.Request.Context(), userID, batch)
	if err != nil {
		h.renderServiceError(c, "sync apply failed", err)
		return
	}

	changed := make([]string, 0, len(outcome.ChangedItemIDs))
	for _, itemID := range outcome.ChangedItemIDs {
		changed = append(changed, itemID.String())
	}
	if len(changed) > 0 {
		h.publishStateChange(userID.String(), deviceID.String(), changed...)
	}

	c.JSON(http.StatusOK, syncOutcomePayload{
		MergedEvents:    outcome.MergedEvents,
		DuplicateEvents: outcome.DuplicateEvents,
		ChangedItemIDs:  changed,
	})
}

func (h *httpHandler) handleExportSync(c *gin.Context) {
	userID, _, ok := h.identity(c)
	if !ok {
		return
	}

	sinceMillis := int64(0)
	if raw := strings.TrimSpace(c.Query("since_ms")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		sinceMillis = parsed
	}

	batch, err := h.coordinator.ExportBatch(c.Request.Context(), userID, sinceMillis)
	if err != nil {
		h.renderServiceError(c, "sync export failed", err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

type streamEventPayload struct {
	ItemIDs   []string `json:"itemIds"`
	Source    string   `json:"source"`
	Timestamp string   `json:"timestamp"`
}

func (h *httpHandler) handleReviewStream(c *gin.Context) {
	userID, deviceID, ok := h.identity(c)
	if !ok {
		return
	}
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID.String(), deviceID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, streamEventPayload{
				ItemIDs:   message.ItemIDs,
				Source:    realtimeSourceBackend,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}

func (h *httpHandler) publishStateChange(userID, sourceDevice string, itemIDs ...string) {
	if h.realtime == nil || len(itemIDs) == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:       userID,
		EventType:    RealtimeEventStateChanged,
		ItemIDs:      itemIDs,
		SourceDevice: sourceDevice,
		Timestamp:    time.Now().UTC(),
	})
}

// identity extracts the authenticated user and device placed in the gin
// context by authorizeRequest.
func (h *httpHandler) identity(c *gin.Context) (review.UserID, review.DeviceID, bool) {
	userID, err := review.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	deviceID, err := review.NewDeviceID(c.GetString(deviceIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		// EventSource cannot set headers; the stream endpoint passes the
		// token as a query parameter instead.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}

func parseExposure(value string) (fsrs.Exposure, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fsrs.Explicit, nil
	}
	var exposure fsrs.Exposure
	if err := exposure.UnmarshalText([]byte(trimmed)); err != nil {
		return 0, err
	}
	return exposure, nil
}

func (h *httpHandler) renderServiceError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, fsrs.ErrInvalidGrade):
		status, code = http.StatusBadRequest, "invalid_grade"
	case errors.Is(err, fsrs.ErrInvalidExposure):
		status, code = http.StatusBadRequest, "invalid_exposure"
	case errors.Is(err, review.ErrInvalidBatch):
		status, code = http.StatusBadRequest, "invalid_batch"
	case errors.Is(err, review.ErrUnknownItem):
		status, code = http.StatusNotFound, "unknown_item"
	case errors.Is(err, review.ErrStateNotFound):
		status, code = http.StatusNotFound, "state_not_found"
	case errors.Is(err, review.ErrItemDeleted):
		status, code = http.StatusGone, "item_deleted"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Warn(message, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
