// Package server hosts the document engine over HTTP for a local drawing front-end.
package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/recorder"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "sketchpad_user_id"
	documentIDParam  = "id"
)

var (
	errMissingEngine        = errors.New("engine dependency required")
	errInvalidAuthorization = errors.New("authorization header or session cookie missing or invalid")
	errSequenceOutOfRange   = errors.New("sequence exceeds the stored range")
)

// SessionValidator authenticates requests. *auth.SessionValidator satisfies it.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Engine *engine.Engine
	// Validator is optional; without it requests are anonymous.
	Validator SessionValidator
	// Metrics defaults to prometheus.DefaultGatherer.
	Metrics   prometheus.Gatherer
	Recorders RecorderOptions
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Server is an http.Handler that owns the live recorders it creates.
type Server struct {
	router    *gin.Engine
	recorders *recorderPool
}

// NewHTTPHandler builds the router.
func NewHTTPHandler(deps Dependencies) (*Server, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	gatherer := deps.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	handler := &httpHandler{
		engine:    deps.Engine,
		validator: deps.Validator,
		recorders: newRecorderPool(deps.Engine, deps.Recorders, logger, clock),
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	documents := router.Group("/documents")
	documents.Use(handler.authorizeRequest)
	documents.GET("/:"+documentIDParam, handler.handleLoad)
	documents.POST("/:"+documentIDParam+"/save", handler.handleSave)
	documents.GET("/:"+documentIDParam+"/events", handler.handleEvents)
	documents.POST("/:"+documentIDParam+"/events", handler.handleRecord)
	documents.POST("/:"+documentIDParam+"/events/flush", handler.handleFlush)

	return &Server{router: router, recorders: handler.recorders}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops every live recorder after its queued events are appended.
func (s *Server) Close() {
	s.recorders.close()
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	engine    *engine.Engine
	validator SessionValidator
	recorders *recorderPool
	logger    *zap.Logger
}

type eventPayload struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	TimestampMs    int64           `json:"timestamp_ms,omitempty"`
	UndoGroupID    string          `json:"undo_group_id,omitempty"`
	UndoGroupStart bool            `json:"undo_group_start,omitempty"`
	UndoGroupEnd   bool            `json:"undo_group_end,omitempty"`
}

type eventRecordPayload struct {
	Sequence           uint64          `json:"sequence"`
	Type               string          `json:"type"`
	Payload            json.RawMessage `json:"payload"`
	TimestampMs        int64           `json:"timestamp_ms"`
	SamplingIntervalMs *int64          `json:"sampling_interval_ms,omitempty"`
	UndoGroupID        string          `json:"undo_group_id,omitempty"`
	UndoGroupStart     bool            `json:"undo_group_start,omitempty"`
	UndoGroupEnd       bool            `json:"undo_group_end,omitempty"`
	UserID             string          `json:"user_id,omitempty"`
	SessionID          string          `json:"session_id,omitempty"`
}

type saveRequestPayload struct {
	Title  string         `json:"title"`
	Events []eventPayload `json:"events"`
}

type saveResponsePayload struct {
	DocumentID        string   `json:"document_id"`
	Created           bool     `json:"created"`
	FormatVersion     int      `json:"format_version"`
	Sequences         []uint64 `json:"sequences"`
	SnapshotSequences []uint64 `json:"snapshot_sequences"`
	CheckpointError   string   `json:"checkpoint_error,omitempty"`
}

type loadTelemetryPayload struct {
	FileSize          int64 `json:"file_size"`
	DurationMs        int64 `json:"duration_ms"`
	EventCount        int64 `json:"event_count"`
	EventsReplayed    int   `json:"events_replayed"`
	SnapshotUsed      bool  `json:"snapshot_used"`
	SkippedEventCount int   `json:"skipped_event_count"`
	Migrated          bool  `json:"migrated"`
}

type warningPayload struct {
	Sequence uint64 `json:"sequence"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
}

type loadResponsePayload struct {
	DocumentID    string               `json:"document_id"`
	Title         string               `json:"title"`
	FormatVersion int                  `json:"format_version"`
	State         document.State       `json:"state"`
	Telemetry     loadTelemetryPayload `json:"telemetry"`
	Warnings      []warningPayload     `json:"warnings"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleLoad(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	result, err := h.engine.Load(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "load", err)
		return
	}

	response := loadResponsePayload{
		DocumentID:    documentID.String(),
		Title:         result.Metadata.Title,
		FormatVersion: result.Metadata.FormatVersion,
		State:         result.State,
		Telemetry: loadTelemetryPayload{
			FileSize:          result.Telemetry.FileSize,
			DurationMs:        result.Telemetry.Duration.Milliseconds(),
			EventCount:        result.Telemetry.EventCount,
			EventsReplayed:    result.Telemetry.EventsReplayed,
			SnapshotUsed:      result.Telemetry.SnapshotUsed,
			SkippedEventCount: result.Telemetry.SkippedEventCount,
			Migrated:          result.Telemetry.Migrated,
		},
		Warnings: make([]warningPayload, 0, len(result.Warnings)),
	}
	for _, skipped := range result.Warnings {
		response.Warnings = append(response.Warnings, warningPayload{Sequence: skipped.Sequence, Type: skipped.Type, Reason: skipped.Reason})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSave(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := c.GetString(userIDContextKey)
	events := make([]store.NewEvent, 0, len(request.Events))
	for _, event := range request.Events {
		converted := event.toNewEvent()
		converted.UserID = userID
		events = append(events, converted)
	}

	result, err := h.engine.Save(c.Request.Context(), engine.SaveRequest{
		DocumentID: documentID,
		Title:      request.Title,
		Events:     events,
	})
	if err != nil {
		h.respondError(c, "save", err)
		return
	}

	response := saveResponsePayload{
		DocumentID:        documentID.String(),
		Created:           result.Created,
		FormatVersion:     result.Metadata.FormatVersion,
		Sequences:         result.Sequences,
		SnapshotSequences: make([]uint64, 0, len(result.Snapshots)),
	}
	if response.Sequences == nil {
		response.Sequences = []uint64{}
	}
	for _, snapshot := range result.Snapshots {
		response.SnapshotSequences = append(response.SnapshotSequences, snapshot.Sequence)
	}
	if result.CheckpointError != nil {
		response.CheckpointError = faults.Message(result.CheckpointError)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	from, err := parseSequence(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from"})
		return
	}
	var to *uint64
	if raw := c.Query("to"); raw != "" {
		parsed, err := parseSequence(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to"})
			return
		}
		to = &parsed
	}

	records, err := h.engine.Events(c.Request.Context(), documentID, from, to)
	if err != nil {
		h.respondError(c, "events", err)
		return
	}
	response := make([]eventRecordPayload, 0, len(records))
	for _, record := range records {
		response = append(response, eventRecordPayload{
			Sequence:           record.Sequence,
			Type:               record.Type,
			Payload:            record.Payload,
			TimestampMs:        record.TimestampMs,
			SamplingIntervalMs: record.SamplingIntervalMs,
			UndoGroupID:        record.UndoGroupID,
			UndoGroupStart:     record.UndoGroupStart,
			UndoGroupEnd:       record.UndoGroupEnd,
			UserID:             record.UserID,
			SessionID:          record.SessionID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": response})
}

func (h *httpHandler) handleRecord(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request eventPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Type) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := c.GetString(userIDContextKey)
	live, exists := h.recorders.lookup(documentID, userID)
	if !exists {
		found, err := h.engine.Store().Metadata().Exists(c.Request.Context(), documentID)
		if err != nil {
			h.respondError(c, "record", err)
			return
		}
		if !found {
			h.respondError(c, "record", faults.NotFound("server.record", faults.ReasonDocumentNotFound, nil))
			return
		}
		live, err = h.recorders.get(documentID, userID)
		if err != nil {
			h.respondRecorderError(c, err)
			return
		}
	}

	outcome, err := live.Record(request.toNewEvent())
	if err != nil {
		h.respondRecorderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"outcome": outcome.String(), "session_id": live.SessionID()})
}

func (h *httpHandler) handleFlush(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	live, exists := h.recorders.lookup(documentID, c.GetString(userIDContextKey))
	if !exists {
		c.JSON(http.StatusOK, gin.H{"flushed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": live.Flush()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.validator == nil {
		c.Next()
		return
	}
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) documentID(c *gin.Context) (document.ID, bool) {
	documentID, err := document.NewID(c.Param(documentIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	if fault, ok := faults.As(err); ok {
		code = fault.Code()
		switch fault.Kind() {
		case faults.KindNotFound:
			status = http.StatusNotFound
		case faults.KindValidation:
			status = http.StatusUnprocessableEntity
		case faults.KindCorruption:
			status = http.StatusInternalServerError
		case faults.KindIO:
			status = http.StatusServiceUnavailable
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("document request failed", zap.String("operation", operation), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "message": faults.Message(err)})
}

func (h *httpHandler) respondRecorderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, recorder.ErrPaused):
		c.JSON(http.StatusConflict, gin.H{"error": "document_busy"})
	case errors.Is(err, recorder.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
	default:
		h.logger.Error("recorder unavailable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recorder_unavailable"})
	}
}

func (p eventPayload) toNewEvent() store.NewEvent {
	return store.NewEvent{
		Type:           p.Type,
		Payload:        p.Payload,
		TimestampMs:    p.TimestampMs,
		UndoGroupID:    p.UndoGroupID,
		UndoGroupStart: p.UndoGroupStart,
		UndoGroupEnd:   p.UndoGroupEnd,
	}
}

func parseSequence(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	sequence, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if sequence > math.MaxInt64 {
		return 0, errSequenceOutOfRange
	}
	return sequence, nil
}
