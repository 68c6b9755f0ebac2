package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/database"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "router-secret"

type serverFixture struct {
	server *Server
	engine *engine.Engine
	db     *gorm.DB
}

func newServerFixture(t *testing.T, validator SessionValidator) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	registry := prometheus.NewRegistry()
	documentEngine, err := engine.New(engine.Config{
		Database:  db,
		Collector: telemetry.NewPrometheusCollector(registry),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	server, err := NewHTTPHandler(Dependencies{
		Engine:    documentEngine,
		Validator: validator,
		Metrics:   registry,
		Recorders: RecorderOptions{Interval: 0, QueueSize: 16},
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	t.Cleanup(server.Close)
	return serverFixture{server: server, engine: documentEngine, db: db}
}

func (f serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	f.server.ServeHTTP(recorder, request)
	return recorder
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func mustRawPayload(t *testing.T, payload any) json.RawMessage {
	t.Helper()
	encoded, err := document.MarshalPayload(payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return encoded
}

func layerSave(t *testing.T) saveRequestPayload {
	return saveRequestPayload{
		Title: "Poster",
		Events: []eventPayload{
			{Type: document.EventLayerCreated, Payload: mustRawPayload(t, document.LayerCreated{LayerID: "layer-1", Name: "Ink"})},
			{Type: document.EventObjectAdded, Payload: mustRawPayload(t, document.ObjectAdded{LayerID: "layer-1", Object: document.Object{ID: "obj-1", Kind: "rect"}})},
		},
	}
}

func TestHealthz(t *testing.T) {
	fixture := newServerFixture(t, nil)
	response := fixture.do(t, http.MethodGet, "/healthz", nil, nil)
	if response.Code != http.StatusOK || !strings.Contains(response.Body.String(), "ok") {
		t.Fatalf("unexpected health response %d %s", response.Code, response.Body.String())
	}
}

func TestSaveThenLoad(t *testing.T) {
	fixture := newServerFixture(t, nil)

	saved := fixture.do(t, http.MethodPost, "/documents/doc-1/save", layerSave(t), nil)
	if saved.Code != http.StatusOK {
		t.Fatalf("save failed: %d %s", saved.Code, saved.Body.String())
	}
	saveResponse := decode[saveResponsePayload](t, saved)
	if !saveResponse.Created || len(saveResponse.Sequences) != 2 || saveResponse.FormatVersion != document.CurrentFormatVersion {
		t.Fatalf("unexpected save response: %+v", saveResponse)
	}

	loaded := fixture.do(t, http.MethodGet, "/documents/doc-1", nil, nil)
	if loaded.Code != http.StatusOK {
		t.Fatalf("load failed: %d %s", loaded.Code, loaded.Body.String())
	}
	loadResponse := decode[loadResponsePayload](t, loaded)
	if loadResponse.Title != "Poster" || loadResponse.Telemetry.EventsReplayed != 2 || loadResponse.Telemetry.EventCount != 2 {
		t.Fatalf("unexpected load response: %+v", loadResponse)
	}
	if _, ok := loadResponse.State.FindLayer("layer-1"); !ok {
		t.Fatalf("expected layer in loaded state: %+v", loadResponse.State)
	}

	metrics := fixture.do(t, http.MethodGet, "/metrics", nil, nil)
	if !strings.Contains(metrics.Body.String(), "sketchpad_loads_total") {
		t.Fatalf("expected load metrics to be exported")
	}
}

func TestLoadMapsFaultsToStatus(t *testing.T) {
	fixture := newServerFixture(t, nil)

	missing := fixture.do(t, http.MethodGet, "/documents/nobody", nil, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}

	fixture.do(t, http.MethodPost, "/documents/doc-future/save", layerSave(t), nil)
	if err := fixture.db.Model(&store.Metadata{}).Where("document_id = ?", "doc-future").Update("format_version", 99).Error; err != nil {
		t.Fatalf("bump version: %v", err)
	}
	future := fixture.do(t, http.MethodGet, "/documents/doc-future", nil, nil)
	if future.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", future.Code)
	}
	body := decode[map[string]string](t, future)
	if !strings.Contains(body["message"], "format 99") || !strings.HasSuffix(body["error"], "unsupportedVersion") {
		t.Fatalf("unexpected error body: %+v", body)
	}

	blank := fixture.do(t, http.MethodGet, "/documents/%20", nil, nil)
	if blank.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank id, got %d", blank.Code)
	}
}

func TestEventsRange(t *testing.T) {
	fixture := newServerFixture(t, nil)
	fixture.do(t, http.MethodPost, "/documents/doc-1/save", layerSave(t), nil)

	response := fixture.do(t, http.MethodGet, "/documents/doc-1/events?from=1&to=1", nil, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("events failed: %d %s", response.Code, response.Body.String())
	}
	body := decode[struct {
		Events []eventRecordPayload `json:"events"`
	}](t, response)
	if len(body.Events) != 1 || body.Events[0].Sequence != 1 || body.Events[0].Type != document.EventObjectAdded {
		t.Fatalf("unexpected events: %+v", body.Events)
	}

	invalid := fixture.do(t, http.MethodGet, "/documents/doc-1/events?from=minus", nil, nil)
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad range, got %d", invalid.Code)
	}

	for _, query := range []string{"from=9223372036854775808", "from=0&to=18446744073709551615"} {
		outOfRange := fixture.do(t, http.MethodGet, "/documents/doc-1/events?"+query, nil, nil)
		if outOfRange.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d %s", query, outOfRange.Code, outOfRange.Body.String())
		}
	}
}

func TestRecordAppendsInBackground(t *testing.T) {
	fixture := newServerFixture(t, nil)
	fixture.do(t, http.MethodPost, "/documents/doc-1/save", layerSave(t), nil)

	moved := eventPayload{Type: document.EventObjectMoved, Payload: mustRawPayload(t, document.ObjectMoved{LayerID: "layer-1", ObjectID: "obj-1", X: 5, Y: 6})}
	response := fixture.do(t, http.MethodPost, "/documents/doc-1/events", moved, nil)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", response.Code, response.Body.String())
	}
	body := decode[map[string]string](t, response)
	if body["outcome"] != "emitted" || !strings.HasPrefix(body["session_id"], "session-") {
		t.Fatalf("unexpected record response: %+v", body)
	}

	flushed := fixture.do(t, http.MethodPost, "/documents/doc-1/events/flush", nil, nil)
	if flushed.Code != http.StatusOK {
		t.Fatalf("flush failed: %d", flushed.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		count, err := fixture.engine.Store().Events().Count(context.Background(), "doc-1")
		if err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if count == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorded event was not appended, count=%d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	unknown := fixture.do(t, http.MethodPost, "/documents/nobody/events", moved, nil)
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", unknown.Code)
	}
	empty := fixture.do(t, http.MethodPost, "/documents/doc-1/events", eventPayload{}, nil)
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", empty.Code)
	}
}

func TestAuthenticatedRequestsStampUser(t *testing.T) {
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "sketchpad",
		CookieName:    "sketchpad_session",
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	fixture := newServerFixture(t, validator)

	unauthorized := fixture.do(t, http.MethodPost, "/documents/doc-1/save", layerSave(t), nil)
	if unauthorized.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", unauthorized.Code)
	}

	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: "user-42",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sketchpad",
			Subject:   "user-42",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}

	saved := fixture.do(t, http.MethodPost, "/documents/doc-1/save", layerSave(t), headers)
	if saved.Code != http.StatusOK {
		t.Fatalf("save failed: %d %s", saved.Code, saved.Body.String())
	}
	events, err := fixture.engine.Events(context.Background(), "doc-1", 0, nil)
	if err != nil || len(events) != 2 || events[0].UserID != "user-42" {
		t.Fatalf("expected user id stamped on saved events, got %+v (%v)", events, err)
	}

	if health := fixture.do(t, http.MethodGet, "/healthz", nil, nil); health.Code != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", health.Code)
	}
}
