package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"overwatch/alarm"
	"overwatch/core"
	"overwatch/rules"
	"overwatch/service"
	"overwatch/storage"
)

type apiFixture struct {
	server *Server
	router http.Handler
	alarms *alarm.Service
	store  *storage.Memory
}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	store := storage.NewMemory()
	logger := zap.NewNop().Sugar()
	alarms := alarm.NewService(store, nil, logger)
	engine := rules.NewEngine(store, logger)
	ruleSvc := service.NewRuleService(store, engine, nil, logger)
	srv := NewServer(cfg, alarms, ruleSvc, nil, logger)
	return &apiFixture{server: srv, router: srv.Router(), alarms: alarms, store: store}
}

func (f *apiFixture) createAlarm(t *testing.T, severity core.Severity) *core.Alarm {
	t.Helper()
	e := core.NewEvent()
	e.Tenant = "acme"
	e.Site = "hq"
	e.Source = core.Source{Type: "motion", Subtype: "tailgate"}
	e.Location = core.Location{AreaID: "lobby"}
	e.Severity = severity
	e.ObservedAt = time.Now().UTC()
	a, err := f.alarms.CreateFromEvent(context.Background(), e)
	require.NoError(t, err)
	return a
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Actor", "tester")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeAlarm(t *testing.T, rec *httptest.ResponseRecorder) *core.Alarm {
	t.Helper()
	var a core.Alarm
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return &a
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_ListAlarms(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.createAlarm(t, core.SeverityMajor)
	f.createAlarm(t, core.SeverityInfo)

	rec := f.do(t, http.MethodGet, "/api/v1/alarms", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Items []core.Alarm `json:"items"`
		Total int64        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 2)
	assert.Equal(t, int64(2), resp.Total)

	rec = f.do(t, http.MethodGet, "/api/v1/alarms?severity=major", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 1)
}

func TestAPI_ListAlarms_BadFilters(t *testing.T) {
	f := newAPIFixture(t, Config{})
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/alarms?state=LIMBO", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/alarms?severity=huge", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/alarms?from=yesterday", nil).Code)
}

func TestAPI_GetAlarm(t *testing.T) {
	f := newAPIFixture(t, Config{})
	a := f.createAlarm(t, core.SeverityMajor)

	rec := f.do(t, http.MethodGet, "/api/v1/alarms/"+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.ID, decodeAlarm(t, rec).ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/alarms/nope", nil).Code)
}

func TestAPI_AlarmLifecycle(t *testing.T) {
	f := newAPIFixture(t, Config{})
	a := f.createAlarm(t, core.SeverityMajor)

	rec := f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAlarm(t, rec)
	assert.Equal(t, core.StateTriage, got.State)
	assert.Equal(t, "tester", got.History[len(got.History)-1].Actor)

	rec = f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/transition",
		map[string]string{"to": "ACTIVE", "note": "investigating"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StateActive, decodeAlarm(t, rec).State)

	// Illegal transition maps to conflict.
	rec = f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/transition",
		map[string]string{"to": "NEW"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown target state is a validation failure.
	rec = f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/transition",
		map[string]string{"to": "LIMBO"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_SuppressRequiresReason(t *testing.T) {
	f := newAPIFixture(t, Config{})
	a := f.createAlarm(t, core.SeverityMajor)

	rec := f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/suppress", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/suppress",
		map[string]string{"reason": "scheduled maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StateSuppressed, decodeAlarm(t, rec).State)
}

func TestAPI_Snooze(t *testing.T) {
	f := newAPIFixture(t, Config{})
	a := f.createAlarm(t, core.SeverityMajor)

	rec := f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/snooze",
		map[string]string{"duration": "whenever"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/snooze",
		map[string]string{"duration": "30m", "note": "waiting on badge logs"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAlarm(t, rec)
	assert.Equal(t, core.StateSnoozed, got.State)
	assert.False(t, got.SnoozeUntil.IsZero())
}

func TestAPI_AssignSeverityWatchersNotes(t *testing.T) {
	f := newAPIFixture(t, Config{})
	a := f.createAlarm(t, core.SeverityMinor)

	rec := f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/assign",
		map[string]string{"assignee": "operator-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator-7", decodeAlarm(t, rec).Assignee)

	rec = f.do(t, http.MethodPut, "/api/v1/alarms/"+a.ID+"/severity",
		map[string]string{"severity": "critical"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.SeverityCritical, decodeAlarm(t, rec).Severity)

	rec = f.do(t, http.MethodPut, "/api/v1/alarms/"+a.ID+"/severity",
		map[string]string{"severity": "apocalyptic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/watchers",
		map[string]string{"identity": "ops@acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ops@acme"}, decodeAlarm(t, rec).Watchers)

	rec = f.do(t, http.MethodDelete, "/api/v1/alarms/"+a.ID+"/watchers/ops@acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeAlarm(t, rec).Watchers)

	rec = f.do(t, http.MethodPost, "/api/v1/alarms/"+a.ID+"/notes",
		map[string]string{"note": "checked the feed"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_RuleCRUD(t *testing.T) {
	f := newAPIFixture(t, Config{})

	ruleYAML := `
id: api-rule
name: Created via API
when:
  all:
    - {field: event.severity, op: "==", value: major}
then:
  - notify: {channels: [console]}
`
	rec := f.do(t, http.MethodPost, "/api/v1/rules", ruleYAML)
	require.Equal(t, http.StatusCreated, rec.Code)

	var rule core.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, "api-rule", rule.ID)
	assert.True(t, rule.Enabled)

	// Duplicate create conflicts.
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/rules", ruleYAML).Code)

	// Malformed YAML is a validation failure.
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/rules", "then: []").Code)

	rec = f.do(t, http.MethodGet, "/api/v1/rules/api-rule", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []core.Rule `json:"items"`
		Total int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = f.do(t, http.MethodPost, "/api/v1/rules/api-rule/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.False(t, rule.Enabled)

	updated := strings.Replace(ruleYAML, "Created via API", "Renamed via API", 1)
	rec = f.do(t, http.MethodPut, "/api/v1/rules/api-rule", updated)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, "Renamed via API", rule.Name)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/rules/api-rule", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/rules/api-rule", nil).Code)
}

func TestAPI_AuthRequired(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	f := newAPIFixture(t, Config{AuthEnabled: true, JWTSecret: secret})

	// Health stays open.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := f.do(t, http.MethodGet, "/api/v1/alarms", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := f.server.auth.IssueToken("operator-1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alarms", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authed := httptest.NewRecorder()
	f.router.ServeHTTP(authed, req)
	assert.Equal(t, http.StatusOK, authed.Code)

	// A token signed with a different secret is rejected.
	other := NewAuth("ffffffffffffffffffffffffffffffff")
	bad, err := other.IssueToken("intruder", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/alarms", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	denied := httptest.NewRecorder()
	f.router.ServeHTTP(denied, req)
	assert.Equal(t, http.StatusUnauthorized, denied.Code)
}

func TestAPI_RateLimit(t *testing.T) {
	f := newAPIFixture(t, Config{RateLimit: 3, RateWindow: time.Minute})

	var last int
	for i := 0; i < 10; i++ {
		last = f.do(t, http.MethodGet, "/healthz", nil).Code
		if last == http.StatusTooManyRequests {
			break
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
