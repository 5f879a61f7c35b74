package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medsched/internal/config"
	"medsched/internal/engine"
	"medsched/internal/schedule"
	"medsched/internal/store"
)

func newTestServer(t *testing.T, auth *config.BasicAuthConfig) *httptest.Server {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.BasicAuth = auth

	now := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	svc := schedule.NewService(st, engine.New(engine.Options{Location: time.UTC}),
		schedule.WithClock(func() time.Time { return now }))

	ts := httptest.NewServer(NewServer(cfg, svc).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestServer_EndToEnd(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.URL + "/api/users/user_123"

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = do(t, http.MethodPost, base+"/medications",
		`{"name":"Metformin","dosage":"500mg","start_date":"2024-01-01","recurrence":"daily","fixed_times":["08:00","20:00"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var med struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(body, &med))
	assert.NotEmpty(t, med.ID)
	assert.Equal(t, "user_123", med.UserID)

	resp, body = do(t, http.MethodGet, base+"/medications", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meds struct {
		Medications []json.RawMessage `json:"medications"`
	}
	require.NoError(t, json.Unmarshal(body, &meds))
	assert.Len(t, meds.Medications, 1)

	resp, body = do(t, http.MethodGet, base+"/today", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var day struct {
		Date        string `json:"date"`
		Pending     int    `json:"pending"`
		Occurrences []struct {
			MedicationID  string `json:"medication_id"`
			ScheduledDate string `json:"scheduled_date"`
			ScheduledTime string `json:"scheduled_time"`
			State         string `json:"state"`
		} `json:"occurrences"`
		Groups []struct {
			Time string `json:"time"`
		} `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(body, &day))
	assert.Equal(t, "2024-01-05", day.Date)
	assert.Equal(t, 1, day.Pending)
	require.Len(t, day.Occurrences, 2)
	assert.Equal(t, "08:00", day.Occurrences[0].ScheduledTime)
	assert.Equal(t, "takeable", day.Occurrences[0].State)
	assert.Equal(t, "future", day.Occurrences[1].State)
	require.Len(t, day.Groups, 2)
	assert.Equal(t, "20:00", day.Groups[1].Time)

	resp, body = do(t, http.MethodGet, base+"/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"pending":1}`, string(body))

	resp, body = do(t, http.MethodPost, base+"/confirmations", `{"medication_id":"`+med.ID+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, base+"/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"pending":0}`, string(body))

	resp, body = do(t, http.MethodGet, base+"/today?date=2024-01-04", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &day))
	assert.Equal(t, 2, day.Pending)

	resp, body = do(t, http.MethodGet, base+"/occurrences?from=2024-01-05&to=2024-01-06", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var occs struct {
		Occurrences []json.RawMessage `json:"occurrences"`
	}
	require.NoError(t, json.Unmarshal(body, &occs))
	assert.Len(t, occs.Occurrences, 3)

	resp, body = do(t, http.MethodPost, base+"/materialize", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mat schedule.MaterializeResult
	require.NoError(t, json.Unmarshal(body, &mat))
	assert.Equal(t, int64(59), mat.Inserted)

	resp, body = do(t, http.MethodGet, base+"/calendar.ics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/calendar")
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 59)
	assert.Equal(t, "Metformin 500mg", events[0].GetProperty(ical.ComponentPropertySummary).Value)

	// Materialised rows pick up later confirmations.
	resp, body = do(t, http.MethodPost, base+"/confirmations", `{"medication_id":"`+med.ID+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = do(t, http.MethodPost, base+"/confirmations",
		`{"medication_id":"`+med.ID+`","date":"2024-01-06","skipped":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, base+"/schedule?from=2024-01-05&to=2024-01-06", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var sched struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Doses []struct {
			MedicationID  string `json:"medication_id"`
			ScheduledDate string `json:"scheduled_date"`
			ScheduledTime string `json:"scheduled_time"`
			Status        string `json:"status"`
		} `json:"doses"`
	}
	require.NoError(t, json.Unmarshal(body, &sched))
	assert.Equal(t, "2024-01-05", sched.From)
	assert.Equal(t, "2024-01-06", sched.To)
	require.Len(t, sched.Doses, 3)
	assert.Equal(t, med.ID, sched.Doses[0].MedicationID)
	assert.Equal(t, "20:00", sched.Doses[0].ScheduledTime)
	assert.Equal(t, "taken", sched.Doses[0].Status)
	assert.Equal(t, "2024-01-06", sched.Doses[1].ScheduledDate)
	assert.Equal(t, "skipped", sched.Doses[1].Status)
	assert.Equal(t, "skipped", sched.Doses[2].Status)

	resp, body = do(t, http.MethodGet, base+"/schedule", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &sched))
	assert.Equal(t, "2024-01-11", sched.To)
	assert.Len(t, sched.Doses, 13)

	resp, _ = do(t, http.MethodDelete, base+"/medications/"+med.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, base+"/medications/"+med.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, base+"/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"pending":0}`, string(body))
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.URL + "/api/users/user_123"

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad date", http.MethodGet, "/today?date=tomorrow", "", http.StatusBadRequest},
		{"bad from", http.MethodGet, "/occurrences?from=x", "", http.StatusBadRequest},
		{"bad schedule to", http.MethodGet, "/schedule?to=soon", "", http.StatusBadRequest},
		{"reversed schedule range", http.MethodGet, "/schedule?from=2024-02-01&to=2024-01-01", "", http.StatusBadRequest},
		{"reversed range", http.MethodGet, "/occurrences?from=2024-02-01&to=2024-01-01", "", http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/medications", `{"name":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/medications", `{"colour":"red"}`, http.StatusBadRequest},
		{"invalid medication", http.MethodPost, "/medications", `{"name":"x","recurrence":"daily"}`, http.StatusBadRequest},
		{"missing medication id", http.MethodPost, "/confirmations", `{}`, http.StatusBadRequest},
		{"unknown medication", http.MethodPost, "/confirmations", `{"medication_id":"nope"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, tc.method, base+tc.path, tc.body)
			assert.Equal(t, tc.want, resp.StatusCode, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestServer_BasicAuth(t *testing.T) {
	ts := newTestServer(t, &config.BasicAuthConfig{Username: "admin", Password: "secret"})

	resp, _ := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/users/u/pending", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/users/u/pending", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("abc", "abc"))
	assert.False(t, secureCompare("abc", "abd"))
	assert.False(t, secureCompare("abc", "abcd"))
}
