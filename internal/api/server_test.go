package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modelstore/internal/cache"
	"modelstore/internal/engine"
	"modelstore/internal/eventlog"
	"modelstore/internal/model"
	"modelstore/internal/reader"
	"modelstore/internal/state"
)

func newTestServer(t *testing.T, devMode bool) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	log, err := eventlog.Open(filepath.Join(dir, "events.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	st, err := state.Open(filepath.Join(dir, "state.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	ch, err := cache.New(128, clock.New(), reg)
	require.NoError(t, err)

	w := engine.New(log, st, ch, model.Permissive(), zap.NewNop(), clock.New(), reg)
	rd := reader.New(st, ch, log)

	srv := httptest.NewServer(NewServer(w, rd, ch, zap.NewNop(), reg, devMode))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func writeBody(mutations ...map[string]any) map[string]any {
	return map[string]any{"mutations": mutations}
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	srv := newTestServer(t, false)

	resp, body := postJSON(t, srv.URL+"/v1/write", writeBody(
		map[string]any{"kind": "create", "fqid": "users/1", "fields": map[string]any{"name": "A"}},
	))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var wr struct {
		Position model.Position `json:"position"`
	}
	require.NoError(t, json.Unmarshal(body, &wr))
	require.Equal(t, model.Position(1), wr.Position)

	resp, body = postJSON(t, srv.URL+"/v1/read/get", map[string]any{"fqid": "users/1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec model.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	require.Equal(t, model.Position(1), rec.Position)
	require.JSONEq(t, `"A"`, string(rec.Fields["name"]))

	resp, _ = postJSON(t, srv.URL+"/v1/read/get", map[string]any{"fqid": "users/404"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConflictEnvelope(t *testing.T) {
	srv := newTestServer(t, false)

	resp, _ := postJSON(t, srv.URL+"/v1/write", writeBody(
		map[string]any{"kind": "create", "fqid": "users/1", "fields": map[string]any{"name": "A"}},
	))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = postJSON(t, srv.URL+"/v1/write", writeBody(
		map[string]any{"kind": "update", "fqid": "users/1", "expected_position": 1,
			"fields": map[string]any{"name": "B"}},
	))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/v1/write", writeBody(
		map[string]any{"kind": "update", "fqid": "users/1", "expected_position": 1,
			"fields": map[string]any{"name": "C"}},
	))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var envelope struct {
		Error struct {
			Code     string         `json:"code"`
			Fqid     model.Fqid     `json:"fqid"`
			Expected model.Position `json:"expected_position"`
			Actual   model.Position `json:"actual_position"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Equal(t, model.EConflict, envelope.Error.Code)
	require.Equal(t, model.Fqid("users/1"), envelope.Error.Fqid)
	require.Equal(t, model.Position(1), envelope.Error.Expected)
	require.Equal(t, model.Position(2), envelope.Error.Actual)
}

func TestValidationEnvelope(t *testing.T) {
	srv := newTestServer(t, false)

	resp, body := postJSON(t, srv.URL+"/v1/write", writeBody(
		map[string]any{"kind": "create", "fqid": "not-an-fqid"},
	))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), model.EValidation)

	resp, _ = postJSON(t, srv.URL+"/v1/write", map[string]any{"bogus": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetManyAndFilter(t *testing.T) {
	srv := newTestServer(t, false)

	resp, _ := postJSON(t, srv.URL+"/v1/write", writeBody(
		map[string]any{"kind": "create", "fqid": "users/1", "fields": map[string]any{"age": 30}},
		map[string]any{"kind": "create", "fqid": "users/2", "fields": map[string]any{"age": 40}},
	))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/v1/read/get_many",
		map[string]any{"fqids": []string{"users/1", "users/2", "users/9"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var many map[model.Fqid]model.Record
	require.NoError(t, json.Unmarshal(body, &many))
	require.Len(t, many, 2)

	resp, body = postJSON(t, srv.URL+"/v1/read/filter",
		map[string]any{"collection": "users", "field": "age", "value": 40})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var filtered struct {
		Records []model.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(body, &filtered))
	require.Len(t, filtered.Records, 1)
	require.Equal(t, model.Fqid("users/2"), filtered.Records[0].Fqid)
}

func TestGetEverything(t *testing.T) {
	srv := newTestServer(t, false)

	resp, _ := postJSON(t, srv.URL+"/v1/write", writeBody(
		map[string]any{"kind": "create", "fqid": "users/1"},
		map[string]any{"kind": "create", "fqid": "groups/1"},
	))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/v1/read/get_everything", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var everything map[string][]model.Record
	require.NoError(t, json.Unmarshal(body, &everything))
	require.Len(t, everything, 2)
}

func TestChangesLongPoll(t *testing.T) {
	srv := newTestServer(t, false)

	// Nothing committed yet: a short wait times out with 204.
	resp, err := http.Get(srv.URL + "/v1/changes?since=0&timeout=50ms")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A write within the window is delivered.
	type result struct {
		status int
		body   []byte
	}
	results := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/v1/changes?since=0&timeout=5s")
		if err != nil {
			results <- result{}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		results <- result{status: resp.StatusCode, body: body}
	}()

	time.Sleep(50 * time.Millisecond)
	resp2, _ := postJSON(t, srv.URL+"/v1/write", writeBody(
		map[string]any{"kind": "create", "fqid": "users/1"},
	))
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	select {
	case got := <-results:
		require.Equal(t, http.StatusOK, got.status)
		var ev model.ChangeEvent
		require.NoError(t, json.Unmarshal(got.body, &ev))
		require.Equal(t, model.Position(1), ev.Position)
	case <-time.After(3 * time.Second):
		t.Fatal("long poll did not return after write")
	}

	// Malformed parameters are rejected.
	resp, err = http.Get(srv.URL + "/v1/changes?since=abc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReserveIDsEndpoint(t *testing.T) {
	srv := newTestServer(t, false)

	resp, body := postJSON(t, srv.URL+"/v1/reserve_ids",
		map[string]any{"collection": "users", "amount": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		IDs []int `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, []int{1, 2}, out.IDs)
}

func TestTruncateGatedByDevMode(t *testing.T) {
	prod := newTestServer(t, false)
	resp, _ := postJSON(t, prod.URL+"/v1/truncate", map[string]any{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	dev := newTestServer(t, true)
	resp2, _ := postJSON(t, dev.URL+"/v1/write", writeBody(
		map[string]any{"kind": "create", "fqid": "users/1"},
	))
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	req, err := http.NewRequest(http.MethodPost, dev.URL+"/v1/truncate", nil)
	require.NoError(t, err)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	require.Equal(t, http.StatusNoContent, resp3.StatusCode)

	resp4, _ := postJSON(t, dev.URL+"/v1/read/get", map[string]any{"fqid": "users/1"})
	require.Equal(t, http.StatusNotFound, resp4.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "modelstore_writer_commits_total")
}

func TestRequestIDIsPropagated(t *testing.T) {
	srv := newTestServer(t, false)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "abc-123", resp.Header.Get("X-Request-Id"))
}

func TestChangesTooOldCarriesErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, false)

	// Push since=1 out of the notifier's retained window (256 events).
	for i := 1; i <= 260; i++ {
		resp, body := postJSON(t, srv.URL+"/v1/write", writeBody(
			map[string]any{"kind": "create", "fqid": fmt.Sprintf("items/%d", i)},
		))
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	resp, err := http.Get(srv.URL + "/v1/changes?since=1&timeout=50ms")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusGone, resp.StatusCode)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Equal(t, model.EGone, envelope.Error.Code)
	require.NotEmpty(t, envelope.Error.Message)
}
