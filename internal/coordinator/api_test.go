package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/labelfleet/internal/job"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t *testing.T, passwordHash string) (*testEnv, *gin.Engine) {
	t.Helper()
	env := newTestEnv(t)
	api := NewAPI(env.coord, passwordHash, prometheus.NewRegistry())
	return env, api.Router()
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPISubmitAndGetJob(t *testing.T) {
	_, router := newTestAPI(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", map[string]any{
		"device_id": "printer-1",
		"content":   "^XA^FDhello^FS^XZ",
		"priority":  3,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, job.StatusQueued, created.Status)
	assert.Equal(t, 3, created.Priority)

	w = doJSON(t, router, http.MethodGet, "/api/v1/jobs/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPISubmitJobUnknownDevice(t *testing.T) {
	_, router := newTestAPI(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", map[string]any{
		"device_id": "nope",
		"content":   "^XA^XZ",
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIListJobsFiltered(t *testing.T) {
	env, router := newTestAPI(t, "")
	env.submit(t, 0)
	env.submit(t, 1)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs?device_id=printer-1&status=queued", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestAPICancelJob(t *testing.T) {
	env, router := newTestAPI(t, "")
	j := env.submit(t, 0)

	w := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", j.ID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.StatusCancelled, env.status(t, j.ID))

	// Cancelling a finished job conflicts.
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", j.ID), nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPIRegisterAndListDevices(t *testing.T) {
	env, router := newTestAPI(t, "")
	env.coord.tracker.Connect("printer-1")

	w := doJSON(t, router, http.MethodPost, "/api/v1/devices", map[string]any{
		"id":           "printer-2",
		"display_name": "Backroom",
		"credential":   "super-secret-credential",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/devices", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Devices []deviceResponse `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 2)

	byID := map[string]deviceResponse{}
	for _, d := range resp.Devices {
		byID[d.ID] = d
	}
	assert.True(t, byID["printer-1"].Reachable)
	assert.False(t, byID["printer-2"].Reachable)
}

func TestAPIStats(t *testing.T) {
	env, router := newTestAPI(t, "")
	j := env.submit(t, 0)
	env.submit(t, 0)
	require.NoError(t, env.repo.UpdateStatus(context.Background(), j.ID, job.StatusCancelled))

	w := doJSON(t, router, http.MethodGet, "/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		JobsByStatus map[string]int `json:"jobs_by_status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.JobsByStatus["queued"])
	assert.Equal(t, 1, resp.JobsByStatus["cancelled"])
}

func TestAPIAuthRequiredWhenConfigured(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)
	_, router := newTestAPI(t, string(hash))

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/login", map[string]any{"password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/login", map[string]any{"password": "hunter22"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	w = doJSON(t, router, http.MethodGet, "/api/v1/jobs", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIHealthAndMetricsUnauthenticated(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)
	_, router := newTestAPI(t, string(hash))

	w := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
