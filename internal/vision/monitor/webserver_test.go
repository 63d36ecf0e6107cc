package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
	"github.com/kestrel-vision/kestrel/internal/vision/detect"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

func seededServer(t *testing.T) *WebServer {
	t.Helper()
	tracker, err := track.NewTracker(track.Config{
		MinIoU:           0.1,
		HitsToConfirm:    2,
		MaxMisses:        2,
		LostGraceFrames:  2,
		MaxTracks:        100,
		MaxHistoryLength: 100,
	})
	require.NoError(t, err)

	classifier, err := behavior.NewClassifier(behavior.Config{WindowSize: 10, DebounceCount: 1}, nil)
	require.NoError(t, err)

	// Two frames confirm one person track.
	d := detect.Detection{Box: detect.BBox{X: 10, Y: 10, W: 20, H: 20}, Label: "person", Confidence: 0.9}
	_, err = tracker.Update([]detect.Detection{d}, 1e9)
	require.NoError(t, err)
	_, err = tracker.Update([]detect.Detection{d}, 2e9)
	require.NoError(t, err)

	return NewWebServer(WebServerConfig{
		Address:    ":0",
		Tracker:    tracker,
		Classifier: classifier,
		Events:     NewBroadcaster(),
	})
}

func get(t *testing.T, ws *WebServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := ws.SetupRoutes(http.NewServeMux())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// ---------------------------------------------------------------------------
// JSON endpoints
// ---------------------------------------------------------------------------

func TestWebServerEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("health", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status": "ok"`)
	})

	t.Run("tracks lists the live set", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/api/tracks")
		require.Equal(t, http.StatusOK, rec.Code)

		var tracks []trackSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tracks))
		require.Len(t, tracks, 1)
		assert.Equal(t, int64(1), tracks[0].ID)
		assert.Equal(t, "person", tracks[0].Label)
		assert.Equal(t, "confirmed", tracks[0].Status)
	})

	t.Run("tracks filters by status", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/api/tracks?status=confirmed")
		require.Equal(t, http.StatusOK, rec.Code)
		var tracks []trackSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tracks))
		assert.Len(t, tracks, 1)
	})

	t.Run("track by id", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/api/tracks/1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":1`)
	})

	t.Run("unknown track id is 404", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/api/tracks/99")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed track id is 400", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/api/tracks/banana")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stats includes tracker metrics", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/api/stats")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Contains(t, resp, "tracker")

		var m track.Metrics
		require.NoError(t, json.Unmarshal(resp["tracker"], &m))
		assert.Equal(t, int64(2), m.FramesProcessed)
		assert.Equal(t, 1, m.ActiveTracks)
	})

	t.Run("recent events without a store is an error", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/api/events/recent")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

// ---------------------------------------------------------------------------
// Status page and debug charts
// ---------------------------------------------------------------------------

func TestStatusAndCharts(t *testing.T) {
	t.Parallel()

	t.Run("status page renders", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "kestrel")
	})

	t.Run("unknown path is 404", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("tracks chart renders html", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/debug/charts/tracks")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	})

	t.Run("trails plot renders png", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/debug/trails.png")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.NotEmpty(t, rec.Body.Bytes())
	})

	t.Run("events chart without a store is unavailable", func(t *testing.T) {
		t.Parallel()
		rec := get(t, seededServer(t), "/debug/charts/events")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("charts report empty track sets as json errors", func(t *testing.T) {
		t.Parallel()
		tracker, err := track.NewTracker(track.Config{
			MinIoU:           0.1,
			HitsToConfirm:    2,
			MaxMisses:        2,
			LostGraceFrames:  2,
			MaxTracks:        100,
			MaxHistoryLength: 100,
		})
		require.NoError(t, err)
		ws := NewWebServer(WebServerConfig{Address: ":0", Tracker: tracker})

		for _, path := range []string{"/debug/charts/tracks", "/debug/trails.png"} {
			rec := get(t, ws, path)
			assert.Equal(t, http.StatusNotFound, rec.Code, path)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json", path)
			assert.Contains(t, rec.Body.String(), "no live tracks", path)
		}
	})
}
