package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/httputil"
	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/version"
	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
	"github.com/kestrel-vision/kestrel/internal/vision/pipeline"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

//go:embed status.html
var StatusHTML embed.FS

// WebServer handles the HTTP interface for monitoring the watch service.
// It provides endpoints for health checks, live track state, stored events,
// and debug charts.
type WebServer struct {
	address    string
	tracker    *track.Tracker
	classifier *behavior.Classifier
	pipeline   *pipeline.Pipeline
	db         *db.DB
	events     *Broadcaster
	server     *http.Server
	startedAt  time.Time
	logf       func(format string, v ...interface{})
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address    string
	Tracker    *track.Tracker
	Classifier *behavior.Classifier
	Pipeline   *pipeline.Pipeline
	DB         *db.DB
	Events     *Broadcaster
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    config.Address,
		tracker:    config.Tracker,
		classifier: config.Classifier,
		pipeline:   config.Pipeline,
		db:         config.DB,
		events:     config.Events,
		startedAt:  time.Now(),
		logf:       monitoring.Prefixed("Monitor"),
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.SetupRoutes(http.NewServeMux()),
	}

	return ws
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		ws.logf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	ws.logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			ws.logf("HTTP server force close error: %v", err)
		}
	}

	ws.logf("HTTP server routine stopped")
	return nil
}

// SetupRoutes configures the HTTP routes and handlers on mux and returns it.
func (ws *WebServer) SetupRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/tracks", ws.handleTracks)
	mux.HandleFunc("/api/tracks/", ws.handleTrackByID)
	mux.HandleFunc("/api/events/recent", ws.handleRecentEvents)
	mux.HandleFunc("/api/events/stream", ws.handleEventStream)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/debug/charts/tracks", ws.handleTracksChart)
	mux.HandleFunc("/debug/charts/events", ws.handleEventsChart)
	mux.HandleFunc("/debug/trails.png", ws.handleTrailsPlot)

	// The event store carries its own admin surface (live SQL console and
	// backup download under /debug/).
	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			ws.logf("failed to attach admin routes: %v", err)
		}
	}

	return mux
}

// handleHealth handles the health check endpoint.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "kestrel", "version": "%s", "timestamp": "%s"}`,
		version.Version, time.Now().UTC().Format(time.RFC3339))
}

// trackSummary is the JSON shape of one live track.
type trackSummary struct {
	ID        int64   `json:"id"`
	Label     string  `json:"label"`
	Status    string  `json:"status"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	W         float64 `json:"w"`
	H         float64 `json:"h"`
	Speed     float64 `json:"speed"`
	Age       int     `json:"age"`
	Hits      int     `json:"hits"`
	Misses    int     `json:"misses"`
	FirstSeen string  `json:"first_seen"`
	LastSeen  string  `json:"last_seen"`
}

func summarise(tr *track.Track) trackSummary {
	return trackSummary{
		ID:        tr.ID,
		Label:     tr.Label,
		Status:    string(tr.Status),
		X:         tr.Box.X,
		Y:         tr.Box.Y,
		W:         tr.Box.W,
		H:         tr.Box.H,
		Speed:     tr.Speed(),
		Age:       tr.Age,
		Hits:      tr.Hits,
		Misses:    tr.Misses,
		FirstSeen: time.Unix(0, tr.FirstUnixNanos).Format(time.RFC3339Nano),
		LastSeen:  time.Unix(0, tr.LastUnixNanos).Format(time.RFC3339Nano),
	}
}

// handleTracks returns the live track set as JSON.
// Query params:
//
//	status (optional) - "confirmed" restricts to confirmed tracks
func (ws *WebServer) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	var tracks []*track.Track
	if r.URL.Query().Get("status") == "confirmed" {
		tracks = ws.tracker.ConfirmedTracks()
	} else {
		tracks = ws.tracker.ActiveTracks()
	}

	summaries := make([]trackSummary, 0, len(tracks))
	for _, tr := range tracks {
		summaries = append(summaries, summarise(tr))
	}
	httputil.WriteJSONOK(w, summaries)
}

// handleTrackByID returns one track plus its stored events.
func (ws *WebServer) handleTrackByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	id, err := strconv.ParseInt(r.URL.Path[len("/api/tracks/"):], 10, 64)
	if err != nil {
		httputil.BadRequest(w, "invalid track id")
		return
	}

	tr := ws.tracker.GetTrack(id)
	if tr == nil {
		httputil.NotFound(w, fmt.Sprintf("no live track %d", id))
		return
	}

	resp := struct {
		Track  trackSummary     `json:"track"`
		Events []db.StoredEvent `json:"events"`
	}{Track: summarise(tr)}

	if ws.db != nil {
		events, err := ws.db.EventsForTrack(id)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("get events: %v", err))
			return
		}
		resp.Events = events
	}
	httputil.WriteJSONOK(w, resp)
}

// handleRecentEvents returns the newest stored events.
// Query params:
//
//	limit (optional, default 100)
func (ws *WebServer) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.db == nil {
		httputil.InternalServerError(w, "no database configured for event lookup")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	events, err := ws.db.RecentEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get recent events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, events)
}

// handleEventStream streams suspicion events to the client as server-sent
// events. Slow clients miss events rather than stalling the pipeline.
func (ws *WebServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if ws.events == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "event streaming not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := ws.events.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: suspicion\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleStats returns tracker metrics, pipeline counters, and event totals.
func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := map[string]interface{}{
		"uptime":  time.Since(ws.startedAt).Round(time.Second).String(),
		"tracker": ws.tracker.GetMetrics(),
	}
	if ws.pipeline != nil {
		resp["pipeline"] = ws.pipeline.GetStats()
	}
	if ws.classifier != nil {
		resp["classifier_states"] = ws.classifier.TrackedStateCount()
	}
	if ws.db != nil {
		raised, cleared, err := ws.db.EventCounts()
		if err == nil {
			resp["events"] = map[string]int64{"raised": raised, "cleared": cleared}
		}
	}
	httputil.WriteJSONOK(w, resp)
}

// handleStatus handles the main status page endpoint.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	total, tentative, confirmed, lost := ws.tracker.TrackCount()
	var stats pipeline.Stats
	if ws.pipeline != nil {
		stats = ws.pipeline.GetStats()
	}

	data := struct {
		HTTPAddress string
		Uptime      string
		Total       int
		Tentative   int
		Confirmed   int
		Lost        int
		Metrics     track.Metrics
		Stats       pipeline.Stats
	}{
		HTTPAddress: ws.address,
		Uptime:      time.Since(ws.startedAt).Round(time.Second).String(),
		Total:       total,
		Tentative:   tentative,
		Confirmed:   confirmed,
		Lost:        lost,
		Metrics:     ws.tracker.GetMetrics(),
		Stats:       stats,
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// Close shuts down the web server.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}
