package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/kestrel-vision/kestrel/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleTracksChart renders current track positions as a scatter plot
// colored by age. This is a debugging-only endpoint (no auth) to eyeball the
// track field without a frontend.
// Query params:
//   - status (optional; "confirmed" restricts to confirmed tracks)
func (ws *WebServer) handleTracksChart(w http.ResponseWriter, r *http.Request) {
	tracks := ws.tracker.ActiveTracks()
	if r.URL.Query().Get("status") == "confirmed" {
		tracks = ws.tracker.ConfirmedTracks()
	}
	if len(tracks) == 0 {
		httputil.NotFound(w, "no live tracks")
		return
	}

	pts := make([]opts.ScatterData, 0, len(tracks))
	maxAbs := 0.0
	maxAge := 0
	for _, tr := range tracks {
		cx, cy := tr.Box.Center()
		if math.Abs(cx) > maxAbs {
			maxAbs = math.Abs(cx)
		}
		if math.Abs(cy) > maxAbs {
			maxAbs = math.Abs(cy)
		}
		if tr.Age > maxAge {
			maxAge = tr.Age
		}
		pts = append(pts, opts.ScatterData{
			Value: []interface{}{cx, cy, tr.Age},
			Name:  fmt.Sprintf("%d %s %s", tr.ID, tr.Label, tr.Status),
		})
	}
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxAge == 0 {
		maxAge = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Kestrel Tracks", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Live Tracks", Subtitle: fmt.Sprintf("count=%d", len(pts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (px)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxAge),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("tracks", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render tracks chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleEventsChart renders a bar chart of recent suspicion events bucketed
// by rule, split raised vs cleared.
// Query params:
//   - limit (optional; default 200, max 1000)
func (ws *WebServer) handleEventsChart(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	events, err := ws.db.RecentEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to get events: %v", err))
		return
	}
	if len(events) == 0 {
		httputil.NotFound(w, "no events recorded")
		return
	}

	raisedByRule := make(map[string]int)
	clearedByRule := make(map[string]int)
	var rules []string
	for _, ev := range events {
		if _, seen := raisedByRule[ev.Rule]; !seen {
			if _, seen := clearedByRule[ev.Rule]; !seen {
				rules = append(rules, ev.Rule)
			}
		}
		switch ev.Kind {
		case "raised":
			raisedByRule[ev.Rule]++
		case "cleared":
			clearedByRule[ev.Rule]++
		}
	}

	raised := make([]opts.BarData, 0, len(rules))
	cleared := make([]opts.BarData, 0, len(rules))
	for _, rule := range rules {
		raised = append(raised, opts.BarData{Value: raisedByRule[rule]})
		cleared = append(cleared, opts.BarData{Value: clearedByRule[rule]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Suspicion Events by Rule", Subtitle: time.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(rules).
		AddSeries("raised", raised,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("cleared", cleared,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
