package monitor

import (
	"fmt"
	"image/color"
	"net/http"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/kestrel-vision/kestrel/internal/httputil"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

// handleTrailsPlot renders the movement history of the live tracks as a PNG.
// Each trail is the sequence of box centres recorded on the track, oldest to
// newest, one colour per track id.
// Query params:
//   - status (optional; "confirmed" restricts to confirmed tracks)
func (ws *WebServer) handleTrailsPlot(w http.ResponseWriter, r *http.Request) {
	tracks := ws.tracker.ActiveTracks()
	if r.URL.Query().Get("status") == "confirmed" {
		tracks = ws.tracker.ConfirmedTracks()
	}
	if len(tracks) == 0 {
		httputil.NotFound(w, "no live tracks")
		return
	}

	p, err := buildTrailPlot(tracks)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("build trail plot: %v", err))
		return
	}

	wt, err := p.WriterTo(10*vg.Inch, 10*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render trail plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		ws.logf("write trail plot: %v", err)
	}
}

// buildTrailPlot draws one line per track through its history of box
// centres, with a marker on the newest position.
func buildTrailPlot(tracks []*track.Track) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Track Trails"
	p.X.Label.Text = "X (px)"
	p.Y.Label.Text = "Y (px)"
	// Screen coordinates grow downward.
	p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}

	sort.Slice(tracks, func(a, b int) bool { return tracks[a].ID < tracks[b].ID })
	colors := generateColors(len(tracks))

	for i, tr := range tracks {
		if len(tr.History) == 0 {
			continue
		}

		pts := make(plotter.XYs, 0, len(tr.History))
		for _, obs := range tr.History {
			cx, cy := obs.Det.Box.Center()
			pts = append(pts, plotter.XY{X: cx, Y: cy})
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%d %s", tr.ID, tr.Label), line)

		head, err := plotter.NewScatter(pts[len(pts)-1:])
		if err != nil {
			return nil, err
		}
		head.Color = colors[i]
		head.Radius = vg.Points(3)
		head.Shape = draw.CircleGlyph{}
		p.Add(head)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p, nil
}

// generateColors creates a palette of distinct colors for track trails.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	default:
		return p
	}
}
