package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
)

const chartWindow = 24 * time.Hour

// handleChart renders the latency of successful probes over the last day
// (or since ?since=) as a PNG.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	id := connID(r)
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad since: "+err.Error())
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-chartWindow)
	}
	v, err := s.Service.Get(id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	recs, err := s.Service.History(r.Context(), id, since, time.Time{}, 0)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	png, err := renderLatencyChart(v.Name, recs)
	if errors.Is(err, errNotEnoughData) {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.Logger.Warn("chart_render_error", zap.String("connection_id", string(id)), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "chart render failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

var errNotEnoughData = errors.New("not enough successful probes to chart")

func renderLatencyChart(name string, recs []domain.Outcome) ([]byte, error) {
	var xs []time.Time
	var ys []float64
	maxMS := 0.0
	for _, o := range recs {
		ms := o.LatencyMS()
		if ms == nil {
			continue
		}
		xs = append(xs, o.CheckedAt)
		ys = append(ys, *ms)
		if *ms > maxMS {
			maxMS = *ms
		}
	}
	if len(xs) < 2 || !xs[len(xs)-1].After(xs[0]) {
		return nil, errNotEnoughData
	}

	series := chart.TimeSeries{
		Name: name,
		Style: chart.Style{
			StrokeColor: chart.GetDefaultColor(0),
			StrokeWidth: 2,
		},
		XValues: xs,
		YValues: ys,
	}
	graph := chart.Chart{
		Title:      fmt.Sprintf("Latency - %s", name),
		TitleStyle: chart.Style{FontSize: 14},
		Background: chart.Style{
			Padding: chart.Box{Top: 20, Left: 20, Right: 20, Bottom: 20},
		},
		Width:  900,
		Height: 300,
		XAxis: chart.XAxis{
			Style:          chart.Style{StrokeColor: drawing.ColorBlack, FontSize: 9},
			ValueFormatter: chart.TimeMinuteValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:  "Latency (ms)",
			Style: chart.Style{StrokeColor: drawing.ColorBlack, FontSize: 9},
			Range: &chart.ContinuousRange{Min: 0, Max: maxMS*1.1 + 1},
			GridMajorStyle: chart.Style{
				StrokeColor: drawing.Color{R: 200, G: 200, B: 200, A: 255},
				StrokeWidth: 1.0,
			},
		},
		Series: []chart.Series{series},
	}
	if len(ys) > 10 {
		graph.Series = append(graph.Series, chart.SMASeries{
			Name: "Moving Avg",
			Style: chart.Style{
				StrokeColor:     chart.GetDefaultColor(1),
				StrokeWidth:     2,
				StrokeDashArray: []float64{5, 5},
			},
			InnerSeries: series,
			Period:      10,
		})
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
