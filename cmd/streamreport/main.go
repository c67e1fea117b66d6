// streamreport renders the session log into an HTML report: per-kind
// totals, per-session traffic, and summary statistics.
package main

import (
	"flag"
	"log"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/framestream/internal/streamdb"
)

var (
	dbFile  = flag.String("db", "framestream.db", "Path to the session log database")
	outFile = flag.String("out", "framestream-report.html", "Where to write the HTML report")
	limit   = flag.Int("limit", 200, "How many recent sessions to include")
)

func main() {
	flag.Parse()

	db, err := streamdb.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open session log: %v", err)
	}
	defer db.Close()

	kinds, err := db.KindSummary()
	if err != nil {
		log.Fatalf("failed to summarize sessions: %v", err)
	}
	recent, err := db.RecentSessions(*limit)
	if err != nil {
		log.Fatalf("failed to load sessions: %v", err)
	}
	if len(recent) == 0 {
		log.Fatalf("no sessions recorded in %s", *dbFile)
	}

	summary := summarize(recent)
	log.Printf("%d sessions: %d completed, %d cancelled, %d failed, %d running",
		summary.Total, summary.Completed, summary.Cancelled, summary.Failed, summary.Running)
	if summary.Finished > 0 {
		log.Printf("session length: mean %.1fs, median %.1fs", summary.MeanSeconds, summary.MedianSeconds)
	}

	f, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("failed to create report: %v", err)
	}
	defer f.Close()
	if err := buildReport(kinds, recent).Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	log.Printf("wrote %s", *outFile)
}

// logSummary aggregates terminal results over a set of session rows.
type logSummary struct {
	Total     int
	Completed int
	Cancelled int
	Failed    int
	Running   int

	// Finished counts sessions with an end time; the statistics
	// below cover only those.
	Finished      int
	MeanSeconds   float64
	MedianSeconds float64
}

func summarize(recs []streamdb.SessionRecord) logSummary {
	var s logSummary
	var durations []float64
	for _, rec := range recs {
		s.Total++
		switch rec.Result {
		case streamdb.ResultCompleted:
			s.Completed++
		case streamdb.ResultCancelled:
			s.Cancelled++
		case streamdb.ResultFailed:
			s.Failed++
		case streamdb.ResultRunning:
			s.Running++
		}
		if !rec.EndedAt.IsZero() {
			durations = append(durations, rec.EndedAt.Sub(rec.StartedAt).Seconds())
		}
	}

	s.Finished = len(durations)
	if len(durations) > 0 {
		s.MeanSeconds = stat.Mean(durations, nil)
		sort.Float64s(durations)
		s.MedianSeconds = stat.Quantile(0.5, stat.Empirical, durations, nil)
	}
	return s
}

func buildReport(kinds []streamdb.KindTotals, recent []streamdb.SessionRecord) *components.Page {
	page := components.NewPage()
	page.PageTitle = "framestream sessions"
	page.AddCharts(kindBars(kinds), trafficLine(recent))
	return page
}

// kindBars charts session and frame counts per stream kind.
func kindBars(kinds []streamdb.KindTotals) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Sessions and frames per stream kind"}),
	)

	names := make([]string, 0, len(kinds))
	sessions := make([]opts.BarData, 0, len(kinds))
	frames := make([]opts.BarData, 0, len(kinds))
	for _, kt := range kinds {
		names = append(names, kt.Kind)
		sessions = append(sessions, opts.BarData{Value: kt.Sessions})
		frames = append(frames, opts.BarData{Value: kt.FramesSent})
	}

	bar.SetXAxis(names).
		AddSeries("sessions", sessions).
		AddSeries("frames sent", frames)
	return bar
}

// trafficLine charts bytes sent per session in start order.
func trafficLine(recent []streamdb.SessionRecord) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Bytes sent per session"}),
	)

	// RecentSessions returns newest first; plot oldest to newest.
	times := make([]string, 0, len(recent))
	sent := make([]opts.LineData, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		rec := recent[i]
		times = append(times, rec.StartedAt.Format("01-02 15:04:05"))
		sent = append(sent, opts.LineData{Value: rec.BytesSent})
	}

	line.SetXAxis(times).AddSeries("bytes sent", sent)
	return line
}
