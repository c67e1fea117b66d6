// streamcat subscribes to a frame stream and prints receive rates,
// optionally rendering the last image frame to a PNG heatmap.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/framestream/internal/client"
	"github.com/banshee-data/framestream/internal/wire"
)

var (
	serverURL     = flag.String("url", "ws://localhost:8080", "Stream server base URL (ws:// or http://)")
	kindName      = flag.String("kind", "range-image", "Stream kind to subscribe to")
	maxFrames     = flag.Int("frames", 0, "Stop after this many frames (0 = run until the stream ends)")
	timeout       = flag.Duration("timeout", 0, "Give up after this long (0 = no limit)")
	heatmapFile   = flag.String("heatmap", "", "Write the last image frame to this PNG file as a heatmap")
	statsInterval = flag.Duration("stats-interval", 5*time.Second, "How often to log receive rates (0 = never)")
)

func main() {
	flag.Parse()

	kind, err := wire.ParseStreamKind(*kindName)
	if err != nil {
		log.Fatalf("%v (known kinds: %s)", err, kindList())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		received  int
		lastFrame *wire.Frame
	)
	receiver, err := client.Dial(ctx, client.Config{
		URL: streamURL(*serverURL, kind),
		OnFrame: func(frame *wire.Frame, reassembled bool) {
			received++
			lastFrame = frame
			if *maxFrames > 0 && received >= *maxFrames {
				cancel()
			}
		},
		OnNotice: func(data []byte) {
			log.Printf("server notice: %s", data)
		},
	})
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer receiver.Close()

	log.Printf("subscribed to %s", streamURL(*serverURL, kind))
	if *statsInterval > 0 {
		go logRates(ctx, receiver, *statsInterval)
	}

	err = receiver.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatalf("stream failed: %v", err)
	}

	stats := receiver.Stats()
	log.Printf("received %d frames (%d reassembled from chunks) in %s",
		stats.FramesReceived, stats.Reassembly.FramesReassembled, formatBytes(stats.BytesReceived))
	if stats.FrameGaps > 0 {
		log.Printf("missed %d frames", stats.FrameGaps)
	}
	if stats.DecodeErrors > 0 {
		log.Printf("dropped %d undecodable messages", stats.DecodeErrors)
	}

	if *heatmapFile != "" {
		if lastFrame == nil {
			log.Fatalf("no frames received; nothing to plot")
		}
		if err := writeHeatmap(*heatmapFile, lastFrame); err != nil {
			log.Fatalf("failed to write heatmap: %v", err)
		}
		log.Printf("wrote %s", *heatmapFile)
	}
}

// streamURL joins the base URL and the kind's endpoint, accepting
// http(s) bases for convenience.
func streamURL(base string, kind wire.StreamKind) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasPrefix(base, "http") {
		base = "ws" + strings.TrimPrefix(base, "http")
	}
	return base + "/ws/" + kind.String()
}

func kindList() string {
	names := make([]string, 0, len(wire.Kinds()))
	for _, kind := range wire.Kinds() {
		names = append(names, kind.String())
	}
	return strings.Join(names, ", ")
}

// logRates periodically reports receive throughput.
func logRates(ctx context.Context, receiver *client.Receiver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastFrames, lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := receiver.Stats()
			seconds := interval.Seconds()
			log.Printf("receiving %.1f frames/s, %s/s",
				float64(stats.FramesReceived-lastFrames)/seconds,
				formatBytes(uint64(float64(stats.BytesReceived-lastBytes)/seconds)))
			lastFrames = stats.FramesReceived
			lastBytes = stats.BytesReceived
		}
	}
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// frameGrid adapts an image frame to the plotter.GridXYZ interface.
// Values are stored row-major with row 0 at the top, so rows are
// flipped to draw the image the way the sensor sees it.
type frameGrid struct {
	frame *wire.Frame
}

func (g frameGrid) Dims() (c, r int) {
	return int(g.frame.Shape1), int(g.frame.Shape0)
}

func (g frameGrid) Z(c, r int) float64 {
	rows := int(g.frame.Shape0)
	cols := int(g.frame.Shape1)
	return float64(g.frame.Values[(rows-1-r)*cols+c])
}

func (g frameGrid) X(c int) float64 { return float64(c) }

func (g frameGrid) Y(r int) float64 { return float64(r) }

// writeHeatmap renders a two-dimensional frame to a PNG file.
func writeHeatmap(path string, frame *wire.Frame) error {
	if frame.Shape1 == 0 {
		return fmt.Errorf("%s frames are not two-dimensional", frame.Kind)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s frame %d", frame.Kind, frame.Number)
	p.X.Label.Text = "column"
	p.Y.Label.Text = "row"
	p.Add(plotter.NewHeatMap(frameGrid{frame: frame}, palette.Heat(12, 1)))

	return p.Save(10*vg.Inch, 4*vg.Inch, path)
}
