package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/banshee-data/framestream/internal/config"
	"github.com/banshee-data/framestream/internal/server"
	"github.com/banshee-data/framestream/internal/stream"
	"github.com/banshee-data/framestream/internal/streamdb"
	"github.com/banshee-data/framestream/internal/version"
	"github.com/banshee-data/framestream/internal/wire"
)

var (
	listen          = flag.String("listen", ":8080", "HTTP listen address")
	fps             = flag.Float64("fps", stream.DefaultFPS, "Frames per second per stream")
	maxMessageSize  = flag.Int("max-message-size", wire.DefaultMaxMessageSize, "Messages larger than this are split into chunks (bytes)")
	chunkSize       = flag.Int("chunk-size", wire.DefaultChunkPayloadSize, "Payload bytes per chunk")
	sourceName      = flag.String("source", "synthetic", "Frame source: synthetic or pcap")
	pcapFile        = flag.String("pcap", "", "Path to a packet capture (required for -source pcap)")
	pcapPort        = flag.Int("pcap-port", 7502, "UDP port carrying sensor packets in the capture")
	cols            = flag.Int("cols", stream.DefaultSyntheticCols, "Image columns per frame")
	rows            = flag.Int("rows", stream.DefaultSyntheticRows, "Image rows for the synthetic source")
	points          = flag.Int("points", stream.DefaultSyntheticPoints, "Points per synthetic cloud frame")
	syntheticFrames = flag.Int("synthetic-frames", 0, "End synthetic streams after this many frames (0 = unlimited)")
	noiseSigma      = flag.Float64("noise-sigma", 0, "Synthetic noise standard deviation (0 = default)")
	seed            = flag.Uint64("seed", 0, "Synthetic noise seed (0 = random)")
	configFile      = flag.String("config", "", "Path to a JSON tuning file (flags set on the command line win)")
	dbFile          = flag.String("db", "framestream.db", "Path to the session log database (empty disables logging)")
	debugDB         = flag.Bool("debug-db", false, "Mount /debug admin routes for the session log")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("framestream %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		runMigrate(args[1:])
		return
	}

	tuning := config.EmptyTuningConfig()
	if *configFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}
	applyTuning(tuning)

	source, err := newFrameSource()
	if err != nil {
		log.Fatalf("%v", err)
	}

	var db *streamdb.DB
	if *dbFile != "" {
		db, err = streamdb.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open session log: %v", err)
		}
		defer db.Close()
	}

	ws, err := server.NewWebServer(server.Config{
		Addr:   *listen,
		Source: source,
		FPS:    *fps,
		Chunking: wire.ChunkConfig{
			MaxMessageSize:   *maxMessageSize,
			ChunkPayloadSize: *chunkSize,
		},
		DB:                db,
		EnableDebugRoutes: *debugDB,
	})
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("framestream %s serving %d stream kinds from the %s source on %s",
		version.Version, len(wire.Kinds()), *sourceName, *listen)
	if err := ws.Start(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// applyTuning overlays tuning-file values onto flags the operator did
// not set on the command line. Explicit flags win over the file.
func applyTuning(tuning *config.TuningConfig) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["fps"] {
		*fps = tuning.GetFPS()
	}
	if !set["max-message-size"] {
		*maxMessageSize = tuning.GetMaxMessageSize()
	}
	if !set["chunk-size"] {
		*chunkSize = tuning.GetChunkPayloadSize()
	}
	if !set["rows"] {
		*rows = tuning.GetRows()
	}
	if !set["cols"] {
		*cols = tuning.GetCols()
	}
	if !set["points"] {
		*points = tuning.GetPoints()
	}
	if !set["synthetic-frames"] {
		*syntheticFrames = tuning.GetFrameLimit()
	}
	if !set["noise-sigma"] {
		*noiseSigma = tuning.GetNoiseSigma()
	}
	if !set["seed"] {
		*seed = tuning.GetSeed()
	}
}

// newFrameSource builds the frame source selected by flags.
func newFrameSource() (stream.FrameSource, error) {
	switch *sourceName {
	case "synthetic":
		return &stream.SyntheticSource{
			Rows:       *rows,
			Cols:       *cols,
			Points:     *points,
			FrameLimit: *syntheticFrames,
			NoiseSigma: *noiseSigma,
			Seed:       *seed,
		}, nil
	case "pcap":
		if *pcapFile == "" {
			return nil, fmt.Errorf("-source pcap requires -pcap <file>")
		}
		return &stream.PcapSource{
			Path:    *pcapFile,
			UDPPort: *pcapPort,
			Cols:    *cols,
		}, nil
	default:
		return nil, fmt.Errorf("unknown source %q (want synthetic or pcap)", *sourceName)
	}
}

// runMigrate handles the 'migrate' subcommand dispatching.
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateHelp()
		os.Exit(1)
	}

	db, err := streamdb.OpenUnmigrated(*dbFile)
	if err != nil {
		log.Fatalf("failed to open session log: %v", err)
	}
	defer db.Close()

	switch args[0] {
	case "up":
		log.Printf("Running migrations...")
		if err := db.MigrateUp(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Println("✓ All migrations applied successfully")
		logMigrateVersion(db)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := db.MigrateDown(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Println("✓ Migration rolled back successfully")
		logMigrateVersion(db)

	case "status":
		ver, dirty, err := db.MigrateVersion()
		if err != nil {
			log.Fatalf("Failed to get migration status: %v", err)
		}
		fmt.Println("=== Migration Status ===")
		fmt.Printf("Current version: %d\n", ver)
		fmt.Printf("Dirty: %v\n", dirty)

	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: framestream migrate force <version>")
		}
		ver, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid version number: %s", args[1])
		}
		fmt.Printf("Forcing migration version to %d\n", ver)
		if err := db.MigrateForce(ver); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		log.Printf("✓ Migration version forced to %d", ver)

	case "help":
		printMigrateHelp()

	default:
		fmt.Printf("Unknown migrate action: %s\n\n", args[0])
		printMigrateHelp()
		os.Exit(1)
	}
}

func logMigrateVersion(db *streamdb.DB) {
	ver, dirty, err := db.MigrateVersion()
	if err != nil {
		log.Printf("Failed to read version: %v", err)
		return
	}
	log.Printf("Current version: %d (dirty: %v)", ver, dirty)
}

// printMigrateHelp displays the help message for the migrate command.
func printMigrateHelp() {
	fmt.Println("Session Log Migration Commands")
	fmt.Println()
	fmt.Println("Usage: framestream [flags] migrate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up              Apply all pending migrations")
	fmt.Println("  down            Rollback one migration")
	fmt.Println("  status          Show current migration status and version")
	fmt.Println("  force <N>       Force migration version to N (recovery only)")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  framestream migrate up")
	fmt.Println("  framestream -db sessions.db migrate status")
}
