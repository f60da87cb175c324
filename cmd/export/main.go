package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"clipfactory/internal/config"
	"clipfactory/internal/export"
	"clipfactory/internal/logging"
	"clipfactory/internal/media"
	"clipfactory/internal/storage"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		channel = flag.String("channel", "", "Only export this channel")
		videoID = flag.String("video", "", "Only export this video")
		preview = flag.Bool("preview", false, "Show rows and exclusions without writing anything")
		outDir  = flag.String("o", "", "Output directory (default: EXPORT_DIR, ignored with MinIO)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -preview -channel ch1\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -video <id> -o dataset/\n", os.Args[0])
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := logrus.NewEntry(logging.NewWithOutput(cfg.LogLevel, "text", os.Stderr))

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	var sink export.Sink
	if cfg.MinIOEndpoint != "" {
		sink, err = export.NewMinioSink(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey,
			cfg.MinIOBucket, "exports", cfg.MinIOUseSSL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		dir := cfg.ExportDir
		if *outDir != "" {
			dir = *outDir
		}
		sink = export.NewLocalSink(dir)
	}

	asm := export.New(storage.NewChunkRepository(db), storage.NewSegmentRepository(db),
		media.New(cfg.FFmpegBin, cfg.FFprobeBin), sink, export.WithLogger(log))
	scope := export.Scope{ChannelID: *channel, VideoID: *videoID}

	var out any
	if *preview {
		out, err = asm.Preview(ctx, scope)
	} else {
		out, err = asm.Run(ctx, scope)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
