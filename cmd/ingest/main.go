package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"clipfactory/internal/config"
	"clipfactory/internal/ingestion"
	"clipfactory/internal/logging"
	"clipfactory/internal/media"
	"clipfactory/internal/queue"
	"clipfactory/internal/storage"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		inputFile  = flag.String("i", "", "Source audio/video file to cut into chunks")
		channel    = flag.String("channel", "", "Channel id")
		title      = flag.String("title", "", "Video title (default: file name)")
		duration   = flag.Float64("duration", 0, "Duration in seconds (default: probe with ffprobe)")
		denoise    = flag.Bool("denoise", false, "Apply ffmpeg afftdn denoise when cutting")
		enqueue    = flag.Bool("enqueue", false, "Queue the chunks for transcription")
		videoID    = flag.String("video", "", "Register pre-cut chunks for this existing video")
		chunksFile = flag.String("chunks", "", "JSON file with chunk tuples (used with -video)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -i episode.mp4 -channel ch1 -enqueue\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -video <id> -chunks chunks.json\n", os.Args[0])
	}
	flag.Parse()

	if *inputFile == "" && (*videoID == "" || *chunksFile == "") {
		fmt.Fprintf(os.Stderr, "Error: -i or -video with -chunks is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

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

	videos := storage.NewVideoRepository(db)
	chunks := storage.NewChunkRepository(db)
	q := queue.New(storage.NewJobRepository(db), queue.WithLogger(log))
	ing := ingestion.NewIngester(videos, chunks, media.New(cfg.FFmpegBin, cfg.FFprobeBin), cfg.DataDir,
		ingestion.WithWindow(cfg.ChunkWindow, cfg.ChunkOverlap),
		ingestion.WithQueue(q),
		ingestion.WithLogger(log))

	ctx := context.Background()
	var res *ingestion.Result
	if *videoID != "" {
		res, err = registerFromFile(ctx, ing, *videoID, *chunksFile, *enqueue)
	} else {
		res, err = ing.Ingest(ctx, ingestion.Options{
			SourcePath: *inputFile,
			ChannelID:  *channel,
			Title:      *title,
			Duration:   *duration,
			Denoise:    *denoise,
			Enqueue:    *enqueue,
			Actor:      "cli",
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func registerFromFile(ctx context.Context, ing *ingestion.Ingester, videoID, path string, enqueue bool) (*ingestion.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks file: %w", err)
	}
	var inputs []ingestion.ChunkInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse chunks file: %w", err)
	}
	return ing.RegisterChunks(ctx, videoID, inputs, enqueue, "cli")
}
