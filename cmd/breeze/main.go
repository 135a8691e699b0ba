package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"breeze/internal/breeze"
	"breeze/internal/engine"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const defaultMotd = "breeze file server (v%version%) - currently hosting %uplcount% files"

func Run(ctx context.Context) error {
	listen := flag.String("listen", ":8000", "HTTP listen address")
	dataDir := flag.String("data-dir", "./data", "directory to store uploads under")
	baseURL := flag.String("base-url", "http://localhost:8000", "public base URL for formatting upload links")
	uploadKey := flag.String("upload-key", "", "authentication key required for new uploads (empty disables)")
	deletionSecret := flag.String("deletion-secret", "", "secret for signing deletion tokens (empty disables deletion)")
	maxUploadSize := flag.String("max-upload-size", "500MB", "maximum accepted upload size (0 for unlimited)")
	maxStripSize := flag.String("max-strip-size", "16MB", "largest image that still gets its metadata stripped")
	maxTempLifetime := flag.Duration("max-temp-lifetime", 30*24*time.Hour, "maximum lifetime of a temporary upload")
	cacheMaxSize := flag.String("cache-max-size", "80MB", "largest single upload the cache will hold")
	cacheCapacity := flag.String("cache-capacity", "1GB", "total memory the cache may use")
	cacheLifetime := flag.Duration("cache-lifetime", 30*time.Minute, "how long an upload stays cached")
	scanFreq := flag.Duration("scan-freq", time.Minute, "how often expired entries are swept")
	motd := flag.String("motd", defaultMotd, "landing page message (%uplcount% and %version% are substituted)")
	logLevel := flag.String("log-level", "info", "minimum log level (debug, info, warn, error)")

	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	sizes := map[string]*string{
		"max-upload-size": maxUploadSize,
		"max-strip-size":  maxStripSize,
		"cache-max-size":  cacheMaxSize,
		"cache-capacity":  cacheCapacity,
	}
	parsed := map[string]int64{}
	for name, raw := range sizes {
		v, err := humanize.ParseBytes(*raw)
		if err != nil {
			return fmt.Errorf("parse -%s: %w", name, err)
		}
		parsed[name] = int64(v)
	}

	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}

	eng, err := engine.New(ctx, engine.Config{
		BaseURL:         *baseURL,
		DataDir:         absDataDir,
		UploadKey:       *uploadKey,
		DeletionSecret:  *deletionSecret,
		MaxUploadLen:    parsed["max-upload-size"],
		MaxStripLen:     parsed["max-strip-size"],
		MaxTempLifetime: *maxTempLifetime,
		Motd:            *motd,
		Cache: engine.CacheConfig{
			MaxLength:      parsed["cache-max-size"],
			UploadLifetime: *cacheLifetime,
			ScanFreq:       *scanFreq,
			MemCapacity:    parsed["cache-capacity"],
		},
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	server := breeze.NewServer(eng)

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		eng.NewSweeper().Run(ctx)
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting breeze", "addr", *listen,
			"capacity", humanize.IBytes(uint64(parsed["cache-capacity"])))
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("breeze exited with error", "error", err)
		os.Exit(1)
	}
}
