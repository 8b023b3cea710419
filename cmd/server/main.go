package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wrenbyte/llm-stream-ui/internal/engine"
	"github.com/wrenbyte/llm-stream-ui/internal/handlers"
	"github.com/wrenbyte/llm-stream-ui/internal/services"
	"github.com/wrenbyte/llm-stream-ui/internal/stream"
	"gopkg.in/yaml.v3"
)

// logNotifier surfaces engine notices through the structured log; a richer
// host could push them to connected clients instead.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(level, text string) {
	n.logger.Warn("Engine notice", slog.String("level", level), slog.String("text", text))
}

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "/llm-stream-ui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := filepath.Join(cfgPath, "config.yaml")
	cfgFile, err := os.Open(cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		panic(fmt.Errorf("error decoding config file: %w", err))
	}
	if err := cfg.validate(); err != nil {
		panic(fmt.Errorf("invalid config: %w", err))
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfgPath, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		panic(err)
	}
	defer boltDB.Close()

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithNotifier(logNotifier{logger: logger}),
		engine.WithAPIConfig(cfg.API.streamConfig()),
		engine.WithToolID(cfg.ToolID),
		engine.WithContextRounds(cfg.ContextRounds),
	}
	if cfg.Playback.Interval > 0 {
		opts = append(opts, engine.WithPlaybackInterval(cfg.Playback.Interval))
	}
	if cfg.Playback.ContentSlice > 0 && cfg.Playback.ThinkingSlice > 0 {
		opts = append(opts, engine.WithPlaybackSlices(cfg.Playback.ContentSlice, cfg.Playback.ThinkingSlice))
	}

	eng := engine.New(stream.NewClient(cfg.UpstreamURL), boltDB, opts...)

	m := handlers.NewMain(eng, boltDB, logger)

	// Pump engine change notifications into the SSE feed.
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	defer pumpCancel()
	go m.Run(pumpCtx)

	// Create custom mux
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", m.HandleConversations)
	mux.HandleFunc("/api/conversations/rename", m.HandleRenameConversation)
	mux.HandleFunc("/api/messages", m.HandleMessages)
	mux.HandleFunc("/api/messages/select-version", m.HandleSelectVersion)
	mux.HandleFunc("/api/messages/cycle-version", m.HandleCycleVersion)
	mux.HandleFunc("/api/chat", m.HandleChat)
	mux.HandleFunc("/api/chat/retry", m.HandleRetry)
	mux.HandleFunc("/api/chat/stop", m.HandleStop)
	mux.HandleFunc("/sse", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		pumpCancel()
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		log.Println("Server starting on :" + cfg.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}
	}
}
