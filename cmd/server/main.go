package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/purposechat/purposechat/internal/handlers"
	"github.com/purposechat/purposechat/internal/services"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	cfgFile, err := os.Open(*cfgPath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		log.Fatal(fmt.Errorf("error decoding config file: %w", err))
	}
	if cfg.Port == "" {
		cfg.Port = "8001"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "store.db"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.logLevel(),
	}))

	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error configuring llm provider: %w", err))
	}

	store, err := services.NewBoltDB(cfg.StorePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening store: %w", err))
	}
	defer store.Close()

	gateway := handlers.NewGateway(llm, store, cfg.Token, logger)

	mux := http.NewServeMux()
	gateway.Register(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
