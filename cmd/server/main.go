package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/logging"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func parseFlags(args []string) (config.Options, error) {
	var opts config.Options
	fs := flag.NewFlagSet("yacall-server", flag.ContinueOnError)
	fs.StringVar(&opts.File, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.ListenAddr, "listen", "", "address to serve the relay on")
	fs.StringVar(&opts.LogLevel, "log-level", "", "log level")
	fs.StringVar(&opts.LogFormat, "log-format", "", "console or json")
	err := fs.Parse(args)
	return opts, err
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(opts)
	if err != nil {
		logging.Setup("info", "console")
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	hub := ws.NewHub()
	h := handler.NewHandler(hub)

	go hub.Run()

	r := h.NewRouter()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Starting relay server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	log.Info().Msg("Server exited")
}
