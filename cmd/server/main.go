package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ironfuel/livechat"
	"github.com/ironfuel/livechat/internal/config"
	"github.com/ironfuel/livechat/internal/constants"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/util"
)

// loadConfiguration loads .env, then the optional config file, then validates.
// An empty path falls back to LIVECHAT_CONFIG.
func loadConfiguration(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv("LIVECHAT_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initializeLogger initializes the logger with the given configuration
func initializeLogger(cfg config.LogConfig) (*logging.Logger, error) {
	return logging.InitLog(logging.LogConfig{
		Dir:            cfg.Dir,
		Level:          cfg.Level,
		StandardOutput: cfg.StandardOutput,
		InfoFile:       "info.log",
		WarnFile:       "warn.log",
		ErrorFile:      "error.log",
	})
}

// connectMongo returns nil for the memory backend.
func connectMongo(cfg config.DatabaseConfig, logger *logging.Logger) (*mongo.Client, error) {
	if cfg.Backend != constants.BackendMongo {
		return nil, nil
	}
	if !strings.Contains(cfg.URI, "@") {
		logger.Warn("MongoDB URI does not contain authentication credentials, ensure auth is configured for production")
	}

	ctx, cancel := util.NewTimeoutContext(cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB", "database", cfg.Database, "collection", cfg.Collection)
	return client, nil
}

// setupSignalHandler sets up signal handling for graceful shutdown
func setupSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}

// runWithSignalChannel is a testable version of run that accepts a signal channel
func runWithSignalChannel(configPath string, sigChan chan os.Signal) error {
	cfg, err := loadConfiguration(configPath)
	if err != nil {
		return err
	}

	logger, err := initializeLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	mongoClient, err := connectMongo(cfg.Database, logger)
	if err != nil {
		return err
	}
	if mongoClient != nil {
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				util.LogError(logger, "server", "disconnect MongoDB", err)
			}
		}()
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	if err := livechat.Register(r, cfg, logger, mongoClient); err != nil {
		return err
	}

	srv := NewHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), r)
	serveErr := make(chan error, 1)
	util.SafeGo(logger, "http-server", func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})
	logger.Info("Server starting", "port", cfg.Server.Port, "prefix", cfg.Server.PathPrefix)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", "signal", sig.String())
	case runErr = <-serveErr:
		util.LogError(logger, "server", "serve HTTP", runErr)
	}

	ctx, cancel := util.NewTimeoutContext(constants.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by srv.Shutdown, so the
	// service closes them first.
	if err := livechat.Shutdown(ctx); err != nil {
		util.LogError(logger, "server", "shut down live chat service", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		util.LogError(logger, "server", "shut down HTTP server", err)
	}

	return runErr
}

func main() {
	if err := runMain(os.Args[1:]); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

// runMain is the testable main function
func runMain(args []string) error {
	fs := flag.NewFlagSet("livechat", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file (defaults to $LIVECHAT_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return runWithSignalChannel(*configPath, setupSignalHandler())
}
