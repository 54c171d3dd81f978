package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mediagraph/internal/api"
	"github.com/kalambet/mediagraph/internal/config"
	"github.com/kalambet/mediagraph/internal/media"
	"github.com/kalambet/mediagraph/internal/provider"
	"github.com/kalambet/mediagraph/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mediagraph server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mediagraph server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mediagraph system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mediagraph.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// defaultModelGen fills in the configured model when a node leaves the model
// field empty.
type defaultModelGen struct {
	gen   provider.Generator
	model string
}

func (g defaultModelGen) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if req.Model == "" {
		req.Model = g.model
	}
	return g.gen.Generate(ctx, req)
}

func buildGenerators(cfg config.Config) api.Generators {
	var gens api.Generators
	if cfg.Image.APIKey != "" {
		gens.Images = defaultModelGen{gen: provider.NewImageClient(cfg.Image.APIKey), model: cfg.Image.Model}
	}
	if cfg.Video.APIKey != "" {
		gens.VideoDirect = defaultModelGen{gen: provider.NewVideoClient(cfg.Video.APIKey), model: cfg.Video.Model}
	}
	if cfg.Video.ProxyURL != "" && cfg.Video.ProxyAccessKey != "" && cfg.Video.ProxySecretKey != "" {
		gens.VideoProxy = provider.NewProxyVideoClient(cfg.Video.ProxyURL, cfg.Video.ProxyAccessKey, cfg.Video.ProxySecretKey)
	}
	return gens
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "mediagraph version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if a server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("mediagraph is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("mediagraph is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	var remote *media.RemoteStore
	remoteCfg := media.RemoteConfig{
		Endpoint:  cfg.Remote.Endpoint,
		Bucket:    cfg.Remote.Bucket,
		AccessKey: cfg.Remote.AccessKey,
	}
	if remoteCfg.Enabled() {
		remote = media.NewRemoteStore(remoteCfg)
		slog.Info("remote media mirror enabled", "endpoint", cfg.Remote.Endpoint, "bucket", cfg.Remote.Bucket)
	}
	mediaStore := media.NewStore(store, remote)

	gens := buildGenerators(cfg)
	if gens.Images == nil {
		slog.Warn("image generation unconfigured, image nodes will fail on run")
	}
	if gens.VideoDirect == nil {
		slog.Warn("direct video generation unconfigured")
	}
	if gens.VideoProxy == nil {
		slog.Warn("proxy video generation unconfigured")
	}

	metrics := api.NewMetrics()
	svc := api.NewServer(store, mediaStore, gens, metrics, slog.Default())
	defer svc.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: svc.Handler(cfg.API.Token),
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(svc)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "mediagraph listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Daily media GC.
	g.Go(func() error {
		maxAge := time.Duration(cfg.Media.GCMaxAgeHours) * time.Hour
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := mediaStore.GC(gctx, maxAge); err != nil {
					slog.Error("scheduled media gc failed", "error", err)
				}
			}
		}
	})

	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "shutting down...")
		return nil
	}
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("mediagraph is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop mediagraph (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to mediagraph (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	providerLabel := func(configured bool) string {
		if configured {
			return "configured"
		}
		return "not configured"
	}
	printStatus("Image provider", "%s (model %s)", providerLabel(cfg.Image.APIKey != ""), cfg.Image.Model)
	printStatus("Video provider", "%s (model %s)", providerLabel(cfg.Video.APIKey != ""), cfg.Video.Model)
	printStatus("Video proxy", "%s", providerLabel(cfg.Video.ProxyURL != ""))
	remoteCfg := media.RemoteConfig{Endpoint: cfg.Remote.Endpoint, Bucket: cfg.Remote.Bucket, AccessKey: cfg.Remote.AccessKey}
	printStatus("Remote mirror", "%s", providerLabel(remoteCfg.Enabled()))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
