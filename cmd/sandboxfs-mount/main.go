// Package main provides the entry point for the sandboxfs mount daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ajaxzhan/sandboxfs/internal/config"
	"github.com/ajaxzhan/sandboxfs/internal/fusebridge"
	"github.com/ajaxzhan/sandboxfs/internal/logging"
	"github.com/ajaxzhan/sandboxfs/pkg/sandboxfs"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	root := flag.String("root", "", "Sandbox root directory (overrides config)")
	mountpoint := flag.String("mountpoint", "", "FUSE mount point (overrides config)")
	rootfsRoot := flag.String("rootfs-root", "", "Read-only rootfs base for absolute paths (overrides config)")
	scratchRoot := flag.String("scratch-root", "", "Scratch space base directory (overrides config)")
	readOnly := flag.Bool("read-only", false, "Reject all mutating operations (overrides config)")
	unsafeMode := flag.Bool("unsafe", false, "Disable boundary enforcement (overrides config)")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the mount")
	fuseDebug := flag.Bool("fuse-debug", false, "Log raw FUSE operations")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging system
	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	// Apply command-line overrides
	if *root != "" {
		cfg.Mount.Root = *root
	}
	if *mountpoint != "" {
		cfg.Mount.Mountpoint = *mountpoint
	}
	if *rootfsRoot != "" {
		cfg.Mount.RootfsRoot = *rootfsRoot
	}
	if *scratchRoot != "" {
		cfg.Mount.ScratchRoot = *scratchRoot
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "read-only":
			cfg.Mount.ReadOnly = *readOnly
		case "unsafe":
			cfg.Mount.Unsafe = *unsafeMode
		}
	})

	// Convert all directories to absolute paths; the resolver and the FUSE
	// server both require them.
	if err := normalizeMountPaths(cfg); err != nil {
		logging.Fatal("Failed to normalize mount paths", logging.Err(err))
	}

	logging.Info("Starting sandboxfs mount daemon...",
		logging.String("root", cfg.Mount.Root),
		logging.String("mountpoint", cfg.Mount.Mountpoint),
		logging.Bool("read_only", cfg.Mount.ReadOnly),
		logging.Bool("unsafe", cfg.Mount.Unsafe),
	)

	// Create the sandbox root and mount point if they don't exist
	if err := os.MkdirAll(cfg.Mount.Root, 0755); err != nil {
		logging.Fatal("Failed to create sandbox root", logging.Err(err))
	}
	if err := os.MkdirAll(cfg.Mount.Mountpoint, 0755); err != nil {
		logging.Fatal("Failed to create mount point", logging.Err(err))
	}

	// The anchored/fallback probe reads this at construction time.
	if cfg.Mount.DisableAnchored {
		os.Setenv(types.DisableAnchoredEnv, "1")
	}

	// Create the sandbox
	sb, err := sandboxfs.New(cfg.Options())
	if err != nil {
		logging.Fatal("Failed to create sandbox", logging.Err(err))
	}
	defer sb.Close()
	logging.Info("Sandbox initialized", logging.String("root", cfg.Mount.Root))

	// Create the FUSE bridge
	bridge, err := fusebridge.New(fusebridge.Config{
		Sandbox:    sb,
		MountPoint: cfg.Mount.Mountpoint,
		AllowOther: *allowOther,
		Debug:      *fuseDebug,
	})
	if err != nil {
		logging.Fatal("Failed to create FUSE bridge", logging.Err(err))
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logging.Info("Shutting down mount daemon...")
		cancel()
	}()

	// Mount blocks until the context is canceled, then unmounts.
	logging.Info("Mounting sandbox", logging.String("mountpoint", cfg.Mount.Mountpoint))
	if err := bridge.Mount(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal("Mount failed", logging.Err(err))
	}
	logging.Info("Unmounted cleanly")
}

// normalizeMountPaths converts all configured directories to absolute paths.
func normalizeMountPaths(cfg *config.Config) error {
	paths := []*string{
		&cfg.Mount.Root,
		&cfg.Mount.Mountpoint,
		&cfg.Mount.RootfsRoot,
		&cfg.Mount.ScratchRoot,
	}
	for _, p := range paths {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return err
		}
		*p = abs
	}
	return nil
}
