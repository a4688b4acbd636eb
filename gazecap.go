package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/greendrake/gazecap/config"
	"github.com/greendrake/gazecap/pipeline"
	"github.com/greendrake/gazecap/webcast"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func GetWorkDir() string {
	ex, err := os.Executable()
	if err != nil {
		panic(err)
	}
	dir := filepath.Dir(ex)
	// Helpful when developing:
	// when running `go run`, the executable is in a temporary directory.
	if strings.Contains(dir, "go-build") {
		return "."
	}
	return filepath.Dir(ex)
}

func main() {
	// Log to STDOUT in the standard manner
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := os.Chdir(GetWorkDir()); err != nil {
		logrus.Fatal(err)
	}

	configFile := "config.yaml"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config %s: %v", configFile, err)
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel) // validated by Load
	logrus.SetLevel(level)

	// Create a context that is responsive to signals:
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	p, err := pipeline.New(gctx, cfg)
	if err != nil {
		logrus.Fatal(err)
	}
	g.Go(func() error {
		p.Wait()
		// the sources may all have run dry; take the HTTP side down too
		stop()
		return p.End()
	})
	if cfg.HTTPAddr != "" {
		g.Go(func() error {
			return webcast.Run(gctx, cfg.HTTPAddr, p)
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("finished with error")
		os.Exit(1)
	}
	logrus.Info("All finished")
}
