package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/krau/plantdoc/config"
	"github.com/krau/plantdoc/logger"
	"github.com/krau/plantdoc/onnx"
	"github.com/krau/plantdoc/server"
	"github.com/krau/plantdoc/service"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var logCloser io.Closer

func main() {
	app := &cli.App{
		Name:  "plantdoc",
		Usage: "leaf disease classifier",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.toml",
				EnvVars: []string{config.EnvPath},
			},
		},
		Before: setup,
		After:  teardown,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the web front end",
				Action: serve,
			},
			{
				Name:      "classify",
				Usage:     "diagnose one or more leaf images",
				ArgsUsage: "<image>...",
				Action:    classify,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("plantdoc failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	config.SetPath(c.String("config"))
	if err := config.Init(); err != nil {
		return err
	}
	cfg := config.C()
	closer, err := logger.Init(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	logCloser = closer
	return nil
}

func teardown(c *cli.Context) error {
	if logCloser == nil {
		return nil
	}
	return logCloser.Close()
}

// withInference owns the runtime and model for the duration of fn.
func withInference(fn func(ictx *service.InferenceContext) error) error {
	cfg := config.C()
	if err := onnx.InitEnvironment(cfg.Libonnx); err != nil {
		return err
	}
	defer onnx.DestroyEnvironment()

	ictx, err := server.Init(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize inference: %w", err)
	}
	defer ictx.Close()
	return fn(ictx)
}

func serve(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	slog.Info("Starting plantdoc")

	return withInference(func(ictx *service.InferenceContext) error {
		gin.SetMode(gin.ReleaseMode)
		srv, err := server.New(ictx, server.OptionsFromConfig(config.C()))
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	})
}

func classify(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one image path is required", 2)
	}
	return withInference(func(ictx *service.InferenceContext) error {
		failed := classifyAll(c.Context, ictx, c.Args().Slice(), config.C().Sessions, c.App.Writer, c.App.ErrWriter)
		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d of %d images failed", failed, c.NArg()), 1)
		}
		return nil
	})
}

// classifyAll diagnoses paths with at most limit in flight and prints the
// results in argument order. It returns the number of failures.
func classifyAll(ctx context.Context, ictx *service.InferenceContext, paths []string, limit int, out, errOut io.Writer) int {
	type result struct {
		d   *service.Diagnosis
		err error
	}
	results := make([]result, len(paths))

	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i, path := range paths {
		g.Go(func() error {
			d, err := classifyFile(ctx, ictx, path)
			results[i] = result{d, err}
			return nil
		})
	}
	g.Wait()

	failed := 0
	for i, r := range results {
		if r.err != nil {
			failed++
			slog.Debug("Classification failed", slog.String("path", paths[i]), slog.String("error", r.err.Error()))
			fmt.Fprintf(errOut, "%s: %s (%v)\n", paths[i], cliMessage(r.err), r.err)
			continue
		}
		printDiagnosis(out, paths[i], r.d)
	}
	return failed
}

func classifyFile(ctx context.Context, ictx *service.InferenceContext, path string) (*service.Diagnosis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ictx.Analyze(ctx, data)
}

// cliMessage is service.UserMessage plus file access failures, which only
// the CLI can hit.
func cliMessage(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return "Could not read the file."
	}
	return service.UserMessage(err)
}

func printDiagnosis(w io.Writer, path string, d *service.Diagnosis) {
	fmt.Fprintf(w, "%s\n  Diagnosis: %s\n  Confidence: %s\n", path, d.Label, d.ConfidenceText())
	fmt.Fprintf(w, "  Description: %s\n  Recommended Actions: %s\n", d.Advice.Description, d.Advice.Tips)
	for i, s := range d.Top {
		fmt.Fprintf(w, "  %d. %s (%s)\n", i+1, s.Label, s.ConfidenceText())
	}
}
