// Package main imports a spreadsheet of notes and their media into the task
// store. With -wait it also processes the submitted parents in-process and
// with -out writes their aggregated text back to an XLSX file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/phrazzld/mediatext/internal/app"
	"github.com/phrazzld/mediatext/internal/config"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/tabular"
)

type options struct {
	configPath  string
	input       string
	output      string
	imageEngine string
	videoEngine string
	speakers    int
	wait        bool
	waitTimeout time.Duration
	interval    time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("import failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("importer", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&o.input, "in", "", "spreadsheet to import (.xlsx or .csv)")
	fs.StringVar(&o.output, "out", "", "write aggregated results to this .xlsx file (implies -wait)")
	fs.StringVar(&o.imageEngine, "image-engine", "", "engine for image children (default from config)")
	fs.StringVar(&o.videoEngine, "video-engine", "", "engine for video children (default from config)")
	fs.IntVar(&o.speakers, "speakers", 0, "speaker count hint for transcription")
	fs.BoolVar(&o.wait, "wait", false, "process the imported parents and wait for them to settle")
	fs.DurationVar(&o.waitTimeout, "wait-timeout", 2*time.Hour, "give up waiting after this long")
	fs.DurationVar(&o.interval, "interval", 2*time.Second, "how often to check for settled parents")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.input == "" {
		return o, errors.New("-in is required")
	}
	if o.output != "" {
		o.wait = true
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	rows, err := readRows(o.input)
	if err != nil {
		return err
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close resources", "error", err)
		}
	}()

	if o.wait {
		if err := a.Start(ctx); err != nil {
			return err
		}
		defer a.Stop()
	}

	report, err := tabular.Import(ctx, a.Submission, rows, tabular.ImportOptions{
		ImageEngine: o.imageEngine,
		VideoEngine: o.videoEngine,
		Options:     domain.JobOptions{SpeakerCount: o.speakers},
	})
	if err != nil {
		return err
	}
	log.Info("rows imported", "file", o.input, "submitted", report.Submitted, "failed", report.Failed)

	out, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if _, err := fmt.Fprintln(stdout, string(out)); err != nil {
		return err
	}

	if !o.wait {
		return nil
	}

	keys := report.ParentKeys()
	waitCtx, cancel := context.WithTimeout(ctx, o.waitTimeout)
	defer cancel()
	if err := a.WaitSettled(waitCtx, keys, o.interval); err != nil {
		return err
	}
	log.Info("all parents settled", "parents", len(keys))

	if o.output == "" {
		return nil
	}
	return writeResults(ctx, a, keys, o.output)
}

func readRows(path string) ([]tabular.Row, error) {
	format, err := tabular.FormatFromName(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	rows, err := tabular.Read(f, format)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

func writeResults(ctx context.Context, a *app.App, keys []string, path string) error {
	rows, err := tabular.Collect(ctx, a.Submission, keys)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := tabular.WriteXLSX(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.Logger.Info("results written", "file", path, "rows", len(rows))
	return nil
}
