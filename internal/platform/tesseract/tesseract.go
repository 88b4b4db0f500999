package tesseract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/platform/logger"
)

// ErrNoPages is returned when a PDF rendered to no images.
var ErrNoPages = errors.New("pdf rendered no pages")

// Config names the binaries and OCR settings.
type Config struct {
	Tesseract string
	PDFToText string
	PDFToPPM  string
	// Languages is passed to tesseract -l, e.g. "chi_sim+eng".
	Languages string
	DPI       int
}

// Adapter is the local-ocr engine adapter.
type Adapter struct {
	config   Config
	runner   Runner
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

var _ engine.SyncAdapter = (*Adapter)(nil)

// New creates an adapter that runs the real binaries.
func New(cfg Config, log *slog.Logger) *Adapter {
	log = log.With("engine", domain.EngineLocalOCR)
	return NewWithRunner(cfg, execRunner{logger: log}, exec.LookPath, log)
}

// NewWithRunner creates an adapter with a custom runner and binary lookup.
func NewWithRunner(cfg Config, runner Runner, lookPath func(string) (string, error), log *slog.Logger) *Adapter {
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.PDFToText == "" {
		cfg.PDFToText = "pdftotext"
	}
	if cfg.PDFToPPM == "" {
		cfg.PDFToPPM = "pdftoppm"
	}
	if cfg.Languages == "" {
		cfg.Languages = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Adapter{config: cfg, runner: runner, lookPath: lookPath, logger: log}
}

// Engine implements engine.Adapter.
func (a *Adapter) Engine() domain.Engine { return domain.EngineLocalOCR }

// CheckAvailable reports whether the tesseract binary can be found.
func (a *Adapter) CheckAvailable(context.Context) bool {
	_, err := a.lookPath(a.config.Tesseract)
	return err == nil
}

// ProcessSync implements engine.SyncAdapter.
func (a *Adapter) ProcessSync(ctx context.Context, src domain.SourceRef) (string, error) {
	if _, err := os.Stat(src.Path); err != nil {
		return "", engine.Permanent("process", fmt.Errorf("source not readable: %w", err))
	}

	switch src.Kind {
	case domain.MediaKindImage:
		text, err := a.ocrImage(ctx, src.Path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(text), nil
	case domain.MediaKindPDF:
		return a.processPDF(ctx, src.Path)
	default:
		return "", engine.Permanent("process", fmt.Errorf("%w: %s", engine.ErrUnsupportedFormat, src.Kind))
	}
}

// processPDF prefers the embedded text layer and falls back to rendering
// pages and running OCR on each.
func (a *Adapter) processPDF(ctx context.Context, path string) (string, error) {
	log := logger.FromContext(ctx)

	out, stderr, err := a.runner.Run(ctx, a.config.PDFToText, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", a.commandError(ctx, "pdftotext", err, stderr)
	}
	if text := cleanPDFText(string(out)); text != "" {
		log.Debug("pdf text layer used", "pages", 1+strings.Count(string(out), "\f"))
		return text, nil
	}

	log.Debug("pdf has no text layer, rendering pages")
	tmpDir, err := os.MkdirTemp("", "mediatext-pdf-*")
	if err != nil {
		return "", fmt.Errorf("create render dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Warn("failed to remove render dir", "dir", tmpDir, "error", err)
		}
	}()

	prefix := filepath.Join(tmpDir, "page")
	_, stderr, err = a.runner.Run(ctx, a.config.PDFToPPM, "-r", strconv.Itoa(a.config.DPI), "-png", path, prefix)
	if err != nil {
		return "", a.commandError(ctx, "pdftoppm", err, stderr)
	}

	pages, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", engine.Permanent("process", ErrNoPages)
	}
	slices.SortFunc(pages, comparePages)

	texts := make([]string, 0, len(pages))
	for _, page := range pages {
		text, err := a.ocrImage(ctx, page)
		if err != nil {
			return "", err
		}
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n\n"), nil
}

func (a *Adapter) ocrImage(ctx context.Context, path string) (string, error) {
	out, stderr, err := a.runner.Run(ctx, a.config.Tesseract, path, "stdout", "-l", a.config.Languages)
	if err != nil {
		return "", a.commandError(ctx, "tesseract", err, stderr)
	}
	return string(out), nil
}

// commandError classifies a failed command. A non-zero exit means the tool
// rejected the input; anything else (missing binary, killed by deadline)
// may succeed later.
func (a *Adapter) commandError(ctx context.Context, tool string, err error, stderr []byte) error {
	msg := strings.TrimSpace(truncate(string(stderr), 512))
	wrapped := fmt.Errorf("%s: %w", tool, err)
	if msg != "" {
		wrapped = fmt.Errorf("%s: %w: %s", tool, err, msg)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return engine.Permanent("process", wrapped)
	}
	return engine.Transient("process", wrapped)
}

// cleanPDFText drops form feeds and reports empty text for PDFs whose
// text layer holds only whitespace.
func cleanPDFText(s string) string {
	s = strings.ReplaceAll(s, "\f", "\n")
	return strings.TrimSpace(s)
}

// comparePages orders page-1.png, page-2.png, ... page-10.png numerically.
func comparePages(a, b string) int {
	return pageNumber(a) - pageNumber(b)
}

func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	i := strings.LastIndexByte(base, '-')
	n, err := strconv.Atoi(base[i+1:])
	if err != nil {
		return 0
	}
	return n
}
