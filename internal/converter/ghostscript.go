package converter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/pdfarchive/internal/config"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
	"github.com/ledongthuc/pdf"
)

// Progress bands for each stage of a Ghostscript conversion.
const (
	bandOCRStart    = 5
	bandOCREnd      = 35
	bandRenderEnd   = 90
	bandVerifyStart = 90
	bandVerifyEnd   = 99
)

const (
	StageInput  = "input"
	StageOCR    = "ocr"
	StageRender = "render"
	StageVerify = "verify"
)

var pageLine = regexp.MustCompile(`^Page (\d+)`)

// Ghostscript converts with an optional ocrmypdf text layer, a Ghostscript
// PDF/A-2 pdfwrite pass and an optional veraPDF validation. Output is reported
// as PDF/A only when veraPDF confirmed it.
type Ghostscript struct {
	gsBin       string
	ocrBin      string
	verapdfBin  string
	pdfaDef     string
	lookPath    func(string) (string, error)
	commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewGhostscript builds the engine from the configured tool paths.
func NewGhostscript(cfg config.ConverterConfig) *Ghostscript {
	return &Ghostscript{
		gsBin:       cfg.GhostscriptBin,
		ocrBin:      cfg.OCRMyPDFBin,
		verapdfBin:  cfg.VeraPDFBin,
		pdfaDef:     cfg.PDFADefinition,
		lookPath:    exec.LookPath,
		commandFunc: exec.CommandContext,
	}
}

func (g *Ghostscript) Name() string { return "ghostscript" }

func (g *Ghostscript) Convert(ctx context.Context, req models.ConversionRequest, progress models.ProgressFunc) (models.ConversionOutput, error) {
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}
	report(0)

	pages, err := checkInput(req.InputPath)
	if err != nil {
		return models.ConversionOutput{}, &Error{Stage: StageInput, Err: ErrInvalidInput, Detail: err.Error()}
	}

	name := OutputName(req.OriginalName)
	outPath := filepath.Join(req.OutputDir, name)
	source := req.InputPath
	hasOCR := false

	if req.Options.ApplyOCR {
		report(bandOCRStart)
		ocrPath := filepath.Join(req.OutputDir, "ocr-"+name)
		applied, err := g.ocr(ctx, source, ocrPath)
		if err != nil {
			return models.ConversionOutput{}, err
		}
		if applied {
			defer os.Remove(ocrPath)
			source = ocrPath
			hasOCR = true
		}
		report(bandOCREnd)
	}

	if err := g.render(ctx, source, outPath, pages, req.Options.OptimizeSize, report); err != nil {
		_ = os.Remove(outPath)
		return models.ConversionOutput{}, err
	}
	report(bandRenderEnd)

	isPDFA := false
	if req.Options.VerifyCompliance {
		report(bandVerifyStart)
		ok, err := g.verify(ctx, outPath)
		if err != nil {
			_ = os.Remove(outPath)
			return models.ConversionOutput{}, err
		}
		isPDFA = ok
		report(bandVerifyEnd)
	}

	stat, err := os.Stat(outPath)
	if err != nil {
		return models.ConversionOutput{}, &Error{Stage: StageRender, Err: ErrConversionFailed, Detail: err.Error()}
	}

	report(100)
	return models.ConversionOutput{
		ConvertedName: name,
		ConvertedSize: stat.Size(),
		OutputPath:    outPath,
		IsPDFA:        isPDFA,
		HasOCR:        hasOCR,
	}, nil
}

// ocr adds a text layer. A missing or failing ocrmypdf is tolerated and reported
// as not applied; only a deadline expiry aborts the conversion.
func (g *Ghostscript) ocr(ctx context.Context, in, out string) (bool, error) {
	bin, err := g.lookPath(g.ocrBin)
	if err != nil {
		slog.Warn("ocrmypdf not found, skipping text layer", "bin", g.ocrBin)
		return false, nil
	}

	cmd := g.commandFunc(ctx, bin, "--skip-text", "--output-type", "pdf", "--quiet", in, out)
	var stderr tailBuffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, &Error{Stage: StageOCR, Err: ErrTimeout}
		}
		slog.Warn("ocrmypdf failed, continuing without text layer",
			"error", err, "stderr", strings.TrimSpace(stderr.String()))
		_ = os.Remove(out)
		return false, nil
	}
	return true, nil
}

func (g *Ghostscript) render(ctx context.Context, in, out string, pages int, optimize bool, report func(int)) error {
	bin, err := g.lookPath(g.gsBin)
	if err != nil {
		return &Error{Stage: StageRender, Err: ErrToolUnavailable, Detail: g.gsBin}
	}

	settings := "/printer"
	if optimize {
		settings = "/ebook"
	}
	args := []string{
		"-dPDFA=2",
		"-dBATCH",
		"-dNOPAUSE",
		"-dNOOUTERSAVE",
		"-dPDFACompatibilityPolicy=1",
		"-sColorConversionStrategy=RGB",
		"-sDEVICE=pdfwrite",
		"-dPDFSETTINGS=" + settings,
		"-sOutputFile=" + out,
	}
	if g.pdfaDef != "" {
		// The definition file sets the OutputIntent and must precede the input.
		args = append(args, "--permit-file-read="+filepath.Dir(g.pdfaDef)+string(filepath.Separator), g.pdfaDef)
	}
	args = append(args, in)
	cmd := g.commandFunc(ctx, bin, args...)
	var stderr tailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Error{Stage: StageRender, Err: ErrConversionFailed, Detail: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return stageError(ctx, StageRender, err, "")
	}

	start := bandOCREnd
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		m := pageLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		report(renderProgress(start, n, pages))
	}
	// Drain anything left so Wait does not block on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		return stageError(ctx, StageRender, err, stderr.String())
	}
	if _, err := os.Stat(out); err != nil {
		return &Error{Stage: StageRender, Err: ErrConversionFailed, Detail: "no output produced"}
	}
	return nil
}

// renderProgress maps "Page n" of pages into the render band.
func renderProgress(start, n, pages int) int {
	span := bandRenderEnd - start
	if pages <= 0 {
		return min(start+n*5, bandRenderEnd-1)
	}
	if n > pages {
		n = pages
	}
	return start + span*n/pages
}

// verify runs veraPDF against the 2u profile. A missing veraPDF leaves the
// result unverified, which is not reported as compliant.
func (g *Ghostscript) verify(ctx context.Context, path string) (bool, error) {
	bin, err := g.lookPath(g.verapdfBin)
	if err != nil {
		slog.Warn("verapdf not found, skipping compliance check", "bin", g.verapdfBin)
		return false, nil
	}

	cmd := g.commandFunc(ctx, bin, "--flavour", "2u", "--format", "text", path)
	var stdout bytes.Buffer
	var stderr tailBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if verdict, ok := parseVerdict(stdout.String()); ok {
		return verdict, nil
	}
	if runErr != nil {
		return false, stageError(ctx, StageVerify, runErr, stderr.String())
	}
	return false, &Error{Stage: StageVerify, Err: ErrConversionFailed, Detail: "unrecognised verapdf output"}
}

// parseVerdict reads the PASS/FAIL token veraPDF prints in text mode.
func parseVerdict(out string) (pass bool, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "PASS"):
			return true, true
		case strings.HasPrefix(line, "FAIL"):
			return false, true
		}
	}
	return false, false
}

// checkInput confirms the file starts with a PDF header and returns its page
// count, or 0 when the document cannot be parsed far enough to count pages.
func checkInput(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	header := make([]byte, 5)
	_, err = io.ReadFull(f, header)
	f.Close()
	if err != nil || !bytes.Equal(header, []byte("%PDF-")) {
		return 0, errors.New("missing %PDF- header")
	}
	return pageCount(path), nil
}

func pageCount(path string) (n int) {
	defer func() {
		if r := recover(); r != nil {
			n = 0
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	return r.NumPage()
}

// OutputName derives the converted file name from the uploaded one.
func OutputName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "document"
	}
	return stem + "_pdfa.pdf"
}

func stageError(ctx context.Context, stage string, err error, detail string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Stage: stage, Err: ErrTimeout}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &Error{Stage: stage, Err: ErrToolUnavailable, Detail: detail}
	}
	if detail == "" {
		detail = err.Error()
	}
	return &Error{Stage: stage, Err: fmt.Errorf("%w: %v", ErrConversionFailed, err), Detail: strings.TrimSpace(detail)}
}

// tailBuffer keeps the last tailSize bytes written to it.
type tailBuffer struct {
	buf []byte
}

const tailSize = 2048

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

var _ models.Converter = (*Ghostscript)(nil)
