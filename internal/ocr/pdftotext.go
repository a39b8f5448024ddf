package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractPages writes data to a temp file and runs pdftotext -layout on it.
// pdftotext separates pages with form feeds.
func (p *PdfToText) ExtractPages(ctx context.Context, name string, data []byte) ([]Page, error) {
	tmp, err := os.CreateTemp("", "risk-*.pdf")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "ocr: write temp file for %s", name)
	}
	if err := tmp.Close(); err != nil {
		return nil, eris.Wrapf(err, "ocr: close temp file for %s", name)
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", tmp.Name(), "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", name, stderr.String())
	}

	return splitFormFeeds(stdout.String()), nil
}

func splitFormFeeds(out string) []Page {
	parts := strings.Split(out, "\f")
	// Output ends with a form feed after the last page.
	if len(parts) > 1 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	pages := make([]Page, len(parts))
	for i, part := range parts {
		pages[i] = Page{Number: i + 1, Text: strings.TrimSpace(part)}
	}
	return pages
}
