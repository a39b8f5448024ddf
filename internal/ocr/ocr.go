package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-analyzer/internal/config"
)

// Page is the extracted text of one PDF page. Number is 1-based. Err is set
// when the page could not be read; the remaining pages are still usable.
type Page struct {
	Number int
	Text   string
	Err    error
}

// Extractor extracts page-by-page text from PDF bytes.
type Extractor interface {
	ExtractPages(ctx context.Context, name string, data []byte) ([]Page, error)
}

// PageCounter is implemented by extractors that can count pages cheaply,
// which lets callers defer text extraction until it is needed.
type PageCounter interface {
	CountPages(name string, data []byte) (int, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.ExtractConfig) (Extractor, error) {
	switch cfg.Provider {
	case "native", "":
		return NewNative(), nil
	case "pdftotext", "local":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

// JoinPages renders readable pages as "--- Página N ---" blocks. It returns
// the empty string when no page produced any text.
func JoinPages(pages []Page) string {
	var sb strings.Builder
	var hasText bool
	for _, p := range pages {
		if p.Err != nil {
			continue
		}
		if strings.TrimSpace(p.Text) != "" {
			hasText = true
		}
		fmt.Fprintf(&sb, "\n--- Página %d ---\n%s\n", p.Number, p.Text)
	}
	if !hasText {
		return ""
	}
	return sb.String()
}

// Failed returns the pages that could not be read.
func Failed(pages []Page) []Page {
	var out []Page
	for _, p := range pages {
		if p.Err != nil {
			out = append(out, p)
		}
	}
	return out
}
