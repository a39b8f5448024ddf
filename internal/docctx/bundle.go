// Package docctx turns the uploaded documents of a batch into the context
// handed to the model: a primary PDF to attach, secondary attachments and
// extracted text to inline when attachments cannot be used.
package docctx

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/ocr"
)

// Document is one input file in upload order.
type Document struct {
	Name string
	Data []byte
}

// Attachment is a binary document sent to the model as-is.
type Attachment struct {
	Name      string
	MediaType string
	Data      []byte
}

// DocInfo summarizes one document after context building.
type DocInfo struct {
	Name    string
	Kind    Kind
	Bytes   int
	Pages   int
	Text    string
	Primary bool
	Warning string
}

// Bundle is the context shared by every question of a run. It is built once
// per run and never persisted.
type Bundle struct {
	Documents []DocInfo

	// Primary is the first PDF in upload order.
	Primary *Attachment
	// Secondary holds every later PDF, in upload order.
	Secondary []Attachment

	// SecondaryText joins the text of every non-primary document. Without a
	// primary it is the whole text context.
	SecondaryText string

	TotalPages int
	Warnings   []string

	extractor  ocr.Extractor
	primaryIdx int

	mu          sync.Mutex
	primaryText *string
}

// HasAttachments reports whether any binary attachment is available.
func (b *Bundle) HasAttachments() bool {
	return b.Primary != nil || len(b.Secondary) > 0
}

// Attachments returns the primary followed by the secondary attachments.
func (b *Bundle) Attachments() []Attachment {
	var out []Attachment
	if b.Primary != nil {
		out = append(out, *b.Primary)
	}
	return append(out, b.Secondary...)
}

// PrimaryText returns the primary document's text, extracting it on first
// use. Extraction failures yield the empty string and a logged warning.
func (b *Bundle) PrimaryText(ctx context.Context) string {
	if b.Primary == nil {
		return ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.primaryText != nil {
		return *b.primaryText
	}

	text := ""
	if b.extractor != nil {
		pages, err := b.extractor.ExtractPages(ctx, b.Primary.Name, b.Primary.Data)
		if err != nil {
			zap.L().Warn("docctx: primary text extraction failed",
				zap.String("document", b.Primary.Name),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				// Leave unset so a later call can retry.
				return ""
			}
		}
		logFailedPages(b.Primary.Name, pages)
		text = ocr.JoinPages(pages)
	}
	b.primaryText = &text
	if b.primaryIdx >= 0 && b.primaryIdx < len(b.Documents) {
		b.Documents[b.primaryIdx].Text = text
	}
	return text
}

// InlineText is the text context for a text-mode call: the primary text
// followed by the secondary text.
func (b *Bundle) InlineText(ctx context.Context) string {
	if b.Primary == nil {
		return b.SecondaryText
	}
	return joinTexts(b.PrimaryText(ctx), b.SecondaryText)
}

// Info converts the per-document summaries into record metadata.
func (b *Bundle) Info() []model.DocumentInfo {
	out := make([]model.DocumentInfo, len(b.Documents))
	for i, d := range b.Documents {
		out[i] = model.DocumentInfo{
			Name:    d.Name,
			Kind:    string(d.Kind),
			Bytes:   d.Bytes,
			Pages:   d.Pages,
			Primary: d.Primary,
			Warning: d.Warning,
		}
	}
	return out
}

func joinTexts(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func logFailedPages(name string, pages []ocr.Page) {
	for _, p := range ocr.Failed(pages) {
		zap.L().Warn("docctx: page skipped",
			zap.String("document", name),
			zap.Int("page", p.Number),
			zap.Error(p.Err),
		)
	}
}
