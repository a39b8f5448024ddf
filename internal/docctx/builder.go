package docctx

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/ocr"
)

// Builder builds a Bundle from raw documents.
type Builder struct {
	extractor ocr.Extractor
}

// NewBuilder returns a Builder that reads PDFs with ext.
func NewBuilder(ext ocr.Extractor) *Builder {
	return &Builder{extractor: ext}
}

// Build classifies every document and extracts what text it can. A document
// that cannot be read becomes a warning and contributes no text; the only
// error returned is context cancellation.
func (b *Builder) Build(ctx context.Context, docs []Document) (*Bundle, error) {
	bundle := &Bundle{
		Documents:  make([]DocInfo, 0, len(docs)),
		extractor:  b.extractor,
		primaryIdx: -1,
	}

	var secondary []string
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "docctx: build")
		}

		info := DocInfo{Name: doc.Name, Kind: Classify(doc.Name), Bytes: len(doc.Data)}
		isPrimary := info.Kind.PageOriented() && bundle.Primary == nil

		switch info.Kind {
		case KindPDF:
			if isPrimary {
				b.scanPrimary(ctx, doc, &info)
			} else {
				b.readPDF(ctx, doc, &info)
			}
		case KindDOCX:
			text, err := docxText(doc.Data)
			if err != nil {
				info.Warning = err.Error()
			}
			info.Text = text
		case KindText:
			info.Text = DecodeText(doc.Data)
		default:
			info.Warning = fmt.Sprintf("formato no soportado: %s", doc.Name)
		}

		if info.Warning != "" {
			bundle.Warnings = append(bundle.Warnings, info.Warning)
			zap.L().Warn("docctx: document degraded",
				zap.String("document", doc.Name),
				zap.String("kind", string(info.Kind)),
				zap.String("warning", info.Warning),
			)
		}

		bundle.TotalPages += info.Pages
		if isPrimary {
			info.Primary = true
			bundle.Primary = &Attachment{Name: doc.Name, MediaType: info.Kind.MediaType(), Data: doc.Data}
			bundle.primaryIdx = i
			if _, lazy := b.extractor.(ocr.PageCounter); !lazy {
				text := info.Text
				bundle.primaryText = &text
			}
		} else {
			if info.Kind.PageOriented() {
				bundle.Secondary = append(bundle.Secondary, Attachment{
					Name:      doc.Name,
					MediaType: info.Kind.MediaType(),
					Data:      doc.Data,
				})
			}
			secondary = append(secondary, info.Text)
		}
		bundle.Documents = append(bundle.Documents, info)
	}

	bundle.SecondaryText = joinTexts(secondary...)

	zap.L().Debug("docctx: bundle built",
		zap.Int("documents", len(docs)),
		zap.Int("pages", bundle.TotalPages),
		zap.Bool("primary", bundle.Primary != nil),
		zap.Int("secondary", len(bundle.Secondary)),
		zap.Int("warnings", len(bundle.Warnings)),
	)
	return bundle, nil
}

// scanPrimary counts the primary's pages and leaves text extraction for
// Bundle.PrimaryText when the extractor can count pages on its own.
func (b *Builder) scanPrimary(ctx context.Context, doc Document, info *DocInfo) {
	if counter, ok := b.extractor.(ocr.PageCounter); ok {
		n, err := counter.CountPages(doc.Name, doc.Data)
		if err != nil {
			info.Warning = err.Error()
			return
		}
		info.Pages = n
		return
	}
	b.readPDF(ctx, doc, info)
}

func (b *Builder) readPDF(ctx context.Context, doc Document, info *DocInfo) {
	if b.extractor == nil {
		info.Warning = "sin extractor de PDF configurado"
		return
	}
	pages, err := b.extractor.ExtractPages(ctx, doc.Name, doc.Data)
	if err != nil {
		info.Warning = err.Error()
		return
	}
	logFailedPages(doc.Name, pages)
	info.Pages = len(pages)
	info.Text = ocr.JoinPages(pages)
}
