package docctx

import (
	"path/filepath"
	"strings"
)

// Kind classifies an input document by its file extension.
type Kind string

const (
	KindPDF     Kind = "pdf"
	KindText    Kind = "texto"
	KindDOCX    Kind = "docx"
	KindUnknown Kind = "desconocido"
)

var textExtensions = map[string]bool{
	".txt":  true,
	".text": true,
	".md":   true,
	".csv":  true,
	".json": true,
	".xml":  true,
	".html": true,
	".htm":  true,
	".log":  true,
}

// Classify returns the Kind for a file name.
func Classify(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case ext == ".pdf":
		return KindPDF
	case ext == ".docx":
		return KindDOCX
	case textExtensions[ext]:
		return KindText
	default:
		return KindUnknown
	}
}

// MediaType is the MIME type sent to providers for attachments of this kind.
func (k Kind) MediaType() string {
	switch k {
	case KindPDF:
		return "application/pdf"
	case KindText:
		return "text/plain"
	case KindDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

// PageOriented reports whether documents of this kind are paginated binaries
// that can be attached to a model request as-is.
func (k Kind) PageOriented() bool {
	return k == KindPDF
}
