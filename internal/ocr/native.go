package ocr

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

// Native extracts text in-process with github.com/ledongthuc/pdf. It needs
// no external binary or network access.
type Native struct{}

// NewNative creates a Native extractor.
func NewNative() *Native {
	return &Native{}
}

// ExtractPages reads every page of the PDF. A page that fails to parse is
// returned with Err set; a document that cannot be opened at all is an error.
func (n *Native) ExtractPages(ctx context.Context, name string, data []byte) (pages []Page, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = eris.Errorf("ocr: parse %s: %v", name, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: open %s", name)
	}

	total := r.NumPage()
	pages = make([]Page, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "ocr: native extract")
		}
		pages = append(pages, readPage(r, i))
	}
	return pages, nil
}

func readPage(r *pdf.Reader, num int) (page Page) {
	page.Number = num
	defer func() {
		if rec := recover(); rec != nil {
			page.Text = ""
			page.Err = eris.Errorf("ocr: page %d: %v", num, rec)
		}
	}()

	p := r.Page(num)
	if p.V.IsNull() {
		page.Err = eris.Errorf("ocr: page %d not found", num)
		return page
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		page.Err = eris.Wrapf(err, "ocr: page %d", num)
		return page
	}
	page.Text = strings.TrimSpace(text)
	return page
}

// CountPages returns the page count without extracting any text.
func (n *Native) CountPages(name string, data []byte) (count int, err error) {
	defer func() {
		if r := recover(); r != nil {
			count = 0
			err = eris.Errorf("ocr: parse %s: %v", name, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, eris.Wrapf(err, "ocr: open %s", name)
	}
	return r.NumPage(), nil
}
