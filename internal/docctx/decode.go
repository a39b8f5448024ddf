package docctx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodeText converts raw bytes to a string without failing. A UTF-8 or
// UTF-16 byte order mark selects the encoding; invalid sequences become U+FFFD.
func DecodeText(data []byte) string {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(out)
}

// docxText returns the paragraph text of a .docx file, one paragraph per line.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", eris.Wrap(err, "docctx: open docx")
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return "", eris.New("docctx: docx has no word/document.xml")
	}

	rc, err := body.Open()
	if err != nil {
		return "", eris.Wrap(err, "docctx: open word/document.xml")
	}
	defer rc.Close() //nolint:errcheck

	return wordprocessingText(rc)
}

// wordprocessingText walks WordprocessingML and keeps the text runs (w:t),
// tabs and breaks. Element names are matched on their local part.
func wordprocessingText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		sb     strings.Builder
		para   strings.Builder
		inText bool
		paras  int
	)
	flush := func() {
		if paras > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(para.String())
		para.Reset()
		paras++
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", eris.Wrap(err, "docctx: parse word/document.xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	if para.Len() > 0 {
		flush()
	}
	return strings.TrimSpace(sb.String()), nil
}
