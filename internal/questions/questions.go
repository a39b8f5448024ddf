// Package questions loads question batteries from spreadsheets, CSV, JSON
// or YAML.
package questions

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/risk-analyzer/internal/model"
)

// ErrEmpty is returned when a source holds no usable question.
var ErrEmpty = eris.New("questions: no questions found")

// Header names after normalization. "Pregunta"/"Sección" is the spreadsheet
// layout; "pregunta"/"seccion" arrives from API clients.
const (
	colQuestion = "pregunta"
	colSection  = "seccion"
)

// Load reads the battery at path. The format follows the extension.
func Load(path string) ([]model.Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "questions: read %s", path)
	}
	return Parse(filepath.Base(path), data)
}

// Parse decodes data according to the extension of name.
func Parse(name string, data []byte) ([]model.Question, error) {
	var (
		qs  []model.Question
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		qs, err = ParseXLSX(data)
	case ".csv":
		qs, err = ParseCSV(data)
	case ".json":
		qs, err = ParseJSON(data)
	case ".yaml", ".yml":
		qs, err = ParseYAML(data)
	default:
		return nil, eris.Errorf("questions: unsupported format %q", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "questions: parse %s", name)
	}
	return qs, nil
}

// ParseXLSX reads the first sheet. The first row is the header.
func ParseXLSX(data []byte) ([]model.Question, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open")
	}
	if len(f.Sheets) == 0 {
		return nil, ErrEmpty
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return fromRows(rows)
}

// ParseCSV reads comma or semicolon separated rows with a header.
func ParseCSV(data []byte) ([]model.Question, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.Comma = detectComma(data)

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read")
		}
		rows = append(rows, rec)
	}
	return fromRows(rows)
}

func detectComma(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

// ParseJSON accepts a list of objects keyed by Pregunta/Sección in any case
// or accent, or a bare list of strings.
func ParseJSON(data []byte) ([]model.Question, error) {
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, eris.Wrap(err, "json: decode")
	}
	return fromItems(items)
}

// ParseYAML accepts the same shapes as ParseJSON.
func ParseYAML(data []byte) ([]model.Question, error) {
	var items []any
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, eris.Wrap(err, "yaml: decode")
	}
	return fromItems(items)
}

func fromRows(rows [][]string) ([]model.Question, error) {
	if len(rows) == 0 {
		return nil, ErrEmpty
	}
	qCol, sCol := -1, -1
	for i, h := range rows[0] {
		switch normalizeKey(h) {
		case colQuestion:
			qCol = i
		case colSection:
			sCol = i
		}
	}
	if qCol < 0 {
		return nil, eris.Errorf("missing %q column", "Pregunta")
	}

	var qs []model.Question
	for _, row := range rows[1:] {
		q := model.Question{Text: cell(row, qCol), Section: cell(row, sCol)}
		add(&qs, q)
	}
	if len(qs) == 0 {
		return nil, ErrEmpty
	}
	return qs, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func fromItems(items []any) ([]model.Question, error) {
	var qs []model.Question
	for i, item := range items {
		switch v := item.(type) {
		case string:
			add(&qs, model.Question{Text: v})
		case map[string]any:
			var q model.Question
			for k, val := range v {
				if val == nil {
					continue
				}
				switch normalizeKey(k) {
				case colQuestion:
					q.Text = fmt.Sprint(val)
				case colSection:
					q.Section = fmt.Sprint(val)
				}
			}
			add(&qs, q)
		default:
			return nil, eris.Errorf("item %d: expected object or string", i)
		}
	}
	if len(qs) == 0 {
		return nil, ErrEmpty
	}
	return qs, nil
}

// add appends q when it has text, trimming both fields and filling the
// default section.
func add(qs *[]model.Question, q model.Question) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return
	}
	q.Section = strings.TrimSpace(q.Section)
	q.Section = q.SectionOrDefault()
	*qs = append(*qs, q)
}

// normalizeKey lower-cases k and drops accents, so "Sección" matches
// "seccion".
func normalizeKey(k string) string {
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(stripMarks, strings.TrimSpace(k))
	if err != nil {
		out = k
	}
	return strings.ToLower(out)
}
