package progress

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-analyzer/internal/model"
)

// Format tags the on-disk shape a record was decoded from.
type Format int

const (
	// FormatCurrent is an object carrying "estado".
	FormatCurrent Format = iota
	// FormatLegacyList is a bare array of result rows.
	FormatLegacyList
	// FormatLegacyError is an object with "error" but no "estado".
	FormatLegacyError
	// FormatLegacyObject is any other object.
	FormatLegacyObject
)

func (f Format) String() string {
	switch f {
	case FormatCurrent:
		return "current"
	case FormatLegacyList:
		return "legacy_list"
	case FormatLegacyError:
		return "legacy_error"
	case FormatLegacyObject:
		return "legacy_object"
	default:
		return "unknown"
	}
}

// legacyCompleted marks a finished row in the list format.
const legacyCompleted = "✅ Completado"

type legacyRow struct {
	Question string `json:"Pregunta"`
	Section  string `json:"Sección"`
	Answer   string `json:"Respuesta"`
	Risk     string `json:"Riesgo"`
	State    string `json:"Estado"`
}

// Decode parses a stored record in any known shape and migrates it to the
// current one. Anything that is not JSON, or is neither an object nor an
// array, is an error.
func Decode(data []byte) (*model.Record, Format, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, FormatCurrent, eris.New("empty record")
	}

	switch trimmed[0] {
	case '[':
		var rows []legacyRow
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, FormatLegacyList, eris.Wrap(err, "decode legacy list")
		}
		return migrateList(rows), FormatLegacyList, nil
	case '{':
	default:
		return nil, FormatCurrent, eris.New("record is neither an object nor a list")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, FormatCurrent, eris.Wrap(err, "decode record")
	}

	if _, ok := probe["estado"]; ok {
		var rec model.Record
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, FormatCurrent, eris.Wrap(err, "decode record")
		}
		if rec.Results == nil {
			rec.Results = []model.Result{}
		}
		return &rec, FormatCurrent, nil
	}

	if raw, ok := probe["error"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = string(raw)
		}
		return &model.Record{Status: model.StatusError, Results: []model.Result{}, Error: msg}, FormatLegacyError, nil
	}

	return &model.Record{Status: model.StatusRunning, Results: []model.Result{}}, FormatLegacyObject, nil
}

// migrateList converts the list format. The batch counts as completed only
// when it has rows and every row is marked completed.
func migrateList(rows []legacyRow) *model.Record {
	completed := len(rows) > 0
	results := make([]model.Result, len(rows))
	for i, row := range rows {
		if row.State != legacyCompleted {
			completed = false
		}
		results[i] = model.Result{
			Question: row.Question,
			Section:  row.Section,
			Answer:   row.Answer,
			Risk:     model.Risk(row.Risk),
		}
	}

	rec := &model.Record{
		Status:     model.StatusRunning,
		Total:      len(rows),
		Results:    results,
		NumResults: len(rows),
	}
	if completed {
		rec.Status = model.StatusCompleted
		rec.Progress = len(rows)
	}
	return rec
}
