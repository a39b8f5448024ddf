package model

import (
	"math"
	"time"
)

// TimeLayout is the timestamp format written into progress records.
const TimeLayout = "2006-01-02 15:04:05"

// DefaultSection labels questions that arrive without a section.
const DefaultSection = "Sin sección"

// FormatTime renders t in the progress record layout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// Status is the lifecycle state of a batch as persisted in its progress record.
type Status string

const (
	StatusQueued     Status = "en_cola"
	StatusRunning    Status = "en_progreso"
	StatusRerunning  Status = "reanalisis_en_progreso"
	StatusCompleted  Status = "completado"
	StatusError      Status = "error"
	StatusNotStarted Status = "no_iniciado" // reported on reads for unknown batch ids, never persisted
)

// IsTerminal reports whether no run is expected to mutate the record further.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Risk is the canonical risk level attached to every answer.
type Risk string

const (
	RiskHigh        Risk = "Alto"
	RiskMedium      Risk = "Medio"
	RiskLow         Risk = "Bajo"
	RiskUnevaluated Risk = "Sin evaluar"
)

// Valid reports whether r is one of the four canonical levels.
func (r Risk) Valid() bool {
	switch r {
	case RiskHigh, RiskMedium, RiskLow, RiskUnevaluated:
		return true
	}
	return false
}

// RerunKind tags results produced by an overwrite flow.
type RerunKind string

const (
	RerunIndividual RerunKind = "individual"
	RerunGlobal     RerunKind = "global"
)

// Question is one entry of the battery asked against the documents.
type Question struct {
	Text    string `json:"Pregunta"`
	Section string `json:"Sección"`
}

// SectionOrDefault returns the section label, falling back to DefaultSection.
func (q Question) SectionOrDefault() string {
	if q.Section == "" {
		return DefaultSection
	}
	return q.Section
}

// Result is the answer to a single question. Its position in Record.Results
// identifies the question it answers.
type Result struct {
	Question  string    `json:"Pregunta"`
	Section   string    `json:"Sección"`
	Answer    string    `json:"Respuesta"`
	Risk      Risk      `json:"Riesgo"`
	RerunAt   string    `json:"reanalizado_en,omitempty"`
	RerunKind RerunKind `json:"tipo_reanalisis,omitempty"`
}

// DocumentInfo describes one input document in the record metadata.
type DocumentInfo struct {
	Name    string `json:"nombre"`
	Kind    string `json:"tipo"`
	Bytes   int    `json:"bytes"`
	Pages   int    `json:"paginas"`
	Primary bool   `json:"principal,omitempty"`
	Warning string `json:"aviso,omitempty"`
}

// Metadata is the free-form part of a record. Extra carries caller supplied
// values and is sanitized before every write.
type Metadata struct {
	Model             string         `json:"modelo,omitempty"`
	Provider          string         `json:"proveedor,omitempty"`
	TotalPages        int            `json:"paginas_totales"`
	Documents         []DocumentInfo `json:"documentos,omitempty"`
	PreferAttachments bool           `json:"modo_adjuntos"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Record is the progress record of one batch. It is the only durable state
// the engine keeps.
type Record struct {
	Status         Status     `json:"estado"`
	Progress       int        `json:"progreso"`
	Total          int        `json:"total_preguntas"`
	Results        []Result   `json:"resultados"`
	Questions      []Question `json:"preguntas_originales,omitempty"`
	NumResults     int        `json:"num_resultados,omitempty"`
	StartedAt      string     `json:"fecha_inicio,omitempty"`
	ModifiedAt     string     `json:"fecha_modificacion,omitempty"`
	FinishedAt     string     `json:"fecha_finalizacion,omitempty"`
	FailedAt       string     `json:"fecha_error,omitempty"`
	Error          string     `json:"error,omitempty"`
	RerunKind      RerunKind  `json:"tipo_reanalisis,omitempty"`
	LastRerunIndex *int       `json:"ultima_pregunta_reanalizada,omitempty"`
	Metadata       *Metadata  `json:"metadatos,omitempty"`
}

// NewQueuedRecord returns the record written when a batch is first accepted.
func NewQueuedRecord(questions []Question) *Record {
	return &Record{
		Status:    StatusQueued,
		Total:     len(questions),
		Results:   []Result{},
		Questions: questions,
	}
}

// NewErrorRecord returns the minimal record written when nothing better is
// available.
func NewErrorRecord(msg string, at time.Time) *Record {
	return &Record{
		Status:   StatusError,
		Results:  []Result{},
		Error:    msg,
		FailedAt: FormatTime(at),
	}
}

// Percent is progress over total, rounded to one decimal. Zero when the total
// is unknown.
func (r *Record) Percent() float64 {
	if r.Total <= 0 {
		return 0
	}
	return math.Round(float64(r.Progress)/float64(r.Total)*1000) / 10
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Results = append([]Result(nil), r.Results...)
	if out.Results == nil {
		out.Results = []Result{}
	}
	if r.Questions != nil {
		out.Questions = append([]Question(nil), r.Questions...)
	}
	if r.LastRerunIndex != nil {
		idx := *r.LastRerunIndex
		out.LastRerunIndex = &idx
	}
	if r.Metadata != nil {
		md := *r.Metadata
		md.Documents = append([]DocumentInfo(nil), r.Metadata.Documents...)
		if r.Metadata.Extra != nil {
			md.Extra = make(map[string]any, len(r.Metadata.Extra))
			for k, v := range r.Metadata.Extra {
				md.Extra[k] = v
			}
		}
		out.Metadata = &md
	}
	return &out
}

// QuestionAt returns the canonical question for index i, preferring the
// recorded battery and falling back to the result at that position.
func (r *Record) QuestionAt(i int) (Question, bool) {
	if i < 0 {
		return Question{}, false
	}
	if i < len(r.Questions) {
		return r.Questions[i], true
	}
	if i < len(r.Results) {
		return Question{Text: r.Results[i].Question, Section: r.Results[i].Section}, true
	}
	return Question{}, false
}
