package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/batch"
	"github.com/sells-group/risk-analyzer/internal/docctx"
	"github.com/sells-group/risk-analyzer/internal/docstore"
	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/progress"
	"github.com/sells-group/risk-analyzer/internal/questions"
	"github.com/sells-group/risk-analyzer/internal/store"
	"github.com/sells-group/risk-analyzer/internal/task"
)

const (
	msgNoRecord       = "No existe el análisis original"
	msgNoDocuments    = "No existe el contrato original"
	msgBadIndex       = "Pregunta no encontrada o índice fuera de rango"
	msgNoBattery      = "Archivo de preguntas no encontrado"
	msgCorrupt        = "Archivo de progreso corrupto"
	msgInvalidID      = "Identificador de análisis inválido"
	msgInvalidBody    = "Cuerpo de la petición inválido"
	msgNoFiles        = "No se recibió ningún archivo"
	msgShuttingDown   = "El servidor se está deteniendo"
	msgRerunSingleOK  = "Re-análisis individual iniciado (sobreescribiendo análisis original)"
	msgRerunGlobalOK  = "Reanálisis global iniciado (sobreescribiendo análisis original)"
	msgCompletedBatch = "No se puede cancelar un proceso ya completado"
)

// statusView is a record plus the computed percentage.
type statusView struct {
	*model.Record
	Percent float64 `json:"porcentaje"`
}

// processView is one row of the batch listing.
type processView struct {
	File         string       `json:"archivo"`
	ID           string       `json:"id"`
	Status       model.Status `json:"estado"`
	ModifiedAt   string       `json:"fecha_modificacion"`
	NumResults   int          `json:"num_resultados"`
	NumQuestions int          `json:"num_preguntas"`
	Percent      float64      `json:"porcentaje"`
	Error        string       `json:"error,omitempty"`
	Active       bool         `json:"en_curso"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes())
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("El envío supera el límite de %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := append(r.MultipartForm.File["file"], r.MultipartForm.File["files"]...)
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, msgNoFiles)
		return
	}
	docs, err := readUploads(headers)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Error al procesar archivo: %v", err))
		return
	}

	var qs []model.Question
	if raw := strings.TrimSpace(r.FormValue("preguntas")); raw != "" {
		qs, err = questions.ParseJSON([]byte(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Preguntas personalizadas inválidas")
			return
		}
	} else {
		qs, err = s.Questions()
		if err != nil {
			zap.L().Error("server: load question battery", zap.Error(err))
			writeError(w, http.StatusInternalServerError, msgNoBattery)
			return
		}
	}

	prefer := s.Config.Analysis.PreferAttachments
	if raw := r.FormValue("adjuntos"); raw != "" {
		prefer, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Valor de 'adjuntos' inválido")
			return
		}
	}

	id := uuid.NewString()
	log := zap.L().With(zap.String("batch_id", id))
	ctx := r.Context()

	if err := s.Docs.Save(ctx, id, docs); err != nil {
		log.Error("server: save documents", zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error al procesar archivo: %v", err))
		return
	}
	if err := s.Runner.Enqueue(ctx, id, qs, prefer); err != nil {
		log.Error("server: enqueue batch", zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error al procesar archivo: %v", err))
		return
	}

	req := batch.Request{ID: id, Documents: docs, Questions: qs, PreferAttachments: prefer}
	err = s.Tasks.Submit(id, kindRun, func(ctx context.Context) error {
		return s.Runner.Run(ctx, req)
	})
	if !s.submitted(w, id, err) {
		return
	}
	log.Info("server: batch accepted", zap.Int("documents", len(docs)), zap.Int("questions", len(qs)))
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func readUploads(headers []*multipart.FileHeader) ([]docctx.Document, error) {
	docs := make([]docctx.Document, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, eris.Wrapf(err, "open %s", fh.Filename)
		}
		data, err := io.ReadAll(f)
		f.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrapf(err, "read %s", fh.Filename)
		}
		docs = append(docs, docctx.Document{Name: fh.Filename, Data: data})
	}
	return docs, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.Progress.Read(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, statusView{Record: rec.Sanitized(), Percent: rec.Percent()})
	case eris.Is(err, progress.ErrNotFound):
		writeJSON(w, http.StatusOK, map[string]any{
			"estado":     model.StatusNotStarted,
			"resultados": []model.Result{},
			"porcentaje": 0,
		})
	case eris.Is(err, progress.ErrCorrupt):
		zap.L().Warn("server: corrupt progress record", zap.String("batch_id", id), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{
			"estado":     model.StatusError,
			"resultados": []model.Result{},
			"error":      msgCorrupt,
			"porcentaje": 0,
		})
	case eris.Is(err, progress.ErrInvalidID):
		writeError(w, http.StatusBadRequest, msgInvalidID)
	default:
		zap.L().Error("server: read progress", zap.String("batch_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error al leer el progreso: %v", err))
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{Status: model.Status(r.URL.Query().Get("estado")), Limit: defaultListLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Valor de 'limit' inválido")
			return
		}
		f.Limit = n
	}

	var (
		rows []processView
		err  error
	)
	if _, nop := s.Index.(store.Nop); !nop {
		rows, err = s.listFromIndex(r.Context(), f)
		if err != nil {
			zap.L().Warn("server: index listing failed, scanning progress records", zap.Error(err))
		}
	}
	if rows == nil {
		rows, err = s.listFromRecords(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error al listar procesos: %v", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) listFromIndex(ctx context.Context, f store.Filter) ([]processView, error) {
	entries, err := s.Index.List(ctx, f)
	if err != nil {
		return nil, err
	}
	rows := make([]processView, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, processView{
			File:         strings.Join(e.Documents, ", "),
			ID:           e.ID,
			Status:       e.Status,
			ModifiedAt:   model.FormatTime(e.UpdatedAt),
			NumResults:   e.Progress,
			NumQuestions: e.Total,
			Percent:      e.Percent(),
			Error:        e.Error,
			Active:       s.Tasks.Busy(e.ID),
		})
	}
	return rows, nil
}

// listFromRecords reads every progress record, newest first.
func (s *Server) listFromRecords(ctx context.Context, f store.Filter) ([]processView, error) {
	ids, err := s.Progress.List(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]processView, 0, len(ids))
	for _, id := range ids {
		row := processView{ID: id, Active: s.Tasks.Busy(id)}
		rec, err := s.Progress.Read(ctx, id)
		switch {
		case eris.Is(err, progress.ErrNotFound):
			continue
		case err != nil:
			row.Status = model.StatusError
			row.Error = msgCorrupt
		default:
			row.Status = rec.Status
			row.ModifiedAt = rec.ModifiedAt
			row.NumResults = len(rec.Results)
			row.NumQuestions = rec.Total
			row.Percent = rec.Percent()
			row.Error = rec.Error
			if rec.Metadata != nil {
				names := make([]string, 0, len(rec.Metadata.Documents))
				for _, d := range rec.Metadata.Documents {
					names = append(names, d.Name)
				}
				row.File = strings.Join(names, ", ")
			}
		}
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ModifiedAt != rows[j].ModifiedAt {
			return rows[i].ModifiedAt > rows[j].ModifiedAt
		}
		return rows[i].ID < rows[j].ID
	})
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	return rows, nil
}

func (s *Server) handleRerunSingle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !progress.ValidID(id) {
		writeError(w, http.StatusBadRequest, msgInvalidID)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, msgBadIndex)
		return
	}
	var body struct {
		Question string `json:"pregunta"`
		Section  string `json:"seccion"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	if s.busy(w, id) {
		return
	}

	ctx := r.Context()
	if _, err := s.Runner.CheckSingle(ctx, id, index); err != nil {
		switch {
		case eris.Is(err, progress.ErrNotFound):
			writeError(w, http.StatusNotFound, msgNoRecord)
		case eris.Is(err, batch.ErrIndexOutOfRange), eris.Is(err, batch.ErrNoResult):
			writeError(w, http.StatusBadRequest, msgBadIndex)
		case eris.Is(err, progress.ErrCorrupt):
			writeError(w, http.StatusInternalServerError, msgCorrupt)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	docs, ok := s.loadDocuments(w, r, id)
	if !ok {
		return
	}

	req := batch.SingleRequest{
		ID:                id,
		Documents:         docs,
		Index:             index,
		Text:              strings.TrimSpace(body.Question),
		Section:           strings.TrimSpace(body.Section),
		PreferAttachments: s.preferFor(ctx, id),
	}
	err = s.Tasks.Submit(id, kindRerunSingle, func(ctx context.Context) error {
		return s.Runner.RerunSingle(ctx, req)
	})
	if !s.submitted(w, id, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "mensaje": msgRerunSingleOK})
}

func (s *Server) handleRerunAll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !progress.ValidID(id) {
		writeError(w, http.StatusBadRequest, msgInvalidID)
		return
	}
	var body struct {
		Questions json.RawMessage `json:"preguntas"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	if len(body.Questions) == 0 {
		writeError(w, http.StatusBadRequest, "Lista de preguntas vacía")
		return
	}
	qs, err := questions.ParseJSON(body.Questions)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Lista de preguntas inválida")
		return
	}
	if s.busy(w, id) {
		return
	}

	ctx := r.Context()
	exists, err := s.Progress.Exists(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, msgNoRecord)
		return
	}
	docs, ok := s.loadDocuments(w, r, id)
	if !ok {
		return
	}

	req := batch.Request{ID: id, Documents: docs, Questions: qs, PreferAttachments: s.preferFor(ctx, id)}
	err = s.Tasks.Submit(id, kindRerunGlobal, func(ctx context.Context) error {
		return s.Runner.RerunAll(ctx, req)
	})
	if !s.submitted(w, id, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "mensaje": msgRerunGlobalOK})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	prev, err := s.Runner.Cancel(r.Context(), id)
	switch {
	case err == nil:
		if s.Tasks.Drop(id) {
			zap.L().Info("server: dropped queued task", zap.String("batch_id", id))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":              id,
			"mensaje":         fmt.Sprintf("Proceso %s cancelado exitosamente", id),
			"estado_anterior": prev,
		})
	case eris.Is(err, progress.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Proceso %s no encontrado", id))
	case eris.Is(err, batch.ErrAlreadyCompleted):
		writeError(w, http.StatusBadRequest, msgCompletedBatch)
	case eris.Is(err, progress.ErrInvalidID):
		writeError(w, http.StatusBadRequest, msgInvalidID)
	default:
		zap.L().Error("server: cancel batch", zap.String("batch_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error interno al cancelar proceso: %v", err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := true

	batteryStatus := "ok"
	if _, err := os.Stat(s.Config.Analysis.QuestionsPath); err != nil {
		batteryStatus = "error"
		healthy = false
	}
	dirs := map[string]bool{
		"documentos": isDir(s.Config.Data.DocumentsPath()),
		"progreso":   isDir(s.Config.Data.ProgressPath()),
	}
	for _, ok := range dirs {
		healthy = healthy && ok
	}
	providers := s.Providers
	if providers == nil {
		providers = []string{}
	}
	healthy = healthy && len(providers) > 0

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": s.Now().Format(time.RFC3339),
		"checks": map[string]any{
			"preguntas_file": map[string]string{"status": batteryStatus, "path": s.Config.Analysis.QuestionsPath},
			"directories":    dirs,
			"providers":      map[string]any{"configured": len(providers) > 0, "available": providers},
		},
		"tareas_activas": s.Tasks.Active(),
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, msgInvalidBody)
	return false
}

func (s *Server) busy(w http.ResponseWriter, id string) bool {
	if !s.Tasks.Busy(id) {
		return false
	}
	writeError(w, http.StatusConflict, fmt.Sprintf("El análisis %s tiene una tarea en curso", id))
	return true
}

func (s *Server) submitted(w http.ResponseWriter, id string, err error) bool {
	switch {
	case err == nil:
		return true
	case eris.Is(err, task.ErrBusy):
		writeError(w, http.StatusConflict, fmt.Sprintf("El análisis %s tiene una tarea en curso", id))
	case eris.Is(err, task.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, msgShuttingDown)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	return false
}

func (s *Server) loadDocuments(w http.ResponseWriter, r *http.Request, id string) ([]docctx.Document, bool) {
	docs, err := s.Docs.Load(r.Context(), id)
	switch {
	case err == nil && len(docs) > 0:
		return docs, true
	case err == nil, eris.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, msgNoDocuments)
	default:
		zap.L().Error("server: load documents", zap.String("batch_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	return nil, false
}

// preferFor keeps the delivery mode the batch was started with.
func (s *Server) preferFor(ctx context.Context, id string) bool {
	rec, err := s.Progress.Read(ctx, id)
	if err != nil || rec.Metadata == nil {
		return s.Config.Analysis.PreferAttachments
	}
	return rec.Metadata.PreferAttachments
}
