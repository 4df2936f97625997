package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/tableqa/pkg/analyzer"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/operations"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

type AnalyzeRequest struct {
	Query   string   `json:"query"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type DatasetRequest struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type DatasetResponse struct {
	ID        string          `json:"id"`
	ExpiresAt time.Time       `json:"expires_at"`
	Schema    *schema.Summary `json:"schema"`
}

type QuestionRequest struct {
	Query string `json:"query"`
}

type BatchRequest struct {
	Queries []string `json:"queries"`
}

type BatchResponse struct {
	Results []*analyzer.AnalysisResult `json:"results"`
}

type OperationsResponse struct {
	Operations []operations.CatalogEntry `json:"operations"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if len(s.rt.Registry.Names()) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("operation registry is empty\n")); err != nil {
			s.log.Error("server: failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, OperationsResponse{Operations: s.rt.Registry.Catalog()})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.rt.Analyzer.AnalyzeQuery(r.Context(), req.Query, req.Columns, req.Rows)
	s.writeJSON(w, analysisStatus(res), res)
}

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var (
		ds  *dataset.Dataset
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "text/csv":
		ds, err = dataset.ReadCSV(r.Body)
	default:
		var req DatasetRequest
		if !s.decode(w, r, &req) {
			return
		}
		ds, err = dataset.New(req.Columns, req.Rows)
	}
	if err != nil {
		s.writeError(w, requestStatus(err), fmt.Sprintf("invalid dataset: %v", err))
		return
	}

	sess, expiresAt := s.datasets.add(ds)
	s.log.Info("server: dataset stored", "id", sess.ID, "rows", ds.NumRows(),
		"columns", ds.NumColumns(), "expires_at", expiresAt, "sessions", s.datasets.count())
	s.writeJSON(w, http.StatusCreated, DatasetResponse{ID: sess.ID, ExpiresAt: expiresAt, Schema: sess.Schema})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	sess, expiresAt, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, DatasetResponse{ID: sess.ID, ExpiresAt: expiresAt, Schema: sess.Schema})
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if !s.datasets.remove(chi.URLParam(r, "id")) {
		s.writeError(w, http.StatusNotFound, "dataset not found or expired")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalyzeDataset(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.session(w, r)
	if !ok {
		return
	}
	var req QuestionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.rt.Analyzer.AnalyzeWithSchema(r.Context(), req.Query, sess.Dataset, sess.Schema)
	s.writeJSON(w, analysisStatus(res), res)
}

func (s *Server) handleBatchDataset(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.session(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Queries) == 0 {
		s.writeError(w, http.StatusBadRequest, "queries are required")
		return
	}
	results, err := s.rt.Analyzer.AnalyzeBatch(r.Context(), req.Queries, sess.Dataset)
	if err != nil {
		s.log.Info("server: batch aborted", "id", sess.ID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "batch analysis was interrupted")
		return
	}
	s.writeJSON(w, http.StatusOK, BatchResponse{Results: results})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session, time.Time, bool) {
	sess, expiresAt, ok := s.datasets.get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "dataset not found or expired")
		return nil, time.Time{}, false
	}
	return sess, expiresAt, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, requestStatus(err), "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// analysisStatus maps a result to an HTTP status. A question the pipeline could not
// answer is still a successful request; only rejected input is a client error.
func analysisStatus(res *analyzer.AnalysisResult) int {
	if res.Error != nil && res.Error.Kind == failure.InvalidInput {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func requestStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
