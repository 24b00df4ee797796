package ingress

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/deadletter"
	"github.com/JakeFAU/webshot/internal/pipeline"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

type recordsResponse struct {
	Domain  string                    `json:"domain"`
	Records []pipeline.AnalysisRecord `json:"records"`
}

type deadLettersResponse struct {
	Entries []pipeline.DeadLetterEntry `json:"entries"`
}

type replayResponse struct {
	MessageID string            `json:"messageId"`
	Item      pipeline.WorkItem `json:"item"`
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	query, err := parseRecordQuery(r)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	records, err := s.deps.Records.QueryRecords(r.Context(), query)
	if err != nil {
		s.logger.Error("query records failed", zap.String("domain", query.Domain), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, codeInternal, "failed to query records")
		return
	}
	if records == nil {
		records = []pipeline.AnalysisRecord{}
	}
	writeJSON(s.logger, w, http.StatusOK, recordsResponse{Domain: query.Domain, Records: records})
}

func parseRecordQuery(r *http.Request) (pipeline.RecordQuery, error) {
	query := pipeline.RecordQuery{Domain: chi.URLParam(r, "domain"), Limit: defaultRecordLimit}
	if query.Domain == "" {
		return query, errors.New("domain is required")
	}
	values := r.URL.Query()
	var err error
	if query.From, err = int64Param(values.Get("from"), 0); err != nil {
		return query, fmt.Errorf("from: %w", err)
	}
	if query.To, err = int64Param(values.Get("to"), 0); err != nil {
		return query, fmt.Errorf("to: %w", err)
	}
	if query.To != 0 && query.To < query.From {
		return query, errors.New("to must not be before from")
	}
	limit, err := int64Param(values.Get("limit"), defaultRecordLimit)
	if err != nil || limit <= 0 {
		return query, fmt.Errorf("limit must be a positive integer")
	}
	query.Limit = int(min(limit, maxRecordLimit))
	return query, nil
}

func int64Param(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %d", v)
	}
	return v, nil
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := int64Param(r.URL.Query().Get("limit"), defaultRecordLimit)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	entries, err := s.deps.DeadLetters.List(r.Context(), int(min(limit, maxRecordLimit)))
	if err != nil {
		s.logger.Error("list dead letters failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, codeInternal, "failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []pipeline.DeadLetterEntry{}
	}
	writeJSON(s.logger, w, http.StatusOK, deadLettersResponse{Entries: entries})
}

func (s *Server) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := deadletter.Replay(r.Context(), s.deps.DeadLetters, s.deps.Replayer, id)
	if err != nil {
		if errors.Is(err, pipeline.ErrDeadLetterNotFound) {
			writeError(s.logger, w, http.StatusNotFound, codeNotFound, "dead letter not found")
			return
		}
		s.logger.Error("replay failed", zap.String("message_id", id), zap.Error(err))
		writeError(s.logger, w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
		return
	}
	s.logger.Info("dead letter replayed",
		zap.String("message_id", id),
		zap.String("object_key", item.ObjectKey),
	)
	writeJSON(s.logger, w, http.StatusAccepted, replayResponse{MessageID: id, Item: item})
}
