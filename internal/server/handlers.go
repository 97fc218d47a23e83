package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sozercan/mmr-api/apimodels"
	apperrors "github.com/sozercan/mmr-api/internal/errors"
)

const maxRequestBody = 1 << 20

var errTrailingData = errors.New("request body must contain a single JSON value")

// result is what a handler produces: a payload on success, a normalized error otherwise.
type result struct {
	status  int
	payload interface{}
	err     *apperrors.StandardError
}

func success(payload interface{}) result {
	return result{status: http.StatusOK, payload: payload}
}

func failure(err error) result {
	stdErr := apperrors.Normalize(err)
	return result{
		status:  apperrors.HTTPStatus(stdErr.Code),
		payload: apimodels.ErrorResponse{Error: stdErr.Message},
		err:     stdErr,
	}
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, res result) {
	if res.err != nil {
		fields := map[string]interface{}{
			"code":      string(res.err.Code),
			"path":      r.URL.Path,
			"requestId": middleware.GetReqID(r.Context()),
		}
		if apperrors.IsValidation(res.err) {
			s.logger.Warn(res.err.Message, fields)
		} else {
			s.logger.WithError(res.err).Error("request failed", fields)
		}
	}

	writeJSON(w, res.status, res.payload)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.query(r))
}

func (s *Server) query(r *http.Request) result {
	defer r.Body.Close()

	req, err := decodeQuery(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return failure(err)
	}

	ctx := r.Context()
	if timeout := s.cfg.Server.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return failure(err)
	}
	return success(resp)
}

// decodeQuery reads exactly one JSON value. An empty body decodes to the zero
// request and is later rejected as a missing prompt.
func decodeQuery(body io.Reader) (apimodels.QueryRequest, error) {
	var req apimodels.QueryRequest
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		return req, err
	}

	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return req, nil
	case err != nil:
		return req, err
	default:
		return req, errTrailingData
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, success(apimodels.HealthResponse{
		Status:    "healthy",
		Message:   s.catalog.ServiceMessage,
		Timestamp: unixSeconds(s.now()),
	}))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.catalog.Info
	s.respond(w, r, success(apimodels.InfoResponse{
		ModelName:    info.ModelName,
		Version:      info.Version,
		Description:  info.Description,
		Capabilities: info.Capabilities,
		Improvements: info.Improvements,
		Note:         info.Note,
	}))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, apimodels.ErrorResponse{Error: "Not found"})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, apimodels.ErrorResponse{Error: "Method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
