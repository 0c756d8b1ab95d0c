package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"modelstore/internal/model"
	"modelstore/internal/state"
)

type writeResponse struct {
	Position model.Position `json:"position"`
}

type reserveIDsRequest struct {
	Collection string `json:"collection"`
	Amount     int    `json:"amount"`
}

type reserveIDsResponse struct {
	IDs []int `json:"ids"`
}

type getRequest struct {
	Fqid     model.Fqid     `json:"fqid"`
	Position model.Position `json:"position,omitempty"`
}

type getManyRequest struct {
	Fqids []model.Fqid `json:"fqids"`
}

type filterRequest struct {
	Collection string          `json:"collection"`
	Field      string          `json:"field"`
	Value      json.RawMessage `json:"value"`
}

type filterResponse struct {
	Records []model.Record `json:"records"`
}

type getEverythingRequest struct {
	GetDeletedModels int `json:"get_deleted_models"`
}

func (r getEverythingRequest) behaviour() state.DeletedBehaviour {
	switch r.GetDeletedModels {
	case 1:
		return state.OnlyDeleted
	case 2:
		return state.AllModels
	default:
		return state.NoDeleted
	}
}

// errorBody is the structured error envelope. Conflicts carry the
// offending fqid and both positions so callers can re-read and retry.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Fqid     model.Fqid      `json:"fqid,omitempty"`
	Expected *model.Position `json:"expected_position,omitempty"`
	Actual   *model.Position `json:"actual_position,omitempty"`
}

func fieldEquals(field string, value json.RawMessage) func(model.Record) bool {
	want := compactJSON(value)
	return func(rec model.Record) bool {
		have, ok := rec.Fields[field]
		return ok && bytes.Equal(compactJSON(have), want)
	}
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		s.writeError(w, r, &model.Error{Code: model.EValidation, Msg: "malformed request body", Err: err})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ECode(err)
	detail := errorDetail{Code: code, Message: err.Error()}

	var conflict *model.Conflict
	if errors.As(err, &conflict) {
		detail.Fqid = conflict.Fqid
		expected, actual := conflict.Expected, conflict.Actual
		detail.Expected = &expected
		detail.Actual = &actual
	}

	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", w.Header().Get("X-Request-Id")),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Error: detail})
}

func statusFor(code string) int {
	switch code {
	case model.EValidation:
		return http.StatusBadRequest
	case model.EConflict:
		return http.StatusConflict
	case model.ENotFound:
		return http.StatusNotFound
	case model.EGone:
		return http.StatusGone
	case model.EStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
