package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/buffer"
	"github.com/arkilian/buffertable/pkg/types"
)

// InsertRequest represents a batch insert request.
type InsertRequest struct {
	Rows []map[string]any `json:"rows"`
}

// InsertResponse represents the insert response.
type InsertResponse struct {
	RowCount  int    `json:"row_count"`
	RequestID string `json:"request_id"`
}

// InsertHandler handles POST /v1/insert requests.
type InsertHandler struct {
	engine *buffer.Engine
}

// NewInsertHandler creates a new insert handler.
func NewInsertHandler(engine *buffer.Engine) *InsertHandler {
	return &InsertHandler{engine: engine}
}

// ServeHTTP handles the insert HTTP request.
func (h *InsertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows must not be empty", requestID)
		return
	}

	schema := h.engine.Columns().NonMaterialized()
	b, err := blockFromJSONRows(schema, req.Rows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	if err := h.engine.Write(r.Context(), b); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), requestID)
		return
	}

	writeJSON(w, http.StatusOK, InsertResponse{RowCount: b.Rows(), RequestID: requestID})
}

// blockFromJSONRows builds a block in schema order from decoded JSON rows.
func blockFromJSONRows(schema types.Schema, rows []map[string]any) (*block.Block, error) {
	b, err := block.New(schema)
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(schema.Columns))
	for n, row := range rows {
		for i, def := range schema.Columns {
			raw, ok := row[def.Name]
			if !ok {
				return nil, fmt.Errorf("row %d: missing column %q", n, def.Name)
			}
			v, err := jsonValue(raw, def.Kind)
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: %w", n, def.Name, err)
			}
			vals[i] = v
		}
		if err := b.AppendValues(vals); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// jsonValue converts a decoded JSON value to the column's kind. JSON
// numbers arrive as float64; BYTES values arrive base64-encoded.
func jsonValue(raw any, kind types.ColumnKind) (any, error) {
	switch kind {
	case types.KindInt64:
		f, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
		return int64(f), nil
	case types.KindFloat64:
		f, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
		return f, nil
	case types.KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case types.KindBytes:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string, got %T", raw)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unsupported column kind %q", kind)
}

// jsonEncodable converts a column value to its JSON representation.
func jsonEncodable(v any) any {
	if b, ok := v.([]byte); ok {
		return base64.StdEncoding.EncodeToString(b)
	}
	return v
}
