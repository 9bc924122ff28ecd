package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/arkilian/buffertable/internal/buffer"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/pkg/types"
)

// QueryRequest represents a read request.
type QueryRequest struct {
	Columns      []string `json:"columns"`
	MaxBlockSize int      `json:"max_block_size,omitempty"`
}

// QueryResponse represents the read response.
type QueryResponse struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RequestID string   `json:"request_id"`
}

// QueryHandler handles POST /v1/query requests.
type QueryHandler struct {
	engine *buffer.Engine
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(engine *buffer.Engine) *QueryHandler {
	return &QueryHandler{engine: engine}
}

// ServeHTTP handles the query HTTP request.
func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	cols := req.Columns
	if len(cols) == 0 {
		for _, c := range h.engine.Columns().Columns {
			cols = append(cols, c.Name)
		}
	}

	pipes, err := h.engine.Read(r.Context(), cols, pipeline.QueryInfo{
		MaxBlockSize: req.MaxBlockSize,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), requestID)
		return
	}

	blocks, err := pipeline.Drain(pipes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), requestID)
		return
	}

	resp := QueryResponse{Columns: cols, Rows: [][]any{}, RequestID: requestID}
	for _, b := range blocks {
		for row := 0; row < b.Rows(); row++ {
			vals := make([]any, b.Columns())
			for col := 0; col < b.Columns(); col++ {
				vals[col] = jsonEncodable(b.ColumnAt(col).Value(row))
			}
			resp.Rows = append(resp.Rows, vals)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// OptimizeRequest represents a drain request.
type OptimizeRequest struct {
	Partition   string `json:"partition,omitempty"`
	Final       bool   `json:"final,omitempty"`
	Deduplicate bool   `json:"deduplicate,omitempty"`
}

// OptimizeHandler handles POST /v1/optimize requests, draining all shards.
type OptimizeHandler struct {
	engine *buffer.Engine
}

// NewOptimizeHandler creates a new optimize handler.
func NewOptimizeHandler(engine *buffer.Engine) *OptimizeHandler {
	return &OptimizeHandler{engine: engine}
}

func (h *OptimizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req OptimizeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
			return
		}
	}

	err := h.engine.Optimize(r.Context(), buffer.OptimizeOptions{
		Partition:   req.Partition,
		Final:       req.Final,
		Deduplicate: req.Deduplicate,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "request_id": requestID})
}

// AlterRequest represents a schema alteration request.
type AlterRequest struct {
	Commands []AlterCommand `json:"commands"`
}

// AlterCommand is one alteration in an AlterRequest.
type AlterCommand struct {
	Op      string          `json:"op"`
	Column  types.ColumnDef `json:"column"`
	Comment string          `json:"comment,omitempty"`
}

// AlterHandler handles POST /v1/alter requests.
type AlterHandler struct {
	engine *buffer.Engine
}

// NewAlterHandler creates a new alter handler.
func NewAlterHandler(engine *buffer.Engine) *AlterHandler {
	return &AlterHandler{engine: engine}
}

func (h *AlterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req AlterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	cmds := make([]buffer.AlterCommand, 0, len(req.Commands))
	for _, c := range req.Commands {
		cmds = append(cmds, buffer.AlterCommand{
			Op:      buffer.AlterOp(c.Op),
			Column:  c.Column,
			Comment: c.Comment,
		})
	}

	if err := h.engine.Alter(r.Context(), cmds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "request_id": requestID})
}

// StatsHandler handles GET /v1/stats requests.
type StatsHandler struct {
	engine *buffer.Engine
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(engine *buffer.Engine) *StatsHandler {
	return &StatsHandler{engine: engine}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	rows, known := h.engine.TotalRows()
	resp := map[string]any{
		"total_bytes": h.engine.TotalBytes(),
		"request_id":  requestID,
	}
	if known {
		resp["total_rows"] = rows
	}
	writeJSON(w, http.StatusOK, resp)
}
