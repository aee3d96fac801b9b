package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/calyptra/synapse/bridge"
)

// maxRequestBytes bounds any request body read by the control surface.
const maxRequestBytes = 8 << 20

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// httpStatus maps bridge result codes onto HTTP statuses.
func httpStatus(code bridge.Result) int {
	switch code {
	case bridge.ResultOK:
		return http.StatusOK
	case bridge.ResultNotFound, bridge.ResultInvalidHandle:
		return http.StatusNotFound
	case bridge.ResultAlreadyExists, bridge.ResultAlreadyInitialized:
		return http.StatusConflict
	case bridge.ResultInvalidArgument, bridge.ResultNullPointer:
		return http.StatusBadRequest
	case bridge.ResultTimeout:
		return http.StatusGatewayTimeout
	case bridge.ResultResourceExhausted:
		return http.StatusInsufficientStorage
	case bridge.ResultNotInitialized:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := bridge.ResultOf(err)
	writeJSON(w, httpStatus(code), errorBody{Error: err.Error(), Code: code.String()})
}

func readBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "io failed"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid argument"})
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

// handleSubmit passes the raw body through as task JSON. Application
// failures come back inside the worker's own response body with 200;
// transport failures map through the result taxonomy.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	task, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "io failed"})
		return
	}

	body, err := s.bridge.SubmitTask(r.Context(), task)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !readBody(w, r, &req) {
		return
	}

	echo, err := s.bridge.Ping(r.Context(), req.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"echo": echo})
}

func (s *Server) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Size int `json:"size"`
	}
	if !readBody(w, r, &req) {
		return
	}

	name, err := s.bridge.CreateBlock(req.Size)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) handleDestroyBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.DestroyBlock(r.PathValue("name")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"destroyed": true})
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Handle string `json:"handle"`
	}
	if !readBody(w, r, &req) {
		return
	}

	if err := s.bridge.BindVSA(req.Name, req.Handle); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"bound": true})
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !readBody(w, r, &req) {
		return
	}

	if err := s.bridge.UnbindVSA(req.Name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unbound": true})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		QueryBlock  string `json:"query_block"`
		ResultBlock string `json:"result_block"`
	}
	if !readBody(w, r, &req) {
		return
	}

	if err := s.bridge.QueryVSA(r.Context(), req.Name, req.QueryBlock, req.ResultBlock); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queried": true})
}

func (s *Server) handleLastError(w http.ResponseWriter, r *http.Request) {
	message, occupied := bridge.LastError()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"occupied": occupied,
		"message":  message,
	})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	bridge.ClearError()
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.bridge.Snapshot()
	data, err := bridge.MarshalSnapshot(&snap)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(data)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "n must be a positive integer", Code: "invalid argument"})
			return
		}
		n = parsed
	}

	entries, err := s.bridge.Journal(n)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
