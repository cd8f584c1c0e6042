// Package api holds the JSON request and response handling shared by the HTTP surfaces.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/guseggert/taskgate/task"
)

const maxBodyBytes = 1 << 20

var ErrInvalidJSON = errors.New("Invalid JSON")

// RunRequest is the body of a run request.
type RunRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// RunResponse is the body of a completed run, and of every error response.
type RunResponse struct {
	Output     string `json:"output"`
	Error      string `json:"error"`
	ReturnCode int    `json:"return_code"`
}

type CommandsResponse struct {
	Commands []string `json:"commands"`
}

// DecodeRunRequest reads and validates a run request. It returns ErrInvalidJSON for malformed bodies,
// and the policy's sentinel errors for missing or rejected commands. The command is trimmed.
func DecodeRunRequest(w http.ResponseWriter, r *http.Request, policy task.Policy) (*RunRequest, error) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err)
	}
	var req RunRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err)
	}
	req.Command = strings.TrimSpace(req.Command)
	if err := policy.Check(req.Command, req.Args); err != nil {
		return nil, err
	}
	return &req, nil
}

// Message returns the client-facing message for a request error: the sentinel's text without wrapped detail.
func Message(err error) string {
	for _, sentinel := range []error{ErrInvalidJSON, task.ErrCommandRequired, task.ErrInvalidCommand, task.ErrInvalidArgument} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func SetCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
}

// WriteJSON writes v with the given status and a wildcard CORS origin.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	SetCORS(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

// WriteError writes msg in the run response shape with ReturnCode -1.
func WriteError(w http.ResponseWriter, status int, msg string) error {
	return WriteJSON(w, status, RunResponse{Error: msg, ReturnCode: -1})
}

// Preflight answers a CORS preflight without looking at the body.
func Preflight(w http.ResponseWriter) error {
	h := w.Header()
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	return WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
