package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/polisai/polis-exec/internal/governance"
	"github.com/polisai/polis-exec/pkg/capability"
	"github.com/polisai/polis-exec/pkg/pipeline"
)

// HealthStatus represents the health status of the server
type HealthStatus struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Commands    int    `json:"commands"`
	ZFSEnabled  bool   `json:"zfs_enabled"`
	ConfigDrift bool   `json:"config_drift"`
	// RateLimits holds bucket state per scope ("command", "unlock") and key.
	// Scopes without active buckets are omitted.
	RateLimits map[string]map[string]governance.RateLimitStats `json:"rate_limits,omitempty"`
}

// Health returns the current health status.
func (s *Server) Health() HealthStatus {
	s.mu.Lock()
	drifted := s.drifted
	s.mu.Unlock()

	status := HealthStatus{
		Status:     "healthy",
		Version:    s.opts.Version,
		Commands:   s.registry.Len(),
		ZFSEnabled: s.storage != nil && s.storage.Enabled(),
	}
	if drifted != nil {
		status.ConfigDrift = drifted()
	}
	for scope, limiter := range map[string]*governance.RateLimiter{"command": s.commandLimiter, "unlock": s.unlockLimiter} {
		stats := limiter.Stats()
		if len(stats) == 0 {
			continue
		}
		if status.RateLimits == nil {
			status.RateLimits = make(map[string]map[string]governance.RateLimitStats)
		}
		status.RateLimits[scope] = stats
	}
	return status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Health())
}

func (s *Server) handleHello(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "hello", "service": "polis-exec"})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.publisher.Describe())
}

// CommandList is the body of GET /custom-commands-list.
type CommandList struct {
	Commands []capability.Command `json:"commands"`
}

func (s *Server) handleCommandList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CommandList{Commands: s.publisher.Commands()})
}

// CommandRequest is the JSON form of a custom command body.
type CommandRequest struct {
	Stdin *string `json:"stdin"`
}

// CommandResponse is the result of a custom command.
type CommandResponse struct {
	Succeeded        bool   `json:"succeeded"`
	FinalStdout      string `json:"final_stdout"`
	FailedStageIndex *int   `json:"failed_stage_index"`
	ErrorKind        string `json:"error_kind,omitempty"`
	Error            string `json:"error,omitempty"`
	ExitCode         *int   `json:"exit_code"`
	Stderr           string `json:"stderr"`
	OutputTruncated  bool   `json:"output_truncated"`
	RequestID        string `json:"request_id,omitempty"`
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	endpoint := r.PathValue("endpoint")
	def, ok := s.registry.Lookup(endpoint)
	if !ok {
		writeError(w, r, http.StatusNotFound, KindNotFound, ErrUnknownCommand.Error()+": "+endpoint)
		return
	}

	if !s.allow(w, r, s.commandLimiter, "command", def.Endpoint) {
		return
	}

	input, hasInput, err := s.readCommandInput(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, KindInputTooLarge, "input exceeds the configured limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, KindBadRequest, "invalid request body: "+err.Error())
		return
	}
	if hasInput && !def.StdinAllow {
		writeError(w, r, http.StatusBadRequest, KindStdinNotAllowed, ErrStdinNotAllowed.Error())
		return
	}

	start := time.Now()
	out := s.runner.Execute(r.Context(), pipeline.Request{
		Name:     def.Endpoint,
		Stages:   def.Stages,
		Input:    input,
		HasInput: hasInput,
		Secret:   def.StdinIsSecret,
		Timeout:  def.Timeout,
	})
	kind := pipeline.ErrorKind(out.Err)
	s.log.LogCommand(r.Context(), def.Endpoint, hasInput, out.Err == nil, kind, time.Since(start))

	resp := CommandResponse{
		Succeeded:        out.Err == nil,
		FinalStdout:      string(out.Stdout),
		FailedStageIndex: out.FailedStage,
		ErrorKind:        kind,
		OutputTruncated:  out.Truncated(),
		RequestID:        RequestIDFromContext(r.Context()),
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	if len(out.Stages) > 0 {
		code := out.ExitCode()
		resp.ExitCode = &code
	}
	if failed, ok := out.FailedStageResult(); ok {
		resp.Stderr = string(failed.Stderr)
	} else if len(out.Stages) > 0 {
		resp.Stderr = string(out.Stages[len(out.Stages)-1].Stderr)
	}

	writeJSON(w, pipelineStatus(out.Err), resp)
}

// readCommandInput reads the body as {"stdin": "..."} when it is JSON and as
// raw bytes otherwise. An empty body or an empty or null stdin means no input.
func (s *Server) readCommandInput(w http.ResponseWriter, r *http.Request) ([]byte, bool, error) {
	limit := s.opts.MaxInputBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	// JSON framing adds quotes and escapes on top of the payload.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit*2+64))
	if err != nil {
		return nil, false, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false, nil
	}

	var input []byte
	if isJSON(r) {
		var req CommandRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, false, err
		}
		if req.Stdin == nil || *req.Stdin == "" {
			return nil, false, nil
		}
		input = []byte(*req.Stdin)
	} else {
		input = body
	}

	if int64(len(input)) > limit {
		return nil, false, &http.MaxBytesError{Limit: limit}
	}
	return input, true, nil
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}
