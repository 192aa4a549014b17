package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/storage"
	"github.com/haasonsaas/conduit/pkg/models"
)

const maxBodyBytes = 1 << 20

type createAssistantRequest struct {
	Name         string            `json:"name"`
	Model        string            `json:"model"`
	Instructions string            `json:"instructions"`
	Tools        []models.ToolSpec `json:"tools"`
	FileIDs      []string          `json:"file_ids"`
}

type createThreadRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type createMessageRequest struct {
	Role     models.Role    `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type createRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

type listResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleCreateAssistant(w http.ResponseWriter, r *http.Request) {
	var req createAssistantRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}
	for i, tool := range req.Tools {
		if err := validateToolSpec(tool); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("tools[%d]: %v", i, err))
			return
		}
	}

	assistant := &models.Assistant{
		ID:           s.newID("asst"),
		Name:         req.Name,
		Model:        req.Model,
		Instructions: req.Instructions,
		Tools:        req.Tools,
		FileIDs:      req.FileIDs,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.stores.Assistants.Create(r.Context(), assistant); err != nil {
		s.writeStoreError(w, r, "create assistant", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, assistant)
}

func (s *Server) handleGetAssistant(w http.ResponseWriter, r *http.Request) {
	assistant, err := s.stores.Assistants.Get(r.Context(), r.PathValue("assistant_id"))
	if err != nil {
		s.writeStoreError(w, r, "get assistant", err)
		return
	}
	s.writeJSON(w, http.StatusOK, assistant)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if !s.decode(w, r, &req) {
		return
	}
	thread := &models.Thread{
		ID:        s.newID("thread"),
		Metadata:  req.Metadata,
		CreatedAt: s.now().UTC(),
	}
	if err := s.stores.Threads.Create(r.Context(), thread); err != nil {
		s.writeStoreError(w, r, "create thread", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.stores.Threads.Get(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		s.writeStoreError(w, r, "get thread", err)
		return
	}
	s.writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	var req createMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	if req.Role != models.RoleUser && req.Role != models.RoleAssistant {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "role must be user or assistant")
		return
	}
	if models.IsBlank(req.Content) {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	if _, err := s.stores.Threads.Get(r.Context(), threadID); err != nil {
		s.writeStoreError(w, r, "get thread", err)
		return
	}

	msg := &models.ThreadMessage{
		ID:        s.newID("msg"),
		ThreadID:  threadID,
		Role:      req.Role,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: s.now().UTC(),
	}
	if err := s.stores.Messages.Insert(r.Context(), msg); err != nil {
		s.writeStoreError(w, r, "insert message", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if _, err := s.stores.Threads.Get(r.Context(), threadID); err != nil {
		s.writeStoreError(w, r, "get thread", err)
		return
	}
	messages, err := s.stores.Messages.ListByThread(r.Context(), threadID)
	if err != nil {
		s.writeStoreError(w, r, "list messages", err)
		return
	}
	if messages == nil {
		messages = []*models.ThreadMessage{}
	}
	s.writeJSON(w, http.StatusOK, listResponse[*models.ThreadMessage]{Object: "list", Data: messages})
}

// handleCreateRun stores a queued run that snapshots the assistant and
// enqueues it. The response does not wait for execution.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	var req createRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AssistantID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "assistant_id is required")
		return
	}
	if _, err := s.stores.Threads.Get(r.Context(), threadID); err != nil {
		s.writeStoreError(w, r, "get thread", err)
		return
	}
	assistant, err := s.stores.Assistants.Get(r.Context(), req.AssistantID)
	if err != nil {
		s.writeStoreError(w, r, "get assistant", err)
		return
	}

	run := &models.Run{
		ID:           s.newID("run"),
		ThreadID:     threadID,
		AssistantID:  assistant.ID,
		Model:        assistant.Model,
		Instructions: assistant.Instructions,
		Tools:        assistant.Tools,
		Status:       models.RunStatusQueued,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.stores.Runs.Create(r.Context(), run); err != nil {
		s.writeStoreError(w, r, "create run", err)
		return
	}

	err = s.scheduler.Enqueue(r.Context(), models.RunRequest{
		AssistantID: assistant.ID,
		ThreadID:    threadID,
		RunID:       run.ID,
	})
	if err != nil {
		s.logger.ErrorContext(r.Context(), "enqueue run failed", "run_id", run.ID, "error", err)
		if _, terr := s.stores.Runs.Transition(r.Context(), run.ID, models.RunStatusFailed, s.now().UTC()); terr != nil {
			s.logger.WarnContext(r.Context(), "mark unscheduled run failed", "run_id", run.ID, "error", terr)
		}
		s.writeError(w, http.StatusServiceUnavailable, "enqueue_failed", "run could not be scheduled")
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.stores.Runs.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeStoreError(w, r, "get run", err)
		return
	}
	if run.ThreadID != r.PathValue("thread_id") {
		s.writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func validateToolSpec(tool models.ToolSpec) error {
	switch tool.Type {
	case models.ToolTypeRetrieval, models.ToolTypeWebBrowse, models.ToolTypeCodeInterpreter:
		return nil
	case models.ToolTypeFunction:
		if tool.Function == nil || strings.TrimSpace(tool.Function.Name) == "" {
			return errors.New("function tools need function.name")
		}
		if len(tool.Function.Parameters) > 0 && !json.Valid(tool.Function.Parameters) {
			return errors.New("function.parameters must be a JSON object")
		}
		return nil
	default:
		return fmt.Errorf("unknown tool type %q", tool.Type)
	}
}

// decode reads a JSON body into dst. An empty body leaves dst zeroed.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), op+" failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: message}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
