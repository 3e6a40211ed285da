package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nstogner/deskpilot/pkg/credentials"
	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/runner"
	"github.com/nstogner/deskpilot/pkg/store"
)

// --- Runs ---

type startRunRequest struct {
	Instructions   string          `json:"instructions"`
	Model          string          `json:"model"`
	Mode           string          `json:"mode"`
	Voice          bool            `json:"voice"`
	ConversationID string          `json:"conversation_id"`
	History        []store.Message `json:"history"`
	// Screenshot attaches a capture of the desktop to the first turn.
	Screenshot bool `json:"screenshot"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.Instructions) == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("instructions are required"))
		return
	}
	mode, err := models.ParseMode(req.Mode)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	run := runner.RunRequest{
		Instructions:   req.Instructions,
		Model:          req.Model,
		Mode:           mode,
		Voice:          req.Voice,
		History:        req.History,
		ConversationID: req.ConversationID,
	}

	if req.Screenshot && s.runner.State().Running {
		s.errorResponse(w, http.StatusConflict, runner.ErrAlreadyRunning)
		return
	}
	if req.Screenshot && s.screen != nil && mode == models.ModeComputer {
		shot, err := s.screen.Capture(r.Context())
		if err != nil {
			s.errorResponse(w, http.StatusBadGateway, fmt.Errorf("failed to capture screenshot: %w", err))
			return
		}
		run.ContextScreenshot = shot.Source
	}

	runID, err := s.runner.Start(r.Context(), run)
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning):
		s.errorResponse(w, http.StatusConflict, err)
		return
	case errors.Is(err, runner.ErrNoCredential):
		s.errorResponse(w, http.StatusPreconditionFailed, err)
		return
	case errors.Is(err, store.ErrInvalidID):
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	s.runner.Stop()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.runner.State())
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	provider, err := s.runner.Provider(r.Context())
	if errors.Is(err, runner.ErrNoCredential) {
		s.errorResponse(w, http.StatusPreconditionFailed, err)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	if c, ok := provider.(io.Closer); ok {
		defer c.Close()
	}

	names, err := provider.List(r.Context())
	if err != nil {
		var apiErr *models.APIError
		if errors.As(err, &apiErr) {
			s.errorResponse(w, http.StatusBadGateway, err)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, names)
}

// --- Credentials ---

type keyRequest struct {
	Key string `json:"key"`
}

// handleSetKey keeps a key in memory for this process only.
func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	s.runner.RunState().SetAPIKey(strings.TrimSpace(req.Key))
	s.jsonResponse(w, http.StatusOK, map[string]bool{"has_api_key": s.runner.HasAPIKey()})
}

func (s *Server) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]bool{}
	if s.keys != nil {
		status = credentials.Status(s.keys)
	}
	if s.runner.RunState().APIKey() != "" {
		status[s.runner.Service()] = true
	}
	s.jsonResponse(w, http.StatusOK, status)
}

func (s *Server) handleSaveKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		s.errorResponse(w, http.StatusNotImplemented, errors.New("no credential store configured"))
		return
	}
	service := r.PathValue("service")
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	key := strings.TrimSpace(req.Key)
	if key == "" {
		if err := s.keys.Delete(service); err != nil && !errors.Is(err, credentials.ErrNotFound) {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.keys.Save(service, key); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Conversations ---

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	convs, err := s.conversations.ListConversations(limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if convs == nil {
		convs = []store.ConversationInfo{}
	}
	s.jsonResponse(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.conversations.LoadConversation(id)
	if errors.Is(err, store.ErrInvalidID) {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	defer conv.Close()

	msgs, err := conv.Messages()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	runs, err := conv.Runs()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"header":   conv.Header(),
		"messages": msgs,
		"runs":     runs,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if st := s.runner.State(); st.Running && st.ConversationID == id {
		s.errorResponse(w, http.StatusConflict, errors.New("conversation has an active run"))
		return
	}
	err := s.conversations.DeleteConversation(id)
	if errors.Is(err, store.ErrInvalidID) {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Browser ---

func (s *Server) requireBrowser(w http.ResponseWriter) bool {
	if s.browser == nil {
		s.errorResponse(w, http.StatusNotImplemented, errors.New("browser is not configured"))
		return false
	}
	return true
}

func (s *Server) handleBrowserOpen(w http.ResponseWriter, r *http.Request) {
	if !s.requireBrowser(w) {
		return
	}
	if err := s.browser.Open(r.Context()); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.browser.Status())
}

func (s *Server) handleBrowserOpenURL(w http.ResponseWriter, r *http.Request) {
	if !s.requireBrowser(w) {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	if err := s.browser.OpenURL(r.Context(), req.URL); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.browser.Status())
}

func (s *Server) handleBrowserReset(w http.ResponseWriter, r *http.Request) {
	if !s.requireBrowser(w) {
		return
	}
	if s.runner.State().Running {
		s.errorResponse(w, http.StatusConflict, runner.ErrAlreadyRunning)
		return
	}
	if err := s.browser.Reset(r.Context()); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.browser.Status())
}

func (s *Server) handleBrowserStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireBrowser(w) {
		return
	}
	s.jsonResponse(w, http.StatusOK, s.browser.Status())
}

func (s *Server) handleClearCookies(w http.ResponseWriter, r *http.Request) {
	if !s.requireBrowser(w) {
		return
	}
	if err := s.browser.ClearDomainCookies(r.Context(), r.PathValue("domain")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Screenshot ---

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if s.screen == nil {
		s.errorResponse(w, http.StatusNotImplemented, errors.New("screen capture is not configured"))
		return
	}
	shot, err := s.screen.Capture(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, shot.Source)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}
