package handlers

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net/http"

	"github.com/google/uuid"

	"chattered/internal/middleware"
	"chattered/internal/models"
	"chattered/internal/services"
	"chattered/internal/worker"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type pageStore interface {
	Create(ctx context.Context) *services.Page
	Get(id uuid.UUID) (*services.Page, error)
	Remove(id uuid.UUID)
}

type dispatcher interface {
	Enqueue(job worker.Job) error
}

type pageCloser interface {
	ClosePage(pageID uuid.UUID)
}

type ChatHandler struct {
	pages      pageStore
	dispatcher dispatcher
	presenter  *services.Presenter
	auth       *middleware.PageAuth
	closer     pageCloser
}

func NewChatHandler(
	pages pageStore,
	dispatcher dispatcher,
	presenter *services.Presenter,
	auth *middleware.PageAuth,
	closer pageCloser,
) *ChatHandler {
	return &ChatHandler{
		pages:      pages,
		dispatcher: dispatcher,
		presenter:  presenter,
		auth:       auth,
		closer:     closer,
	}
}

// Index serves the chat page. Every load starts a new conversation.
func (h *ChatHandler) Index(w http.ResponseWriter, r *http.Request) {
	page := h.pages.Create(context.WithoutCancel(r.Context()))

	token, err := h.auth.GeneratePageToken(page.ID)
	if err != nil {
		h.pages.Remove(page.ID)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to start page", r))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := indexTemplate.Execute(w, struct{ Token string }{token}); err != nil {
		log.Printf("Failed to render page %s: %v", page.ID, err)
	}
}

func (h *ChatHandler) State(w http.ResponseWriter, r *http.Request) {
	page, ok := h.page(w, r)
	if !ok {
		return
	}

	page.Controller.EnsureSession(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, h.presenter.Present(page.Controller.Snapshot()))
}

func (h *ChatHandler) Submit(w http.ResponseWriter, r *http.Request) {
	page, ok := h.page(w, r)
	if !ok {
		return
	}

	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	// The reply outlives this request.
	ctx := context.WithoutCancel(r.Context())
	turn, accepted := page.Controller.Begin(ctx, req.Text)
	if !accepted {
		writeJSON(w, http.StatusAccepted, models.SubmitResponse{Accepted: false})
		return
	}

	job := worker.Job{PageID: page.ID, Turn: turn, Controller: page.Controller}
	if err := h.dispatcher.Enqueue(job); err != nil {
		log.Printf("Page %s: dispatch unavailable (%v), completing inline", page.ID, err)
		worker.Run(ctx, job)
	}

	writeJSON(w, http.StatusAccepted, models.SubmitResponse{Accepted: true})
}

func (h *ChatHandler) UpdateInput(w http.ResponseWriter, r *http.Request) {
	page, ok := h.page(w, r)
	if !ok {
		return
	}

	var req models.InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	page.Controller.SetInput(req.Text)
	w.WriteHeader(http.StatusNoContent)
}

// Close discards the page's conversation, as when the tab is closed.
func (h *ChatHandler) Close(w http.ResponseWriter, r *http.Request) {
	pageID := middleware.GetPageID(r.Context())
	h.pages.Remove(pageID)
	if h.closer != nil {
		h.closer.ClosePage(pageID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) page(w http.ResponseWriter, r *http.Request) (*services.Page, bool) {
	page, err := h.pages.Get(middleware.GetPageID(r.Context()))
	if err != nil {
		if errors.Is(err, services.ErrPageNotFound) {
			writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Page not found, reload to start a new conversation", r))
		} else {
			writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load page", r))
		}
		return nil, false
	}
	return page, true
}
