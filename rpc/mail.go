package rpc

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ainp/mailbox"
	"ainp/pipeline"
)

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	q := mailbox.InboxQuery{
		Cursor: r.URL.Query().Get("cursor"),
		Label:  r.URL.Query().Get("label"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			q.Limit = limit
		}
	}
	if raw := r.URL.Query().Get("unread_only"); raw != "" {
		q.UnreadOnly, _ = strconv.ParseBool(raw)
	}
	views, next, err := s.deps.Mailbox.Inbox(r.Context(), did, q)
	if err != nil {
		if errors.Is(err, mailbox.ErrBadCursor) {
			s.writeKind(w, pipeline.KindInvalidRequest, "malformed cursor")
			return
		}
		s.writeKind(w, pipeline.KindInternal, "inbox read failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": views, "next_cursor": next})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "conversationID")
	views, err := s.deps.Mailbox.Thread(r.Context(), did, conversationID)
	if err != nil {
		s.writeMailboxError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        views,
	})
}

type readRequest struct {
	MessageID string `json:"message_id"`
	Read      *bool  `json:"read,omitempty"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	var req readRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.MessageID)
	if err != nil {
		s.writeKind(w, pipeline.KindInvalidRequest, "malformed message id")
		return
	}
	read := true
	if req.Read != nil {
		read = *req.Read
	}
	if err := s.deps.Mailbox.MarkRead(r.Context(), did, id, read); err != nil {
		s.writeMailboxError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "read": read})
}

type labelRequest struct {
	MessageID string   `json:"message_id"`
	Labels    []string `json:"labels"`
}

func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request) {
	did, ok := s.requireDID(w, r)
	if !ok {
		return
	}
	var req labelRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.MessageID)
	if err != nil {
		s.writeKind(w, pipeline.KindInvalidRequest, "malformed message id")
		return
	}
	if err := s.deps.Mailbox.SetLabels(r.Context(), did, id, req.Labels); err != nil {
		s.writeMailboxError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "labels": req.Labels})
}

func (s *Server) writeMailboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mailbox.ErrForbidden):
		s.writeKind(w, pipeline.KindForbidden, "not a participant")
	case errors.Is(err, mailbox.ErrMessageNotFound):
		s.writeKind(w, pipeline.KindNotFound, "message not found")
	default:
		s.writeKind(w, pipeline.KindInternal, "mailbox operation failed")
	}
}
