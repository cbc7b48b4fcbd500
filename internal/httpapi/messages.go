package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/realtime"
	"github.com/matheus3301/chatrelay/internal/status"
	"github.com/matheus3301/chatrelay/internal/store"
	"go.uber.org/zap"
)

// counterpart returns the normalized wa_id path parameter. Conversation keys
// and summaries are stored lowercase.
func counterpart(r *http.Request) string {
	return identity.NormalizeUsername(chi.URLParam(r, "wa_id"))
}

// ListMessages returns one chronological page of the conversation with
// wa_id and clears the caller's unread counter for it.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	me := h.me(r)
	waID := counterpart(r)
	msgs, page, err := h.Store.FindByCounterpart(r.Context(), me, waID, pageOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Aggregator.MarkRead(r.Context(), me, waID); err != nil {
		h.Logger.Warn("reset unread failed", zap.String("owner", me), zap.String("wa_id", waID), zap.Error(err))
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writePage(w, msgs, page)
}

// SearchMessages finds messages in the conversation with wa_id.
func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, fmt.Errorf("%w: q is required", realtime.ErrBadRequest))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.Store.SearchMessages(r.Context(), store.ConvKey(h.me(r), counterpart(r)), q, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeData(w, http.StatusOK, msgs)
}

// SendResponse is the body of POST /api/messages.
type SendResponse struct {
	Message   *store.Message `json:"message"`
	Delivered bool           `json:"delivered"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

// SendMessage sends a direct message as the authenticated user through the
// same path as the realtime send-message event.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var in realtime.SendIntent
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	me := h.me(r)
	if in.From != "" {
		if err := identity.Authorize(identity.Identity{Username: me}, in.From); err != nil {
			writeError(w, err)
			return
		}
	}

	d, err := h.Router.Send(r.Context(), me, in, "")
	if err != nil {
		writeError(w, err)
		return
	}
	h.Deliverer.Deliver(d.Pushes)

	code := http.StatusCreated
	if d.Duplicate {
		code = http.StatusOK
	}
	writeData(w, code, SendResponse{Message: d.Message, Delivered: d.Online, Duplicate: d.Duplicate})
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateMessageStatus moves a message forward to the requested status.
func (h *Handler) UpdateMessageStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st, err := status.Parse(strings.ToLower(req.Status))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", realtime.ErrBadRequest, err))
		return
	}

	m, pushes, err := h.Router.SetStatus(r.Context(), h.me(r), chi.URLParam(r, "id"), st)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Deliverer.Deliver(pushes)
	writeData(w, http.StatusOK, m)
}

// DeleteMessage removes a message the caller took part in.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	me := h.me(r)
	m, err := h.Store.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if m.From != me && m.To != me {
		writeError(w, fmt.Errorf("%w: not a participant of %s", realtime.ErrUnauthorized, m.MessageID))
		return
	}
	if err := h.Store.DeleteMessage(r.Context(), m.MessageID); err != nil {
		writeError(w, err)
		return
	}
	h.Logger.Info("message deleted", zap.String("message_id", m.MessageID), zap.String("by", me))
	w.WriteHeader(http.StatusNoContent)
}
