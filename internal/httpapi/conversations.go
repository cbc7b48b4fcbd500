package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/matheus3301/chatrelay/internal/realtime"
	"github.com/matheus3301/chatrelay/internal/store"
)

// ListConversations returns the caller's summaries, newest first. The
// status query defaults to active; "all" lists every status.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	var st store.ConversationStatus
	switch raw := strings.ToLower(r.URL.Query().Get("status")); raw {
	case "":
		st = store.ConversationActive
	case "all":
	default:
		parsed, err := store.ParseConversationStatus(raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", realtime.ErrBadRequest, err))
			return
		}
		st = parsed
	}

	convs, page, err := h.Store.ListConversations(r.Context(), h.me(r), st, pageOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writePage(w, convs, page)
}

// SetConversationStatus archives, blocks or reactivates a conversation.
func (h *Handler) SetConversationStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st, err := store.ParseConversationStatus(strings.ToLower(req.Status))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", realtime.ErrBadRequest, err))
		return
	}
	conv, err := h.Store.SetConversationStatus(r.Context(), h.me(r), counterpart(r), st)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, conv)
}
