package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/ingest"
	"github.com/matheus3301/chatrelay/internal/store"
	"github.com/skip2/go-qrcode"
)

// UserView is a user with its presence.
type UserView struct {
	store.User
	Online bool `json:"online"`
}

func (h *Handler) view(u store.User) UserView {
	return UserView{User: u, Online: h.Registry != nil && h.Registry.IsOnline(u.Username)}
}

// ListUsers returns every registered user.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		out = append(out, h.view(u))
	}
	writeData(w, http.StatusOK, out)
}

// GetUser returns one user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Store.GetUser(r.Context(), identity.NormalizeUsername(chi.URLParam(r, "username")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, h.view(*u))
}

// UserQR renders a PNG QR code linking to the user's phone number.
func (h *Handler) UserQR(w http.ResponseWriter, r *http.Request) {
	u, err := h.Store.GetUser(r.Context(), identity.NormalizeUsername(chi.URLParam(r, "username")))
	if err != nil {
		writeError(w, err)
		return
	}
	png, err := qrcode.Encode("https://wa.me/"+ingest.Digits(u.Phone), qrcode.Medium, 256)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(png)
}
