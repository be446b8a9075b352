package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/pkg/httputil"
	"github.com/ignite/mailrice/internal/service/provisioning"
)

type mailboxResponse struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"`
	LocalPart string    `json:"local_part"`
	QuotaMB   int       `json:"quota_mb"`
	CreatedAt time.Time `json:"created_at"`
}

func toMailboxResponse(m *domain.Mailbox, domainName string) mailboxResponse {
	return mailboxResponse{
		ID:        m.ID,
		Address:   m.Address(domainName),
		LocalPart: m.LocalPart,
		QuotaMB:   m.QuotaMB,
		CreatedAt: m.CreatedAt,
	}
}

type createMailboxRequest struct {
	LocalPart string `json:"local_part"`
	Password  string `json:"password"`
	QuotaMB   *int   `json:"quota_mb"`
}

// defaultQuotaMB applies when quota_mb is omitted.
const defaultQuotaMB = 1024

// CreateMailbox adds a mailbox to a domain.
//
//	POST /api/domains/{name}/mailboxes
func (h *Handlers) CreateMailbox(w http.ResponseWriter, r *http.Request) {
	var req createMailboxRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	quota := defaultQuotaMB
	if req.QuotaMB != nil {
		quota = *req.QuotaMB
	}
	name := domain.NormalizeName(chi.URLParam(r, "name"))
	m, err := h.prov.CreateMailbox(r.Context(), provisioning.MailboxRequest{
		Domain:    name,
		LocalPart: req.LocalPart,
		Password:  req.Password,
		QuotaMB:   quota,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, toMailboxResponse(m, name))
}

// ListMailboxes returns a domain's mailboxes.
//
//	GET /api/domains/{name}/mailboxes
func (h *Handlers) ListMailboxes(w http.ResponseWriter, r *http.Request) {
	name := domain.NormalizeName(chi.URLParam(r, "name"))
	ms, err := h.prov.ListMailboxes(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]mailboxResponse, 0, len(ms))
	for i := range ms {
		out = append(out, toMailboxResponse(&ms[i], name))
	}
	httputil.OK(w, map[string]any{"mailboxes": out})
}

// DeleteMailbox removes a mailbox and its maildir.
//
//	DELETE /api/domains/{name}/mailboxes/{local}
func (h *Handlers) DeleteMailbox(w http.ResponseWriter, r *http.Request) {
	if err := h.prov.DeleteMailbox(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "local")); err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}

type passwordRequest struct {
	Password string `json:"password"`
}

// UpdateMailboxPassword sets a new mailbox password.
//
//	PUT /api/domains/{name}/mailboxes/{local}/password
func (h *Handlers) UpdateMailboxPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	err := h.prov.UpdateMailboxPassword(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "local"), req.Password)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}
