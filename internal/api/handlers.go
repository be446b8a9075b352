package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/pkg/httputil"
	"github.com/ignite/mailrice/internal/service/provisioning"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	prov            Provisioner
	db              Pinger
	defaultSelector string
	startTime       time.Time
}

// NewHandlers creates a new Handlers instance. db may be nil.
func NewHandlers(prov Provisioner, db Pinger, defaultSelector string) *Handlers {
	if defaultSelector == "" {
		defaultSelector = "mail"
	}
	return &Handlers{prov: prov, db: db, defaultSelector: defaultSelector, startTime: time.Now()}
}

// respondError maps provisioning errors onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	var pe *provisioning.Error
	if !errors.As(err, &pe) {
		httputil.InternalError(w, err)
		return
	}
	switch {
	case errors.Is(err, provisioning.ErrValidation):
		httputil.Invalid(w, pe.Msg, pe.Fields)
	case errors.Is(err, provisioning.ErrConflict):
		var details any
		if pe.MailboxCount > 0 {
			details = map[string]int{"mailbox_count": pe.MailboxCount}
		}
		httputil.Conflict(w, pe.Msg, details)
	case errors.Is(err, provisioning.ErrNotFound):
		httputil.NotFound(w, pe.Msg)
	case errors.Is(err, provisioning.ErrTransientLock):
		httputil.Unavailable(w, "resource busy, retry later", 1)
	default:
		httputil.InternalError(w, err)
	}
}

type domainResponse struct {
	ID           int64     `json:"id"`
	Domain       string    `json:"domain"`
	DKIMSelector string    `json:"dkim_selector"`
	DKIMKeyName  string    `json:"dkim_key_name"`
	DKIMPubKey   string    `json:"dkim_public_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toDomainResponse(d *domain.Domain, withKey bool) domainResponse {
	resp := domainResponse{
		ID:           d.ID,
		Domain:       d.Name,
		DKIMSelector: d.Selector,
		DKIMKeyName:  d.KeyName(),
		CreatedAt:    d.CreatedAt,
	}
	if withKey {
		resp.DKIMPubKey = d.PublicKey
	}
	return resp
}

type createDomainRequest struct {
	Domain       string `json:"domain"`
	DKIMSelector string `json:"dkim_selector"`
}

// CreateDomain provisions a domain.
//
//	POST /api/domains
func (h *Handlers) CreateDomain(w http.ResponseWriter, r *http.Request) {
	var req createDomainRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.DKIMSelector == "" {
		req.DKIMSelector = h.defaultSelector
	}
	d, err := h.prov.CreateDomain(r.Context(), req.Domain, req.DKIMSelector)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, toDomainResponse(d, true))
}

// ListDomains returns every domain.
//
//	GET /api/domains
func (h *Handlers) ListDomains(w http.ResponseWriter, r *http.Request) {
	ds, err := h.prov.ListDomains(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]domainResponse, 0, len(ds))
	for i := range ds {
		out = append(out, toDomainResponse(&ds[i], false))
	}
	httputil.OK(w, map[string]any{"domains": out})
}

// GetDomain returns one domain with its public key.
//
//	GET /api/domains/{name}
func (h *Handlers) GetDomain(w http.ResponseWriter, r *http.Request) {
	d, err := h.prov.GetDomain(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, toDomainResponse(d, true))
}

// DeleteDomain removes a domain without mailboxes.
//
//	DELETE /api/domains/{name}
func (h *Handlers) DeleteDomain(w http.ResponseWriter, r *http.Request) {
	if err := h.prov.DeleteDomain(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}

// GetDNSRecords renders the records to publish for a domain.
//
//	GET /api/domains/{name}/dns-records
func (h *Handlers) GetDNSRecords(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	records, err := h.prov.DNSRecords(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"domain": domain.NormalizeName(name), "dns_records": records})
}

type rotateKeyRequest struct {
	NewSelector string `json:"new_selector"`
}

// RotateSigningKey replaces the domain's signing key.
//
//	POST /api/domains/{name}/rotate-key
func (h *Handlers) RotateSigningKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	d, err := h.prov.RotateSigningKey(r.Context(), chi.URLParam(r, "name"), req.NewSelector)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"domain": toDomainResponse(d, true),
		"dns_record": provisioning.DNSRecord{
			Type:  "TXT",
			Name:  d.KeyName(),
			Value: "v=DKIM1; k=rsa; p=" + d.PublicKey,
			TTL:   provisioning.DefaultDNSTTL,
		},
	})
}

// HealthCheck reports process and database health.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.db == nil {
		httputil.OK(w, status)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := h.db.Ping(ctx); err != nil {
		status["status"] = "unhealthy"
		status["database"] = map[string]string{"status": "down", "message": "database unreachable"}
		httputil.JSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["database"] = map[string]string{"status": "up", "latency": time.Since(start).String()}
	httputil.OK(w, status)
}
