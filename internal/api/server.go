package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailrice/internal/config"
	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/service/provisioning"
)

// Provisioner is the provisioning surface the handlers call.
type Provisioner interface {
	CreateDomain(ctx context.Context, name, selector string) (*domain.Domain, error)
	DeleteDomain(ctx context.Context, name string) error
	GetDomain(ctx context.Context, name string) (*domain.Domain, error)
	ListDomains(ctx context.Context) ([]domain.Domain, error)
	RotateSigningKey(ctx context.Context, name, newSelector string) (*domain.Domain, error)
	DNSRecords(ctx context.Context, name string) ([]provisioning.DNSRecord, error)
	CreateMailbox(ctx context.Context, req provisioning.MailboxRequest) (*domain.Mailbox, error)
	DeleteMailbox(ctx context.Context, domainName, localPart string) error
	UpdateMailboxPassword(ctx context.Context, domainName, localPart, newPassword string) error
	ListMailboxes(ctx context.Context, domainName string) ([]domain.Mailbox, error)
}

// Authenticator resolves an API key presented by a client.
type Authenticator interface {
	Authenticate(ctx context.Context, plaintext string) (*domain.APIKey, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, h *Handlers, auth Authenticator) *Server {
	router := SetupRoutes(h, auth, cfg.CORSOrigins)
	return &Server{
		config:  cfg,
		handler: router,
		router:  router,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	read, write := s.config.ReadTimeout(), s.config.WriteTimeout()
	if read <= 0 {
		read = 15 * time.Second
	}
	if write <= 0 {
		write = 60 * time.Second
	}
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadTimeout:       read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      write,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
