package domain

import (
	"fmt"
	"time"
)

// Domain is a provisioned mail domain with its active signing key.
type Domain struct {
	ID            int64     `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Selector      string    `json:"selector" db:"selector"`
	PublicKey     string    `json:"public_key" db:"public_key"`
	PrivateKeyRef string    `json:"-" db:"private_key_ref"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// KeyName is the DNS name the public key is published under,
// e.g. "mail._domainkey.example.com".
func (d Domain) KeyName() string { return KeyName(d.Selector, d.Name) }

// KeyName builds "<selector>._domainkey.<domain>".
func KeyName(selector, domainName string) string {
	return fmt.Sprintf("%s._domainkey.%s", selector, domainName)
}

// Mailbox is a provisioned mailbox under a Domain.
type Mailbox struct {
	ID           int64     `json:"id" db:"id"`
	DomainID     int64     `json:"domain_id" db:"domain_id"`
	LocalPart    string    `json:"local_part" db:"local_part"`
	PasswordHash string    `json:"-" db:"password_hash"`
	QuotaMB      int       `json:"quota_mb" db:"quota_mb"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Address returns the full email address for the mailbox.
func (m Mailbox) Address(domainName string) string {
	return m.LocalPart + "@" + domainName
}

// APIKey is a credential for the HTTP API. Only the hash is stored.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	Prefix      string     `json:"prefix" db:"prefix"`
	KeyHash     string     `json:"-" db:"key_hash"`
	Description string     `json:"description" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Active reports whether the key may still authenticate.
func (k APIKey) Active() bool { return k.RevokedAt == nil }

// EventType enumerates audit events written alongside provisioning changes.
type EventType string

const (
	EventDomainCreated          EventType = "domain.created"
	EventDomainDeleted          EventType = "domain.deleted"
	EventDomainKeyRotated       EventType = "domain.key_rotated"
	EventMailboxCreated         EventType = "mailbox.created"
	EventMailboxDeleted         EventType = "mailbox.deleted"
	EventMailboxPasswordChanged EventType = "mailbox.password_changed"
)

// Event is one audit log row.
type Event struct {
	ID        int64     `json:"id" db:"id"`
	Type      EventType `json:"type" db:"type"`
	Subject   string    `json:"subject" db:"subject"`
	Payload   string    `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
