// Package domain defines the core types of the mail provisioning platform:
// domains, mailboxes, API keys and audit events.
//
// Types in this package are plain value objects with no database or HTTP
// concerns. They are the shared language between the coordinator, the store
// and the API layer.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation and naming helpers are allowed (pure functions on the type)
package domain
