// Package provisioning implements the coordinator that creates and deletes
// mail domains and mailboxes.
//
// Every operation spans three substrates that fail independently: the
// relational store, the DKIM signing tables with their key files, and the
// maildir tree. The coordinator keeps them in agreement:
//
//   - a Domain row exists iff exactly one KeyTable and one SigningTable entry
//     exist for it;
//   - a Mailbox row exists iff its maildir tree exists;
//   - a Domain with mailboxes is never deleted.
//
// Locks are always taken in the same order: the database row lock first,
// then the signing-table file lock, which is released before commit. Side
// effects made before commit are undone through a saga while the row lock
// is still held, and only then is the transaction rolled back. When the
// transaction is already over, after a failed commit or a cancelled
// context, the row lock is taken again and the undo runs only if the change
// did not land. Cleanups after commit also re-take the row lock, and
// failures there are logged and left to Reconcile.
//
// The service depends on the Repository interface defined in repository.go.
package provisioning
