// Package signing manages DKIM private keys and the OpenDKIM KeyTable and
// SigningTable files.
//
// Both tables are shared with the signing daemon and with other processes on
// the host, so every mutation goes through Manager under a distlock lock.
// Appends are single O_APPEND writes; removals and replacements rewrite the
// file atomically. The daemon is told to reload through a Notifier, which is
// fire-and-forget.
package signing
