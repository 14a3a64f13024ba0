// Package store provides the per-device key/value persistence used for
// identities, sender keys, epoch pointers, pending messages and the
// distribution outbox.
//
// Two backends are available: an in-memory map for tests and ephemeral
// clients, and a badger database for durable state. Keys are plain strings
// built with [Namespace]; values are opaque bytes.
package store
