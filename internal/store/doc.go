// Package store provides persistence for conversations and messages.
//
// The Store interface is implemented by SQLiteStore for production use and
// MockStore for tests. Messages carry the full answer projection (content,
// citations, retrieval context, follow-up suggestions, pending flag and
// accumulated errors); list-valued fields are stored as JSON columns.
package store
