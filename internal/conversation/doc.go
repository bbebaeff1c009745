// Package conversation orchestrates the question/answer lifecycle.
//
// The Service persists incoming questions, creates a pending answer, and
// streams the answer from the upstream engine in a background task that
// keeps running after the asking client disconnects. Every revision of the
// answer is persisted, diffed against the previous one, and published to
// the Registry, which fans events out to subscribed client sessions.
package conversation
