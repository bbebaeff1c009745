// Package dedupe provides question deduplication using a time-based cache,
// so a re-sent question within the window does not start a second answer.
package dedupe
