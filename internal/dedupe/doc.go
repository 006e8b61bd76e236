// Package dedupe provides update deduplication using a time-based cache
// to prevent routing replayed platform updates within a configurable window.
package dedupe
