// Package fingerprint maps raw error occurrences to stable grouping keys.
// Two occurrences with the same key are deduplicated into one group, so the
// contract is strict: deterministic, total, never panics outward.
package fingerprint

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Strategy produces the grouping key for an occurrence. Implementations must
// be deterministic and total; identical inputs always yield identical keys.
// Operators may supply their own strategy, which takes full precedence over
// the default algorithm.
type Strategy interface {
	Key(errorType, originLocation string, context map[string]any) string
}

// libraryFragments mark stack frames that belong to runtimes, package
// managers or frameworks rather than application code.
var libraryFragments = []string{
	"vendor/",
	"node_modules/",
	"site-packages/",
	"/usr/lib/",
	"/usr/local/lib/",
	"go/pkg/mod/",
	"runtime/",
	"<frozen",
}

// Default is the standard fingerprint strategy: the error type plus the
// top-most application-code frame of the origin, hashed to a fixed-width key.
type Default struct {
	logger *slog.Logger
}

// New constructs the default strategy.
func New(logger *slog.Logger) *Default {
	if logger == nil {
		logger = slog.Default()
	}
	return &Default{logger: logger}
}

// Key implements Strategy. Any internal failure falls back to a catch-all
// key derived from the error type alone, so ingestion never sees a panic
// from grouping.
func (d *Default) Key(errorType, originLocation string, context map[string]any) (key string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("fingerprint fell back to catch-all key", "error_type", errorType, "panic", r)
			key = Fallback(errorType)
		}
	}()

	frame := topApplicationFrame(originLocation)
	return digest(normalizeType(errorType) + "|" + frame)
}

// Fallback is the catch-all key for an error type. It is also used when an
// occurrence carries no origin at all.
func Fallback(errorType string) string {
	return "fallback-" + digest(normalizeType(errorType))
}

func digest(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

func normalizeType(errorType string) string {
	return strings.ToLower(strings.TrimSpace(errorType))
}

// topApplicationFrame returns the first frame of the origin that looks like
// application code, normalized to file:line. Frames from libraries and
// frameworks are skipped; if every frame is library code the first frame is
// used so related occurrences still land together.
func topApplicationFrame(origin string) string {
	lines := strings.Split(origin, "\n")
	first := ""
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		norm := normalizeFrame(line)
		if first == "" {
			first = norm
		}
		if !isLibraryFrame(line) {
			return norm
		}
	}
	return first
}

func isLibraryFrame(frame string) bool {
	lower := strings.ToLower(frame)
	for _, fragment := range libraryFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// normalizeFrame reduces a frame to lowercase file:line, dropping column
// numbers and function suffixes so formatting differences between reporters
// don't split groups.
func normalizeFrame(frame string) string {
	frame = strings.ToLower(strings.TrimSpace(frame))
	// "file.go:42:13 in handler" -> "file.go:42:13"
	if i := strings.IndexAny(frame, " \t"); i > 0 {
		frame = frame[:i]
	}
	// "file.go:42:13" -> "file.go:42"
	if first := strings.Index(frame, ":"); first >= 0 {
		if second := strings.Index(frame[first+1:], ":"); second >= 0 {
			frame = frame[:first+1+second]
		}
	}
	return frame
}
