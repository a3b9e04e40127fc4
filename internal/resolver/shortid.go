package resolver

import (
	"context"
	"fmt"
	"strings"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
// Set to 6 characters to balance usability with collision avoidance.
const MinShortIDLength = 6

// Matcher lists the UUIDs of a schema that start with a prefix.
// *store.Client satisfies it.
type Matcher interface {
	MatchUUIDs(ctx context.Context, schema, prefix string) ([]string, error)
}

// ResolveUUID resolves a short UUID prefix to a full UUID within schema.
// Returns the full UUID if exactly one match found.
// Returns error if zero or multiple matches found.
//
// Input that is already a full UUID (36 chars, 4 hyphens) is returned
// unchanged; existence is left to the caller's fetch.
func ResolveUUID(ctx context.Context, m Matcher, schema, shortID string) (string, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := m.MatchUUIDs(ctx, schema, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for record: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Schema: schema, ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Schema: schema, ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no records matched the short ID.
type NotFoundError struct {
	Schema  string
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s records found matching '%s'", e.Schema, e.ShortID)
}

// AmbiguousError indicates multiple records matched the short ID.
type AmbiguousError struct {
	Schema  string
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d %s records", e.ShortID, len(e.Matches), e.Schema)
}

// FormatAmbiguousError creates a user-friendly error message for ambiguous short IDs.
// Lists all matching UUIDs (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: ambiguous short ID '%s' matches %d %s records:\n", err.ShortID, len(err.Matches), err.Schema)

	displayCount := min(len(err.Matches), 10)
	for _, id := range err.Matches[:displayCount] {
		fmt.Fprintf(&b, "  %s\n", id)
	}

	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the record.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
