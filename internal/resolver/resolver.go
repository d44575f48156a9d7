// Package resolver turns human-entered names into contact identifiers.
//
// Matching is deliberately greedy and unscored: the directory holds
// hundreds of entries and is queried interactively, so determinism
// beats ranking precision. Precedence, first match wins:
//
//  1. case-insensitive substring in either direction, insertion order
//  2. token overlap (query tokens longer than 2 chars)
//  3. phone-number fallback confirmed by an existence probe
package resolver

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"wabot/internal/directory"
)

// ErrNotFound is the typed outcome for a query matching nothing. It is
// distinct from an internal error; callers use it to trigger the
// suggestion path.
var ErrNotFound = errors.New("no matching contact")

// ExistenceProbe confirms that a synthesized phone identifier belongs
// to a reachable account. Supplied by the transport layer.
type ExistenceProbe interface {
	IdentifierExists(ctx context.Context, identifier string) (bool, error)
}

// Directory is the read surface the resolver needs from the contact store.
type Directory interface {
	All() []directory.Record
}

// Resolver answers name-based lookups against the in-memory contact
// projection.
type Resolver struct {
	dir    Directory
	probe  ExistenceProbe
	logger *zap.Logger
}

// New creates a resolver over the given directory. probe may be nil,
// which disables the phone fallback.
func New(dir Directory, probe ExistenceProbe, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{dir: dir, probe: probe, logger: logger}
}

// Resolve maps query to an identifier or returns ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrNotFound
	}
	records := r.dir.All()

	if id, ok := substringMatch(records, query); ok {
		return id, nil
	}
	if id, ok := tokenOverlapMatch(records, query); ok {
		return id, nil
	}
	if id, ok := r.phoneFallback(ctx, query); ok {
		return id, nil
	}
	return "", ErrNotFound
}

// Suggest returns up to 5 candidate labels matching query by the same
// substring test Resolve uses, for prompting a human to disambiguate.
// When no named candidate matches, it instead returns up to 3
// identifier-only entries (records lacking any resolved name).
func (r *Resolver) Suggest(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	records := r.dir.All()

	var labels []string
	for _, rec := range records {
		name := rec.BestName()
		if containsEither(strings.ToLower(name), query) {
			labels = append(labels, name)
			if len(labels) == 5 {
				return labels
			}
		}
	}
	if len(labels) > 0 {
		return labels
	}

	for _, rec := range records {
		if rec.HasName() {
			continue
		}
		labels = append(labels, rec.Identifier)
		if len(labels) == 3 {
			break
		}
	}
	return labels
}

func substringMatch(records []directory.Record, query string) (string, bool) {
	q := strings.ToLower(query)
	for _, rec := range records {
		name := strings.ToLower(rec.BestName())
		if containsEither(name, q) {
			return rec.Identifier, true
		}
	}
	return "", false
}

func containsEither(name, query string) bool {
	if name == "" || query == "" {
		return false
	}
	return strings.Contains(name, query) || strings.Contains(query, name)
}

func tokenOverlapMatch(records []directory.Record, query string) (string, bool) {
	queryTokens := strings.Fields(strings.ToLower(query))
	for _, rec := range records {
		nameTokens := strings.Fields(strings.ToLower(rec.BestName()))
		for _, qt := range queryTokens {
			if len(qt) <= 2 {
				continue
			}
			for _, nt := range nameTokens {
				if strings.Contains(nt, qt) {
					return rec.Identifier, true
				}
			}
		}
	}
	return "", false
}

// phoneFallback synthesizes an identifier from a digit-only query and
// confirms it exists before returning it. A probe saying not-exists
// (or failing) yields not-found, never a speculative identifier.
func (r *Resolver) phoneFallback(ctx context.Context, query string) (string, bool) {
	digits := strings.Map(func(c rune) rune {
		switch c {
		case '+', ' ', '-':
			return -1
		}
		return c
	}, query)
	if digits == "" || r.probe == nil {
		return "", false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", false
		}
	}

	candidate := digits + "@s.whatsapp.net"
	exists, err := r.probe.IdentifierExists(ctx, candidate)
	if err != nil {
		r.logger.Warn("existence probe failed", zap.String("candidate", candidate), zap.Error(err))
		return "", false
	}
	if !exists {
		return "", false
	}
	return candidate, true
}
