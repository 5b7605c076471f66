package admission

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/scrapecache/internal/search"
)

const minQueryLength = 2

var (
	xssPattern = regexp.MustCompile(
		`(?i)<\s*/?\s*(script|iframe|object|embed|svg|img|style|link|meta)\b|javascript\s*:|vbscript\s*:|data\s*:\s*text/html|\bon[a-z]+\s*=`,
	)
	sqlPattern = regexp.MustCompile(
		`(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*=|\bunion\s+(all\s+)?select\b|\b(drop|truncate|alter)\s+table\b|\binsert\s+into\b|\bdelete\s+from\b|\bexec(ute)?\s*\(|--|;|/\*|\*/`,
	)
	traversalPattern = regexp.MustCompile(`(?i)\.\./|\.\.\\|%2e%2e|%252e|\.\.%2f|\.\.%5c`)
)

// QueryResult is the outcome of ValidateQuery.
type QueryResult struct {
	Valid     bool
	Sanitized string
	Reason    string
}

// Err converts an invalid result into a validation error.
func (r QueryResult) Err() error {
	if r.Valid {
		return nil
	}
	return search.Validation(r.Reason)
}

// ValidateQuery trims and collapses whitespace, enforces length bounds, and
// rejects script injection, SQL injection and path traversal signatures.
func (g *Gate) ValidateQuery(raw string) QueryResult {
	sanitized := strings.Join(strings.Fields(raw), " ")
	n := utf8.RuneCountInString(sanitized)
	switch {
	case n < minQueryLength:
		return QueryResult{Reason: fmt.Sprintf("query must be at least %d characters", minQueryLength)}
	case n > g.cfg.MaxQueryLength:
		return QueryResult{Reason: fmt.Sprintf("query must be at most %d characters", g.cfg.MaxQueryLength)}
	case xssPattern.MatchString(sanitized):
		return QueryResult{Reason: "query contains markup or script"}
	case sqlPattern.MatchString(sanitized):
		return QueryResult{Reason: "query contains disallowed SQL syntax"}
	case traversalPattern.MatchString(sanitized):
		return QueryResult{Reason: "query contains path traversal"}
	}
	return QueryResult{Valid: true, Sanitized: sanitized}
}

// ValidatePagination checks page against the sync or async ceiling and limit
// against MaxLimit.
func (g *Gate) ValidatePagination(page, limit int, async bool) error {
	maxPage := g.cfg.MaxPageSync
	if async {
		maxPage = g.cfg.MaxPageAsync
	}
	if page < 1 || page > maxPage {
		return search.Validation(fmt.Sprintf("page must be between 1 and %d", maxPage))
	}
	if limit < 1 || limit > g.cfg.MaxLimit {
		return search.Validation(fmt.Sprintf("limit must be between 1 and %d", g.cfg.MaxLimit))
	}
	return nil
}
