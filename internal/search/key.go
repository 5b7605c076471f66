package search

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// MaxLimit is the largest page size a Key may carry.
const MaxLimit = 100

// Key identifies one page of results for a normalized query.
type Key struct {
	Query string `json:"query"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}

// NewKey normalizes raw so that logically equal queries map to the same Key.
func NewKey(raw string, page, limit int) Key {
	return Key{
		Query: NormalizeQuery(raw),
		Page:  page,
		Limit: limit,
	}
}

// NormalizeQuery lower-cases the query and collapses runs of whitespace.
func NormalizeQuery(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// String renders the durable-tier serialization "<query>/<page>-<limit>".
// External tools read the slow tier using this exact shape.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d-%d", k.Query, k.Page, k.Limit)
}

// Next returns the key for the following page under the same query and limit.
func (k Key) Next() Key {
	return Key{Query: k.Query, Page: k.Page + 1, Limit: k.Limit}
}

// Validate checks the structural bounds of the key.
func (k Key) Validate() error {
	if k.Query == "" {
		return fmt.Errorf("query is required")
	}
	if k.Page < 1 {
		return fmt.Errorf("page must be >= 1")
	}
	if k.Limit < 1 || k.Limit > MaxLimit {
		return fmt.Errorf("limit must be between 1 and %d", MaxLimit)
	}
	return nil
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	slash := strings.LastIndex(s, "/")
	if slash <= 0 {
		return Key{}, fmt.Errorf("parse key %q: missing query", s)
	}
	pageLimit := s[slash+1:]
	dash := strings.Index(pageLimit, "-")
	if dash <= 0 {
		return Key{}, fmt.Errorf("parse key %q: missing page/limit", s)
	}
	page, err := strconv.Atoi(pageLimit[:dash])
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q page: %w", s, err)
	}
	limit, err := strconv.Atoi(pageLimit[dash+1:])
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q limit: %w", s, err)
	}
	return Key{Query: s[:slash], Page: page, Limit: limit}, nil
}

// IsNumericQuery reports whether the query consists only of digits, which the
// upstream treats as a direct record lookup rather than a search.
func IsNumericQuery(q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return false
	}
	for _, r := range q {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
