package ratelimit

import (
	"net/http"
	"strings"
)

type Category string

const (
	CategoryPublic        Category = "public"
	CategoryAuthenticated Category = "authenticated"
	CategoryHeavy         Category = "heavy"
	CategoryAdmin         Category = "admin"
)

// Limits are requests per window for each category.
type Limits struct {
	Public        int
	Authenticated int
	Heavy         int
	Admin         int
}

func DefaultLimits() Limits {
	return Limits{Public: 100, Authenticated: 1000, Heavy: 10, Admin: 5}
}

func (l Limits) For(c Category) int {
	switch c {
	case CategoryPublic:
		return l.Public
	case CategoryHeavy:
		return l.Heavy
	case CategoryAdmin:
		return l.Admin
	default:
		return l.Authenticated
	}
}

func (l Limits) Map() map[string]int {
	return map[string]int{
		string(CategoryPublic):        l.Public,
		string(CategoryAuthenticated): l.Authenticated,
		string(CategoryHeavy):         l.Heavy,
		string(CategoryAdmin):         l.Admin,
	}
}

var adminPrefixes = []string{
	"/api/v1/cache/warm",
	"/api/v1/cache/clear",
	"/api/v1/admin",
	"/api/v1/circuit-breakers",
	"/api/v1/rate-limits",
}

var heavyPrefixes = []string{
	"/api/v1/bulk",
	"/api/v1/curves/recompute",
	"/ticks/window",
}

// Classify maps a request to its quota category. Unauthenticated callers
// are always public.
func Classify(method, path string, authenticated bool) Category {
	if !authenticated {
		return CategoryPublic
	}
	if hasAnyPrefix(path, adminPrefixes) {
		return CategoryAdmin
	}
	if strings.HasPrefix(path, "/entitlements/rules") && method != http.MethodGet && method != http.MethodHead {
		return CategoryAdmin
	}
	if hasAnyPrefix(path, heavyPrefixes) {
		return CategoryHeavy
	}
	return CategoryAuthenticated
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
