// Package router resolves inbound requests to upstream targets.
//
// DESIGN: Resolution is two lookups: an ordered pattern table (first match
// wins) mapping the request path to a provider rule, then the directory
// snapshot to pick a live instance for that provider. Deterministic:
// identical input plus identical snapshot always yields the same target.
package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relayr/modelgate/internal/config"
)

// Resolution errors.
var (
	// ErrNoRoute means no pattern in the table matched the request path.
	ErrNoRoute = errors.New("no route matches request path")

	// ErrNoHealthyInstance means a pattern matched but the directory has
	// zero eligible instances for its provider.
	ErrNoHealthyInstance = errors.New("no healthy upstream instance for provider")
)

// Target is a fully resolved upstream destination. Immutable once resolved
// for a request; never persisted.
type Target struct {
	Provider       string
	Model          string
	BaseURL        string
	CredentialRef  string
	Protocol       config.Protocol
	RequestTimeout time.Duration
	IdleGapTimeout time.Duration
}

// Key returns the breaker/metrics key for the target.
func (t Target) Key() string {
	return t.Provider + "/" + t.Model
}

// Resolver matches request paths against the route table and the current
// directory snapshot.
type Resolver struct {
	table []config.RouteRule
	dir   *Directory
}

// New creates a Resolver over the configured table and directory.
func New(table []config.RouteRule, dir *Directory) *Resolver {
	return &Resolver{table: table, dir: dir}
}

// Resolve maps a request path and requested model to a Target.
// requestModel is the model named in the request body; a rule's model
// override takes precedence.
func (r *Resolver) Resolve(path, requestModel string) (Target, error) {
	rule, ok := r.match(path)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrNoRoute, path)
	}

	instances := r.dir.Snapshot().Healthy(rule.Provider)
	if len(instances) == 0 {
		return Target{}, fmt.Errorf("%w: %s", ErrNoHealthyInstance, rule.Provider)
	}

	model := rule.Model
	if model == "" {
		model = requestModel
	}

	// First healthy instance in file order keeps resolution deterministic
	// for a given snapshot.
	return Target{
		Provider:       rule.Provider,
		Model:          model,
		BaseURL:        strings.TrimRight(instances[0].BaseURL, "/"),
		CredentialRef:  rule.CredentialRef,
		Protocol:       rule.Protocol,
		RequestTimeout: rule.RequestTimeout,
		IdleGapTimeout: rule.IdleGapTimeout,
	}, nil
}

// match finds the first rule whose pattern matches the path.
func (r *Resolver) match(path string) (config.RouteRule, bool) {
	for _, rule := range r.table {
		if MatchPattern(rule.Pattern, path) {
			return rule, true
		}
	}
	return config.RouteRule{}, false
}

// MatchPattern reports whether path matches pattern. Patterns are
// slash-segmented: "*" matches exactly one segment, a trailing "**"
// matches zero or more remaining segments.
func MatchPattern(pattern, path string) bool {
	pSegs := splitPath(pattern)
	tSegs := splitPath(path)

	for i, seg := range pSegs {
		if seg == "**" {
			// Only valid as the final segment; matches the rest.
			return i == len(pSegs)-1
		}
		if i >= len(tSegs) {
			return false
		}
		if seg != "*" && seg != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
