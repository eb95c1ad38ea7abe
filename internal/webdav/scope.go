package webdav

import (
	"context"

	"github.com/fruitsalade/sharedav/internal/metrics"
	"github.com/fruitsalade/sharedav/internal/sharing"
)

type scopeKey struct{}

// requestScope holds state that lives exactly as long as one HTTP request.
// Requests are served on a single goroutine, so no locking is needed.
// All methods accept a nil receiver.
type requestScope struct {
	principal sharing.Principal
	query     *PropFindQuery

	shares map[string][]sharing.Share // node ID -> bounded share lookups
	access map[string]sharing.Access  // node ID -> resolved access
}

func newRequestScope(p sharing.Principal) *requestScope {
	return &requestScope{
		principal: p,
		shares:    make(map[string][]sharing.Share),
		access:    make(map[string]sharing.Access),
	}
}

func withScope(ctx context.Context, s *requestScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func scopeFrom(ctx context.Context) *requestScope {
	s, _ := ctx.Value(scopeKey{}).(*requestScope)
	return s
}

// WithPrincipal returns a context that carries a fresh request scope for p.
func WithPrincipal(ctx context.Context, p sharing.Principal) context.Context {
	return withScope(ctx, newRequestScope(p))
}

// PrincipalFrom returns the principal the request acts for.
func PrincipalFrom(ctx context.Context) (sharing.Principal, bool) {
	s := scopeFrom(ctx)
	if s == nil {
		return sharing.Principal{}, false
	}
	return s.principal, true
}

// QueryFrom returns the PROPFIND query of the request, if any.
func QueryFrom(ctx context.Context) *PropFindQuery {
	if s := scopeFrom(ctx); s != nil {
		return s.query
	}
	return nil
}

// withQuery attaches q to the request scope, creating one if needed.
func withQuery(ctx context.Context, q *PropFindQuery) context.Context {
	s := scopeFrom(ctx)
	if s == nil {
		s = newRequestScope(sharing.Principal{})
		ctx = withScope(ctx, s)
	}
	s.query = q
	return ctx
}

func (s *requestScope) cachedShares(nodeID string) ([]sharing.Share, bool) {
	if s == nil {
		return nil, false
	}
	shares, ok := s.shares[nodeID]
	metrics.RecordShareCache(ok)
	return shares, ok
}

func (s *requestScope) storeShares(nodeID string, shares []sharing.Share) {
	if s == nil {
		return
	}
	s.shares[nodeID] = shares
}

func (s *requestScope) cachedAccess(nodeID string) (sharing.Access, bool) {
	if s == nil {
		return sharing.Access{}, false
	}
	a, ok := s.access[nodeID]
	return a, ok
}

func (s *requestScope) storeAccess(nodeID string, a sharing.Access) {
	if s == nil {
		return
	}
	s.access[nodeID] = a
}
