// Package routing is the boundary between the protocol core and whatever
// decides which backend a classified statement goes to. It never executes
// SQL and never inspects result sets — it only turns a classifier.Tag plus
// a session's routing-relevant state into a RoutingDecision that names a
// backend, leaving the actual connection and execution to an external
// collaborator reached only through the Backend interface.
package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/mxgateway/gateway/classifier"
)

// Backend names one routable destination (a real server, a replica set
// member, a shard). The gateway core never dials it directly; Backend is
// implemented by whatever external component owns real connections.
type Backend interface {
	Name() string
}

// RoutingDecision is what a RoutingCollaborator hands back for one
// classified statement: which Backend to use and whether the decision
// pins the rest of the session to it (a transaction or a SESSION_WRITE,
// once begun, must stay on the same backend until it ends).
type RoutingDecision struct {
	Backend Backend
	Sticky  bool
	Reason  string
}

// RoutingCollaborator is the interface the protocol core calls into for
// every classified statement. Implementations hold no protocol state of
// their own; SessionState carries whatever per-connection context routing
// needs (currently: whether the session is already pinned to a backend).
type RoutingCollaborator interface {
	Route(ctx context.Context, tag classifier.Tag, state *SessionState) (RoutingDecision, error)
}

// SessionState is the routing-relevant slice of a connection's state: the
// backend it is already pinned to, if any, and whether it is mid-trx.
type SessionState struct {
	mu          sync.Mutex
	PinnedTo    Backend
	InTrx       bool
}

// Pin sticks the session to backend until Unpin is called.
func (s *SessionState) Pin(backend Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PinnedTo = backend
}

// Unpin releases a sticky pin, e.g. once a transaction commits/rolls back.
func (s *SessionState) Unpin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PinnedTo = nil
}

// Pinned reports the current pin, if any.
func (s *SessionState) Pinned() (Backend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PinnedTo, s.PinnedTo != nil
}

// namedBackend is the trivial Backend used by StaticRouter.
type namedBackend string

func (n namedBackend) Name() string { return string(n) }

// NewBackend names a backend for use with StaticRouter or any other
// RoutingCollaborator that only needs a name, not a live connection.
func NewBackend(name string) Backend { return namedBackend(name) }

// StaticRouter is the simplest possible RoutingCollaborator: one backend
// for writes (primary) and one for reads (replica), with sticky-session
// pinning for anything transactional or session-mutating. It exists to
// let routing-dependent tests and the integration client exercise the
// RoutingCollaborator boundary without standing up real backend
// connections; production deployments supply their own implementation
// (consistent-hash, least-connections, geo-aware, ...).
type StaticRouter struct {
	Primary Backend
	Replica Backend
}

// NewStaticRouter builds a StaticRouter sending all WRITE/SESSION_WRITE/
// GLOBAL_WRITE/LOCAL_READ/transaction-control traffic to primary and plain
// READ traffic to replica (or to primary when replica is nil). A tag with
// none of these bits is an error.
func NewStaticRouter(primary, replica Backend) *StaticRouter {
	return &StaticRouter{Primary: primary, Replica: replica}
}

// Version satisfies moduleloader.Module, letting a StaticRouter be
// registered and looked up through the gateway's plugin boundary like any
// other swappable RoutingCollaborator implementation.
func (r *StaticRouter) Version() string { return "static-router-1.0" }

func (r *StaticRouter) Route(ctx context.Context, tag classifier.Tag, state *SessionState) (RoutingDecision, error) {
	endsTrx := tag.Has(classifier.Commit) || tag.Has(classifier.Rollback)
	if state != nil && !endsTrx {
		if pinned, ok := state.Pinned(); ok {
			return RoutingDecision{Backend: pinned, Sticky: true, Reason: "session already pinned"}, nil
		}
	}

	switch {
	case tag.Has(classifier.BeginTrx):
		decision := RoutingDecision{Backend: r.Primary, Sticky: true, Reason: "transaction start"}
		if state != nil {
			state.Pin(r.Primary)
			state.InTrx = true
		}
		return decision, nil
	case tag.Has(classifier.Commit) || tag.Has(classifier.Rollback):
		decision := RoutingDecision{Backend: r.Primary, Sticky: false, Reason: "transaction end"}
		if state != nil {
			state.Unpin()
			state.InTrx = false
		}
		return decision, nil
	case tag.Has(classifier.Write) || tag.Has(classifier.GlobalWrite):
		return RoutingDecision{Backend: r.Primary, Reason: "write traffic"}, nil
	case tag.Has(classifier.SessionWrite):
		decision := RoutingDecision{Backend: r.Primary, Sticky: true, Reason: "session-mutating statement"}
		if state != nil {
			state.Pin(r.Primary)
		}
		return decision, nil
	case tag.Has(classifier.LocalRead):
		return RoutingDecision{Backend: r.Primary, Reason: "local administrative read"}, nil
	case tag.Has(classifier.Read):
		if r.Replica == nil {
			return RoutingDecision{Backend: r.Primary, Reason: "no replica configured"}, nil
		}
		return RoutingDecision{Backend: r.Replica, Reason: "read traffic"}, nil
	default:
		return RoutingDecision{}, fmt.Errorf("routing: no decision for tag %s", tag)
	}
}
