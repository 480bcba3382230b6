package routing

import (
	"context"
	"testing"

	"github.com/mxgateway/gateway/classifier"
)

func TestStaticRouterSendsWritesToPrimary(t *testing.T) {
	primary := NewBackend("primary")
	replica := NewBackend("replica")
	r := NewStaticRouter(primary, replica)

	decision, err := r.Route(context.Background(), classifier.Write, &SessionState{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Backend.Name() != "primary" {
		t.Fatalf("expected primary, got %s", decision.Backend.Name())
	}
}

func TestStaticRouterSendsReadsToReplica(t *testing.T) {
	primary := NewBackend("primary")
	replica := NewBackend("replica")
	r := NewStaticRouter(primary, replica)

	decision, err := r.Route(context.Background(), classifier.Read, &SessionState{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Backend.Name() != "replica" {
		t.Fatalf("expected replica, got %s", decision.Backend.Name())
	}
}

func TestStaticRouterPinsTransactionToPrimary(t *testing.T) {
	primary := NewBackend("primary")
	replica := NewBackend("replica")
	r := NewStaticRouter(primary, replica)
	state := &SessionState{}

	if _, err := r.Route(context.Background(), classifier.BeginTrx, state); err != nil {
		t.Fatalf("Route(BEGIN): %v", err)
	}

	// A read inside the open transaction must stay on primary, not replica.
	decision, err := r.Route(context.Background(), classifier.Read, state)
	if err != nil {
		t.Fatalf("Route(read inside trx): %v", err)
	}
	if decision.Backend.Name() != "primary" {
		t.Fatalf("expected sticky primary inside transaction, got %s", decision.Backend.Name())
	}

	if _, err := r.Route(context.Background(), classifier.Commit, state); err != nil {
		t.Fatalf("Route(COMMIT): %v", err)
	}
	if _, ok := state.Pinned(); ok {
		t.Fatalf("expected pin released after commit")
	}
}

func TestStaticRouterWithoutReplicaFallsBackToPrimary(t *testing.T) {
	primary := NewBackend("primary")
	r := NewStaticRouter(primary, nil)

	decision, err := r.Route(context.Background(), classifier.Read, &SessionState{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.Backend.Name() != "primary" {
		t.Fatalf("expected fallback to primary, got %s", decision.Backend.Name())
	}
}
