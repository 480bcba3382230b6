package moduleloader

import "testing"

type stubModule struct {
	version    string
	initCalled *bool
}

func (s stubModule) Version() string { return s.version }

type initializingModule struct {
	stubModule
}

func (m initializingModule) Init() error {
	*m.initCalled = true
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("auth", "authenticator", stubModule{version: "1.0"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mod, ok := r.Lookup("auth")
	if !ok {
		t.Fatalf("expected lookup to succeed")
	}
	if mod.Version() != "1.0" {
		t.Fatalf("got version %q", mod.Version())
	}
}

func TestRegisterCallsInit(t *testing.T) {
	r := NewRegistry()
	called := false
	err := r.Register("router", "router", initializingModule{stubModule{version: "1.0", initCalled: &called}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !called {
		t.Fatalf("expected Init to be called during Register")
	}
}

func TestDuplicateRegisterFails(t *testing.T) {
	r := NewRegistry()
	r.Register("dup", "t", stubModule{version: "1.0"})
	if err := r.Register("dup", "t", stubModule{version: "2.0"}); err == nil {
		t.Fatalf("expected error on duplicate registration")
	}
}

func TestSealPreventsFurtherRegistration(t *testing.T) {
	r := NewRegistry()
	r.Seal()
	if err := r.Register("late", "t", stubModule{version: "1.0"}); err == nil {
		t.Fatalf("expected error registering after Seal")
	}
}

func TestLookupMissingModule(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("missing"); ok {
		t.Fatalf("expected lookup of unregistered module to fail")
	}
}

func TestFindManifestMissingIsNotAnError(t *testing.T) {
	m, err := FindManifest("does-not-exist-anywhere")
	if err != nil {
		t.Fatalf("expected no error for a missing manifest, got %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil manifest when none is found")
	}
}
