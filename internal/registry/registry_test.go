package registry

import (
	"context"
	"testing"
)

type fakeModule struct {
	Base
	name  string
	trace *[]string
	fail  bool
}

func (m *fakeModule) Initialize(ctx context.Context) error {
	*m.trace = append(*m.trace, "init:"+m.name)
	if err := m.Transition(Initializing); err != nil {
		return err
	}
	return m.Transition(Initialized)
}

func (m *fakeModule) Activate(ctx context.Context) error {
	*m.trace = append(*m.trace, "activate:"+m.name)
	if m.fail {
		return errFail
	}
	if err := m.Transition(Activating); err != nil {
		return err
	}
	return m.Transition(Active)
}

func (m *fakeModule) Deactivate(ctx context.Context) error {
	*m.trace = append(*m.trace, "deactivate:"+m.name)
	if err := m.Transition(Deactivating); err != nil {
		return err
	}
	return m.Transition(Deactivated)
}

func (m *fakeModule) Destroy(ctx context.Context) error {
	*m.trace = append(*m.trace, "destroy:"+m.name)
	if err := m.Transition(Destroying); err != nil {
		return err
	}
	return m.Transition(Destroyed)
}

var errFail = errFailType{}

type errFailType struct{}

func (errFailType) Error() string { return "boom" }

func TestInitializeActivateOrder(t *testing.T) {
	r := New()
	var trace []string

	for _, name := range []string{"a", "b", "c"} {
		name := name
		err := r.Register(name, func(r *Registry) (Module, error) {
			return &fakeModule{name: name, trace: &trace}, nil
		}, nil, nil)
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	ctx := context.Background()
	if err := r.InitializeAll(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := r.ActivateAll(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	want := []string{"init:a", "init:b", "init:c", "activate:a", "activate:b", "activate:c"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestDeactivateDestroyReverseOrderBestEffort(t *testing.T) {
	r := New()
	var trace []string

	for _, name := range []string{"a", "b"} {
		name := name
		r.Register(name, func(r *Registry) (Module, error) {
			return &fakeModule{name: name, trace: &trace}, nil
		}, nil, nil)
	}

	ctx := context.Background()
	if err := r.InitializeAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.ActivateAll(ctx); err != nil {
		t.Fatal(err)
	}

	trace = nil
	if err := r.DeactivateAll(ctx); err != nil {
		t.Fatalf("deactivate should not error: %v", err)
	}
	if err := r.DestroyAll(ctx); err != nil {
		t.Fatalf("destroy should not error: %v", err)
	}

	want := []string{"deactivate:b", "deactivate:a", "destroy:b", "destroy:a"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := New()
	factory := func(r *Registry) (Module, error) { return &fakeModule{name: "x", trace: &[]string{}}, nil }
	if err := r.Register("x", factory, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("x", factory, nil, nil); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestResolveAllByExport(t *testing.T) {
	r := New()
	var trace []string
	r.Register("driver-a", func(r *Registry) (Module, error) {
		return &fakeModule{name: "driver-a", trace: &trace}, nil
	}, nil, []string{"destination-driver"})
	r.Register("driver-b", func(r *Registry) (Module, error) {
		return &fakeModule{name: "driver-b", trace: &trace}, nil
	}, nil, []string{"destination-driver"})

	mods, err := r.ResolveAll("destination-driver")
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2", len(mods))
	}
}

func TestInvalidTransitionFailsWithoutMutatingState(t *testing.T) {
	var b Base
	if err := b.Transition(Active); err == nil {
		t.Fatal("expected state-mismatch error moving from Created to Active")
	}
	if b.Status() != Created {
		t.Fatalf("state mutated on failed transition: %s", b.Status())
	}
}
