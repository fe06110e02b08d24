package bufmem_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/bufmem"
	"github.com/gogpu/bufmem/backend/software"
)

func TestRegistryRegister(t *testing.T) {
	r := bufmem.NewRegistry()
	ctx := context.Background()
	t.Cleanup(func() { _ = r.Close(ctx) })

	a, err := r.Register("sw", software.New())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if a.Name() != "sw" || a.Backend().Name() != software.Name {
		t.Errorf("allocator Name/Backend = %q/%q", a.Name(), a.Backend().Name())
	}
	if _, err := r.Register("sw", software.New()); !errors.Is(err, bufmem.ErrAlreadyRegistered) {
		t.Errorf("duplicate Register = %v, want ErrAlreadyRegistered", err)
	}
	if _, err := r.Register("bad", software.New(software.WithCapacity(-1))); !errors.Is(err, bufmem.ErrConfiguration) {
		t.Errorf("Register(broken) = %v, want ErrConfiguration", err)
	}
	if _, err := r.Register("nil", nil); !errors.Is(err, bufmem.ErrConfiguration) {
		t.Errorf("Register(nil) = %v, want ErrConfiguration", err)
	}
	if _, err := r.Register("other", software.New()); err != nil {
		t.Fatalf("Register(other) failed: %v", err)
	}

	if got, ok := r.Lookup("sw"); !ok || got != a {
		t.Error("Lookup did not return the registered allocator")
	}
	if _, ok := r.Lookup("bad"); ok {
		t.Error("rejected backend is available")
	}
	if got := r.Names(); !slices.Equal(got, []string{"sw", "other"}) {
		t.Errorf("Names() = %v, want [sw other]", got)
	}
}

func TestRegistryMustLookup(t *testing.T) {
	r := bufmem.NewRegistry()
	defer func() {
		if recover() == nil {
			t.Error("MustLookup of unknown name should panic")
		}
	}()
	r.MustLookup("missing")
}

func TestRegistryClose(t *testing.T) {
	dc := bufmem.NewDeviceContext(t.Name())
	defer dc.Close()
	ctx := context.Background()

	r := bufmem.NewRegistry()
	sw1, sw2 := software.New(), software.New()
	a1, _ := r.Register("one", sw1)
	a2, _ := r.Register("two", sw2)
	if _, err := a1.Allocate(ctx, dc, 64); err != nil {
		t.Fatal(err)
	}
	if _, err := a2.Allocate(ctx, dc, 64); err != nil {
		t.Fatal(err)
	}

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if sw1.Stats().Live != 0 || sw2.Stats().Live != 0 {
		t.Error("Close left device objects behind")
	}
	if _, err := a1.Allocate(ctx, dc, 64); !errors.Is(err, bufmem.ErrAllocatorClosed) {
		t.Errorf("Allocate after registry Close = %v, want ErrAllocatorClosed", err)
	}
	if _, err := r.Register("three", software.New()); !errors.Is(err, bufmem.ErrRegistryClosed) {
		t.Errorf("Register after Close = %v, want ErrRegistryClosed", err)
	}
	if len(r.Names()) != 0 {
		t.Errorf("Names() after Close = %v", r.Names())
	}
}

func TestProcessRegistry(t *testing.T) {
	ctx := context.Background()
	if err := bufmem.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown without Init = %v", err)
	}
	if bufmem.Default() != nil {
		t.Fatal("Default() before Init should be nil")
	}

	r, err := bufmem.Init()
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if bufmem.Default() != r {
		t.Error("Default() does not return the initialized registry")
	}
	if _, err := bufmem.Init(); !errors.Is(err, bufmem.ErrAlreadyInitialized) {
		t.Errorf("second Init = %v, want ErrAlreadyInitialized", err)
	}
	if _, err := r.Register("sw", software.New()); err != nil {
		t.Fatal(err)
	}

	if err := bufmem.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if bufmem.Default() != nil {
		t.Error("Default() after Shutdown should be nil")
	}

	r2, err := bufmem.Init()
	if err != nil {
		t.Fatalf("Init after Shutdown failed: %v", err)
	}
	if _, ok := r2.Lookup("sw"); ok {
		t.Error("new registry inherited registrations")
	}
	_ = bufmem.Shutdown(ctx)
}
