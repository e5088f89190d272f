package handle

import "testing"

type point struct {
	X int
	Y int
}

func TestRegisterSameValueSharesRoot(t *testing.T) {
	r := NewRegistry()
	p := &point{X: 1, Y: 2}

	root1 := r.Register(p)
	root2 := r.Register(p)
	if root1 != root2 {
		t.Fatalf("expected same pointer to share a root, got %d and %d", root1, root2)
	}
}

func TestRegisterPlainValueAlwaysFresh(t *testing.T) {
	r := NewRegistry()
	root1 := r.Register(42)
	root2 := r.Register(42)
	if root1 == root2 {
		t.Fatalf("expected plain values to mint fresh roots, both got %d", root1)
	}
}

func TestOwnDropRefcount(t *testing.T) {
	r := NewRegistry()
	client := r.NewClient()
	root := r.Register(&point{X: 1, Y: 2})

	r.Own(client, root)
	r.Own(client, root)
	if got := r.Refcount(root); got != 2 {
		t.Fatalf("expected refcount 2, got %d", got)
	}

	r.Drop(client, root)
	if got := r.Refcount(root); got != 1 {
		t.Fatalf("expected refcount 1, got %d", got)
	}

	r.Drop(client, root)
	if got := r.Refcount(root); got != 0 {
		t.Fatalf("expected refcount 0, got %d", got)
	}

	if _, err := r.Dereference(Address{Root: root}); err == nil {
		t.Fatal("expected dangling reference after refcount reaches zero")
	}
}

func TestDropAllReleasesClientHoldings(t *testing.T) {
	r := NewRegistry()
	client := r.NewClient()
	root := r.Register(&point{X: 1, Y: 2})

	r.Own(client, root)
	r.Own(client, root)
	r.DropAll(client)

	if got := r.Refcount(root); got != 0 {
		t.Fatalf("expected refcount 0 after DropAll, got %d", got)
	}
}

func TestDereferenceAttr(t *testing.T) {
	r := NewRegistry()
	root := r.Register(&point{X: 3, Y: 4})

	v, err := r.Dereference(Address{Root: root, Steps: []Step{{Kind: Attr, Attr: "Y"}}})
	if err != nil {
		t.Fatalf("Dereference failed: %v", err)
	}
	if v.(int) != 4 {
		t.Errorf("expected 4, got %v", v)
	}
}

func TestDereferenceUnknownAttr(t *testing.T) {
	r := NewRegistry()
	root := r.Register(&point{X: 3, Y: 4})

	_, err := r.Dereference(Address{Root: root, Steps: []Step{{Kind: Attr, Attr: "Z"}}})
	if err == nil {
		t.Fatal("expected bad address error")
	}
	if _, ok := err.(*ErrBadAddress); !ok {
		t.Fatalf("expected *ErrBadAddress, got %T", err)
	}
}

func TestDereferenceItem(t *testing.T) {
	r := NewRegistry()
	root := r.Register(map[string]int{"a": 1, "b": 2})

	v, err := r.Dereference(Address{Root: root, Steps: []Step{{Kind: Item, Key: "b"}}})
	if err != nil {
		t.Fatalf("Dereference failed: %v", err)
	}
	if v.(int) != 2 {
		t.Errorf("expected 2, got %v", v)
	}
}

func TestDereferenceDanglingRoot(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dereference(Address{Root: 999})
	if _, ok := err.(*ErrDanglingReference); !ok {
		t.Fatalf("expected *ErrDanglingReference, got %T", err)
	}
}
