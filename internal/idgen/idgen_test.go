package idgen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if !Valid(a) {
		t.Fatalf("expected valid uuid, got %q", a)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("clm_")
	if !strings.HasPrefix(id, "clm_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if len(id) != len("clm_")+32 {
		t.Fatalf("unexpected length %d for %q", len(id), id)
	}
	if strings.Contains(id, "-") {
		t.Fatalf("prefixed id should not contain dashes: %q", id)
	}
}
