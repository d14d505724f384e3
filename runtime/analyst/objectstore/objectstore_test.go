package objectstore

import "testing"

func TestNewID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID()
		if !IsID(id) {
			t.Fatalf("NewID returned malformed id %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestIsID(t *testing.T) {
	for _, id := range []string{"", "obj_", "obj_1234567", "obj_123456789", "obj_ABCDEF12", "blob_12345678"} {
		if IsID(id) {
			t.Errorf("IsID(%q) = true, want false", id)
		}
	}
}
