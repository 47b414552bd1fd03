package domain

import "testing"

func TestParseBlobName(t *testing.T) {
	valid, err := ParseBlobName("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid.Valid() {
		t.Fatalf("Valid() returned false for a valid name")
	}
	cases := []string{"", "short", "XYZ", "0123456789ABCDEF0123456789ABCDEF", "0123456789abcdef0123456789abcdeg", "../3456789abcdef0123456789abcdef"}
	for _, c := range cases {
		if _, err := ParseBlobName(c); err == nil {
			t.Errorf("expected error for %q", c)
		}
	}
}

func TestNewBlobName(t *testing.T) {
	const n = 10
	unique := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		name, err := NewBlobName()
		if err != nil {
			t.Fatalf("NewBlobName error: %v", err)
		}
		s := name.String()
		if len(s) != 32 {
			t.Fatalf("name length unexpected: %d", len(s))
		}
		if !name.Valid() {
			t.Fatalf("generated name invalid: %s", name)
		}
		if _, exists := unique[s]; exists {
			t.Fatalf("duplicate name generated: %s", s)
		}
		unique[s] = struct{}{}
	}
}
