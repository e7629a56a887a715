package route

import "testing"

func TestStickyStore_RememberAndToken(t *testing.T) {
	t.Parallel()

	s := NewStickyStore(10)
	s.Remember("conv_1", "tok_a")

	tok, ok := s.Token("conv_1")
	if !ok || tok != "tok_a" {
		t.Fatalf("Token = %q, %v", tok, ok)
	}
	if _, ok := s.Token("conv_2"); ok {
		t.Fatal("unknown conversation should miss")
	}
}

func TestStickyStore_IgnoresEmpty(t *testing.T) {
	t.Parallel()

	s := NewStickyStore(10)
	s.Remember("conv_1", "tok_a")
	s.Remember("conv_1", "") // a plan without stickiness must not clear the token
	s.Remember("", "tok_b")

	tok, ok := s.Token("conv_1")
	if !ok || tok != "tok_a" {
		t.Fatalf("Token = %q, %v", tok, ok)
	}
	if _, ok := s.Token(""); ok {
		t.Fatal("empty conversation id should miss")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStickyStore_EvictsOldest(t *testing.T) {
	t.Parallel()

	s := NewStickyStore(2)
	s.Remember("conv_1", "tok_1")
	s.Remember("conv_2", "tok_2")
	s.Remember("conv_3", "tok_3")

	if _, ok := s.Token("conv_1"); ok {
		t.Fatal("oldest entry should be evicted at capacity")
	}
	if tok, ok := s.Token("conv_3"); !ok || tok != "tok_3" {
		t.Fatalf("Token = %q, %v", tok, ok)
	}
}
