package guid

import "testing"

func TestNewProducesParsableGUID(t *testing.T) {
	g := New()
	if err := Parse(g); err != nil {
		t.Fatalf("Parse(New()) = %v, want nil", err)
	}
}

func TestNewIsUnique(t *testing.T) {
	if New() == New() {
		t.Fatal("two calls to New produced the same GUID")
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	if err := Parse("deadbeef"); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestParseRejectsNonHex(t *testing.T) {
	bad := "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz" // 32 chars, not hex
	if err := Parse(bad); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}
