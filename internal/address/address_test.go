package address

import "testing"

func TestParseSingleEntry(t *testing.T) {
	entries, err := Parse("unix:path=/tmp/bus.sock")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Method != "unix" {
		t.Fatalf("Method = %q, want unix", entries[0].Method)
	}
	if got := entries[0].Value("path"); got != "/tmp/bus.sock" {
		t.Fatalf("Value(path) = %q, want /tmp/bus.sock", got)
	}
}

func TestParseMultipleEntriesAndParams(t *testing.T) {
	entries, err := Parse("tcp:host=127.0.0.1,port=1234;unix:path=/tmp/x.sock")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Value("host") != "127.0.0.1" || entries[0].Value("port") != "1234" {
		t.Fatalf("first entry params = %+v", entries[0].Params)
	}
	if entries[1].Method != "unix" {
		t.Fatalf("second entry method = %q, want unix", entries[1].Method)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"noSeparator",
		":noMethod",
		"unix:path",        // missing '='
		"unix:path=a,path=b", // duplicate key
	}
	for _, c := range cases {
		if _, err := Parse(c); err != ErrBadAddress {
			t.Errorf("Parse(%q) err = %v, want ErrBadAddress", c, err)
		}
	}
}

func TestValueMissingKeyReturnsEmpty(t *testing.T) {
	entries, err := Parse("unix:path=/tmp/x.sock")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := entries[0].Value("abstract"); got != "" {
		t.Fatalf("Value(abstract) = %q, want empty", got)
	}
}
