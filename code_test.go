package duplexrpc

import "testing"

func TestCodeMarshalRoundTrip(t *testing.T) {
	for c := minCode; c <= maxCode; c++ {
		text, err := c.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", c, err)
		}
		var got Code
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if got != c {
			t.Errorf("round trip: got %v, want %v", got, c)
		}
	}
}

func TestCodeUnmarshalTextAcceptsSpecString(t *testing.T) {
	var c Code
	if err := c.UnmarshalText([]byte("UNIMPLEMENTED")); err != nil {
		t.Fatal(err)
	}
	if c != CodeUnimplemented {
		t.Errorf("got %v, want CodeUnimplemented", c)
	}
}

func TestCodeUnmarshalTextRejectsOutOfRange(t *testing.T) {
	var c Code
	if err := c.UnmarshalText([]byte("99")); err == nil {
		t.Error("expected an error for an out-of-range numeric code")
	}
}

func TestCodeHTTPMapping(t *testing.T) {
	if CodeOK.http() != 200 {
		t.Errorf("CodeOK.http() = %d, want 200", CodeOK.http())
	}
	if CodeUnimplemented.http() != 501 {
		t.Errorf("CodeUnimplemented.http() = %d, want 501", CodeUnimplemented.http())
	}
}
