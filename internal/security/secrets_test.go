package security

import "testing"

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseBearer(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseBearer(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTokenMatches(t *testing.T) {
	if !TokenMatches("s3cret", "s3cret") {
		t.Fatal("identical tokens should match")
	}
	if TokenMatches("s3cret", "s3cret-longer") {
		t.Fatal("different tokens matched")
	}
	if TokenMatches("", "") {
		t.Fatal("empty expected token must never match")
	}
}

func TestConstantTimeEqualHexRejectsBadInput(t *testing.T) {
	if ConstantTimeEqualHex("zz", "zz") {
		t.Fatal("non-hex input matched")
	}
	if ConstantTimeEqualHex("abcd", "ab") {
		t.Fatal("different lengths matched")
	}
}
