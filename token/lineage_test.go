package token

import "testing"

func TestParseLineageID(t *testing.T) {
	tests := []struct {
		jti  string
		want LineageID
	}{
		{"abc", LineageID{Base: "abc", Counter: 1}},
		{"abc:1", LineageID{Base: "abc", Counter: 1}},
		{"abc:7", LineageID{Base: "abc", Counter: 7}},
		{"abc:x", LineageID{Base: "abc", Counter: 1}},
		{"abc:", LineageID{Base: "abc", Counter: 1}},
		{"abc:0", LineageID{Base: "abc", Counter: 1}},
		{"abc:-3", LineageID{Base: "abc", Counter: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.jti, func(t *testing.T) {
			if got := ParseLineageID(tt.jti); got != tt.want {
				t.Errorf("ParseLineageID(%q) = %+v, want %+v", tt.jti, got, tt.want)
			}
		})
	}
}

func TestFormatLineageID(t *testing.T) {
	if got := FormatLineageID(LineageID{Base: "abc", Counter: 1}); got != "abc" {
		t.Errorf("first token jti = %q, want plain base", got)
	}
	if got := FormatLineageID(LineageID{Base: "abc", Counter: 12}); got != "abc:12" {
		t.Errorf("FormatLineageID() = %q", got)
	}
	for _, id := range []LineageID{{"a", 1}, {"a", 2}, {"b", 99}} {
		if got := ParseLineageID(id.String()); got != id {
			t.Errorf("round trip of %+v = %+v", id, got)
		}
	}
}
