package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"esxi01.local", "esxi01.local"},
		{"bad\nname", "bad name"},
		{"crlf\r\ninjection", "crlf  injection"},
		{"tab\tsep", "tab sep"},
		{"bell\x07char", "bellchar"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SanitizeForLog(tc.in); got != tc.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
