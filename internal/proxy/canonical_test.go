package proxy

import "testing"

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://u:p@h:1234", "http://u:p@h:1234"},
		{"u:p@h:1234", "http://u:p@h:1234"},
		{"http://u:p@h:1234:extra", "http://u:p@h:1234"},
		{"u:p@h:1234:extra:more", "http://u:p@h:1234"},
		{"HTTP://u:p@H:1234", "http://u:p@h:1234"},
		{"socks5://proxy.example.com:9050", "socks5://proxy.example.com:9050"},
		{"http://h:8080/some/path", "http://h:8080"},
		{"  h:8080  ", "http://h:8080"},
	}
	for _, c := range cases {
		got, err := CanonicalURL(c.in)
		if err != nil {
			t.Errorf("CanonicalURL(%q) returned error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalURLRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "host-without-port", "http://:8080", "h:notaport"} {
		if _, err := CanonicalURL(in); err == nil {
			t.Errorf("CanonicalURL(%q) expected error, got none", in)
		}
	}
}

func TestCanonicalURLEquivalence(t *testing.T) {
	a, err := CanonicalURL("http://u:p@h:1234:extra")
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalURL("u:p@h:1234")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("expected %q and %q to canonicalize identically", a, b)
	}
}
