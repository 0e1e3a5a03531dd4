package protocol

import (
	"errors"
	"testing"

	"github.com/blang/semver"
)

func TestParseRoundTrip(t *testing.T) {
	const in = "rs-mojave/ping@0.0.1"
	p, err := Parse(in)
	if err != nil {
		t.Fatalf("Parse(%q) returned error: %v", in, err)
	}
	if p.Namespace != "rs-mojave" || p.Name != "ping" || !p.Version.EQ(semver.MustParse("0.0.1")) {
		t.Fatalf("Parse(%q) = %+v", in, p)
	}
	if got := p.String(); got != in {
		t.Errorf("String() = %q, want %q", got, in)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		in      string
		wantErr error
	}{
		{"foo/bar@notaver", nil}, // checked separately below: *InvalidVersionError
		{"foobar@1.0.0", ErrMissingSlash},
		{"foo/bar", ErrMissingAt},
	}

	for _, tc := range tests {
		_, err := Parse(tc.in)
		if err == nil {
			t.Errorf("Parse(%q): expected error, got nil", tc.in)
			continue
		}
		if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
			t.Errorf("Parse(%q) = %v, want %v", tc.in, err, tc.wantErr)
		}
	}

	_, err := Parse("foo/bar@notaver")
	var invalid *InvalidVersionError
	if !errors.As(err, &invalid) {
		t.Errorf("Parse(%q) = %v, want *InvalidVersionError", "foo/bar@notaver", err)
	}
}

func TestEqualAndHash(t *testing.T) {
	a := MustParse("rs-mojave/ping@0.0.1")
	b := MustParse("rs-mojave/ping@0.0.1")
	c := MustParse("rs-mojave/ping@0.0.2")

	if !a.Equal(b) {
		t.Errorf("expected %v to equal %v", a, b)
	}
	if a.Equal(c) {
		t.Errorf("did not expect %v to equal %v", a, c)
	}
	if a.Hash() != b.Hash() {
		t.Errorf("expected equal values to hash the same")
	}
}

func TestLess(t *testing.T) {
	a := MustParse("ns/a@1.0.0")
	b := MustParse("ns/b@0.0.1")
	if !a.Less(b) {
		t.Errorf("expected %v < %v", a, b)
	}
}
