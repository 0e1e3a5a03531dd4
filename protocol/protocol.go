// Package protocol implements StreamProtocol, the versioned identifier used
// to name application protocols negotiated over a substream.
package protocol

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/blang/semver"
)

// StreamProtocol is a versioned protocol identifier of the form
// "namespace/name@version", e.g. "rs-mojave/ping@0.0.1".
type StreamProtocol struct {
	Namespace string
	Name      string
	Version   semver.Version
}

// New builds a StreamProtocol from its parts.
func New(namespace, name string, version semver.Version) StreamProtocol {
	return StreamProtocol{Namespace: namespace, Name: name, Version: version}
}

// MustParse is like Parse but panics if s cannot be parsed. It is intended for
// use with protocol identifiers known at compile time.
func MustParse(s string) StreamProtocol {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse decodes the canonical textual form "namespace/name@version".
//
// Parsing splits at the last '@' to find the version suffix, then splits the
// remaining prefix at the first '/' to find the namespace. A missing '@'
// yields ErrMissingAt; a missing '/' before the '@' yields ErrMissingSlash; an
// unparseable version yields an *InvalidVersionError wrapping the underlying
// semver error.
func Parse(s string) (StreamProtocol, error) {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return StreamProtocol{}, ErrMissingAt
	}
	prefix, verStr := s[:at], s[at+1:]

	slash := strings.Index(prefix, "/")
	if slash < 0 {
		return StreamProtocol{}, ErrMissingSlash
	}
	namespace, name := prefix[:slash], prefix[slash+1:]

	v, err := semver.Parse(verStr)
	if err != nil {
		return StreamProtocol{}, &InvalidVersionError{Err: err}
	}

	return StreamProtocol{Namespace: namespace, Name: name, Version: v}, nil
}

// String renders the canonical textual form "namespace/name@version". It is
// the exact inverse of Parse: Parse(p.String()) == p for any StreamProtocol p
// produced by Parse, or by New with a namespace that contains no '/'.
func (p StreamProtocol) String() string {
	return fmt.Sprintf("%s/%s@%s", p.Namespace, p.Name, p.Version.String())
}

// Equal reports whether p and o name the same namespace, name, and version.
func (p StreamProtocol) Equal(o StreamProtocol) bool {
	return p.Namespace == o.Namespace && p.Name == o.Name && p.Version.EQ(o.Version)
}

// Less orders StreamProtocol values by (namespace, name, version), matching
// the ordering required for use as a map key or in sorted protocol lists.
func (p StreamProtocol) Less(o StreamProtocol) bool {
	if p.Namespace != o.Namespace {
		return p.Namespace < o.Namespace
	}
	if p.Name != o.Name {
		return p.Name < o.Name
	}
	return p.Version.LT(o.Version)
}

// Hash returns a hash of the canonical textual form, so that it agrees with
// Equal for any two StreamProtocol values that compare equal.
func (p StreamProtocol) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.String()))
	return h.Sum64()
}

// MarshalJSON encodes the protocol as its canonical textual form wrapped in a
// JSON string, matching the on-wire representation used by the negotiator.
func (p StreamProtocol) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a JSON string in canonical textual form.
func (p *StreamProtocol) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseError values are returned by Parse.
type ParseError string

// Error satisfies the error interface.
func (e ParseError) Error() string { return string(e) }

// Sentinel parse errors returned by Parse.
const (
	ErrMissingAt    ParseError = "protocol: missing '@version' suffix"
	ErrMissingSlash ParseError = "protocol: missing '/' before '@'"
)

// InvalidVersionError wraps a version string that could not be parsed as
// semver.
type InvalidVersionError struct {
	Err error
}

// Error satisfies the error interface.
func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("protocol: invalid version: %s", e.Err)
}

// Unwrap allows errors.Is/errors.As to reach the underlying semver error.
func (e *InvalidVersionError) Unwrap() error { return e.Err }
