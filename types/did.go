package types

import (
	"fmt"
	"strings"
)

// DID represents a decentralized identifier of the form did:<method>:<id>
type DID string

// ParseDID validates the did:<method>:<id> shape and returns the typed DID.
func ParseDID(s string) (DID, error) {
	d := DID(s)
	if _, _, err := d.Parse(); err != nil {
		return "", err
	}
	return d, nil
}

// Parse splits the DID into method and method-specific identifier
func (d DID) Parse() (method, identifier string, err error) {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid DID format: %s", d)
	}
	return parts[1], parts[2], nil
}

// Method returns the DID method, or "" when the DID is malformed.
func (d DID) Method() string {
	method, _, err := d.Parse()
	if err != nil {
		return ""
	}
	return method
}

// Identifier returns the method-specific identifier, or "" when malformed.
func (d DID) Identifier() string {
	_, id, err := d.Parse()
	if err != nil {
		return ""
	}
	return id
}

// String returns the DID as a plain string.
func (d DID) String() string { return string(d) }

// Fragment returns "<did>#<fragment>", the id form used for verification
// methods and services.
func (d DID) Fragment(fragment string) string {
	return string(d) + "#" + fragment
}

// SplitFragment splits "<did>#<fragment>" into its two halves. The fragment
// half is "" when no '#' is present.
func SplitFragment(id string) (did DID, fragment string) {
	idx := strings.Index(id, "#")
	if idx < 0 {
		return DID(id), ""
	}
	return DID(id[:idx]), id[idx+1:]
}
