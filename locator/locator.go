// Package locator parses compact repository locators of the form
// "owner/name" or "owner/name:ref".
package locator

import (
	"fmt"
	"strings"
)

// Identity identifies a repository and an optional reference within it.
type Identity struct {
	Owner string
	Name  string
	// Ref is a branch, tag or commit. It may contain slashes.
	Ref string
}

// MalformedError is returned when a locator string cannot be parsed.
type MalformedError struct {
	Locator string
	Reason  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed locator %q: %s", e.Locator, e.Reason)
}

// Parse splits a locator into an Identity. The reference is everything after
// the first colon; the part before it must be exactly "owner/name".
func Parse(s string) (Identity, error) {
	repo, ref, hasRef := strings.Cut(s, ":")
	if hasRef && ref == "" {
		return Identity{}, &MalformedError{Locator: s, Reason: "empty reference after ':'"}
	}

	parts := strings.Split(repo, "/")
	if len(parts) != 2 {
		return Identity{}, &MalformedError{Locator: s, Reason: "expected owner/name"}
	}

	id := Identity{Owner: parts[0], Name: parts[1], Ref: ref}
	if err := id.validate(); err != nil {
		return Identity{}, &MalformedError{Locator: s, Reason: err.Error()}
	}
	return id, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id Identity) validate() error {
	if id.Owner == "" {
		return fmt.Errorf("owner is empty")
	}
	if id.Name == "" {
		return fmt.Errorf("name is empty")
	}
	for _, part := range []string{id.Owner, id.Name} {
		if strings.ContainsAny(part, `\`) || part == "." || part == ".." {
			return fmt.Errorf("invalid path segment %q", part)
		}
	}
	return nil
}

// String renders the identity back into locator form.
func (id Identity) String() string {
	if id.Ref == "" {
		return id.Owner + "/" + id.Name
	}
	return id.Owner + "/" + id.Name + ":" + id.Ref
}

// Repository returns "owner/name" without the reference.
func (id Identity) Repository() string {
	return id.Owner + "/" + id.Name
}
