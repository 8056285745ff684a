package cachekey

import (
	"bytes"
	"strings"
)

const methodSeparator = ":"

// Identity is the cache key of a request: the request method and target
// joined by a colon, e.g. `GET:/index.html`.
// The zero value is an invalid identity.
type Identity string

// Valid reports whether the identity was derived from a well-formed request line.
func (i Identity) Valid() bool {
	return i != ""
}

// Method returns the method part of the identity, as it appeared in the request.
func (i Identity) Method() string {
	method, _, _ := strings.Cut(string(i), methodSeparator)
	return method
}

// Target returns the request-target part of the identity.
func (i Identity) Target() string {
	_, target, _ := strings.Cut(string(i), methodSeparator)
	return target
}

func (i Identity) String() string {
	return string(i)
}

// Derive returns the identity of a raw request header block, along with the
// request method in upper case.
// Only the first line is looked at, so requests that differ only in their headers
// share an identity.
// If the first line does not consist of at least a method and a target,
// an empty (invalid) identity and method are returned.
func Derive(head []byte) (Identity, string) {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	tokens := strings.Fields(string(line))
	if len(tokens) < 2 {
		return "", ""
	}
	return New(tokens[0], tokens[1]), strings.ToUpper(tokens[0])
}

// New creates an identity from a method and a request target.
func New(method, target string) Identity {
	return Identity(method + methodSeparator + target)
}

// Cacheable reports whether responses to requests with the given method may be stored.
// Only GET requests are cacheable, everything else is always forwarded.
func Cacheable(method string) bool {
	return strings.EqualFold(method, "GET")
}
