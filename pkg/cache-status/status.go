package cachestatus

import (
	framer "github.com/always-cache/caching-proxy/pkg/http-framer"
)

// HeaderName is the response header carrying the cache status.
const HeaderName = "X-Cache"

// Status tells whether a response was served from the cache or fetched from the origin.
type Status string

const (
	Hit  Status = "HIT"
	Miss Status = "MISS"
)

// FromHit returns Hit if hit is true, otherwise Miss.
func FromHit(hit bool) Status {
	if hit {
		return Hit
	}
	return Miss
}

func (s Status) String() string {
	return string(s)
}

// Annotate returns a copy of the response with an `X-Cache: HIT` or `X-Cache: MISS`
// header as the last header field. An X-Cache header already present is replaced,
// which makes annotating idempotent.
// A response without a complete header block is returned unmodified.
func Annotate(hit bool, response []byte) []byte {
	head, body, err := framer.ParseHead(response)
	if err != nil {
		return response
	}
	head.Del(HeaderName)
	head.Add(HeaderName, FromHit(hit).String())
	out := head.Bytes()
	return append(out, body...)
}
