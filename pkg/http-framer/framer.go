package framer

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// chunkSize is the size of a single read from the underlying stream.
const chunkSize = 4096

var (
	// ErrEmptyMessage is returned when the stream ended before any byte was received.
	ErrEmptyMessage = errors.New("empty message")
	// ErrIncompleteHead is returned when the stream ended before the header terminator.
	ErrIncompleteHead = errors.New("incomplete header block")
	// ErrHeadTooLarge is returned when the header block exceeds the read limit.
	ErrHeadTooLarge = errors.New("header block too large")
	// ErrNoHeadTerminator is returned when parsing a message without CRLF CRLF.
	ErrNoHeadTerminator = errors.New("no header terminator")
)

var (
	crlf       = []byte("\r\n")
	terminator = []byte("\r\n\r\n")
)

// ReadHead reads from r until a complete header block is available.
// It returns the header block including the terminating CRLF CRLF.
// Anything received after the terminator is discarded,
// i.e. request bodies are never forwarded.
// Reading stops with ErrHeadTooLarge once more than limit bytes have been read
// without a terminator (limit <= 0 means no limit).
// Read deadlines are the responsibility of the caller.
func ReadHead(r io.Reader, limit int) ([]byte, error) {
	buf := &bytes.Buffer{}
	chunk := make([]byte, chunkSize)
	// the terminator may straddle two chunks, so search from a bit before the new data
	searchFrom := 0
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if idx := bytes.Index(buf.Bytes()[searchFrom:], terminator); idx >= 0 {
				end := searchFrom + idx + len(terminator)
				return buf.Bytes()[:end], nil
			}
			if limit > 0 && buf.Len() > limit {
				return nil, errors.Wrapf(ErrHeadTooLarge, "read %d bytes", buf.Len())
			}
			searchFrom = buf.Len() - len(terminator) + 1
			if searchFrom < 0 {
				searchFrom = 0
			}
		}
		if err != nil {
			if buf.Len() == 0 && err == io.EOF {
				return nil, ErrEmptyMessage
			}
			if err == io.EOF {
				return nil, errors.Wrapf(ErrIncompleteHead, "stream closed after %d bytes", buf.Len())
			}
			if buf.Len() == 0 {
				return nil, errors.Wrap(err, "could not read header block")
			}
			return nil, errors.Wrapf(ErrIncompleteHead, "%v after %d bytes", err, buf.Len())
		}
	}
}

// ReadAll reads from r until the end of the stream and returns everything read.
// On error, the bytes read so far are returned along with the error.
func ReadAll(r io.Reader) ([]byte, error) {
	buf := &bytes.Buffer{}
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), errors.Wrap(err, "could not read to end of stream")
		}
	}
}

// FrameRequest reads a request header block from r and rewrites it for the origin.
// See ReadHead and RewriteRequest.
func FrameRequest(r io.Reader, originHost string, limit int) ([]byte, error) {
	head, err := ReadHead(r, limit)
	if err != nil {
		return nil, err
	}
	return RewriteRequest(head, originHost)
}

// RewriteRequest points the request header block at the origin.
// All Host fields are replaced by a single `Host: originHost` (added if absent),
// all Connection fields are removed and `Connection: close` is appended last,
// so that the origin closes the connection after responding.
// Other fields are preserved verbatim and in order.
func RewriteRequest(raw []byte, originHost string) ([]byte, error) {
	head, body, err := ParseHead(raw)
	if err != nil {
		return nil, err
	}
	head.Set("Host", originHost)
	head.Del("Connection")
	head.Add("Connection", "close")
	out := head.Bytes()
	return append(out, body...), nil
}
