package framer

import (
	"bytes"
	"strings"
)

// Field is a single header line.
// Name is kept as received, Value without surrounding whitespace.
// Parsed fields remember their original line, which is written back unchanged
// unless the field is modified through Set.
type Field struct {
	Name  string
	Value string

	raw string
}

// Head is a parsed header block: the start line followed by header fields, in order.
type Head struct {
	StartLine string
	Fields    []Field
}

// ParseHead splits a raw message into its header block and body.
// Header lines that do not contain a colon are kept as a field with an empty name.
// Serializing an unmodified Head gives back the original bytes.
func ParseHead(raw []byte) (Head, []byte, error) {
	idx := bytes.Index(raw, terminator)
	if idx < 0 {
		return Head{}, nil, ErrNoHeadTerminator
	}
	body := raw[idx+len(terminator):]
	lines := strings.Split(string(raw[:idx]), "\r\n")
	head := Head{
		StartLine: lines[0],
		Fields:    make([]Field, 0, len(lines)-1),
	}
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			head.Fields = append(head.Fields, Field{Value: line, raw: line})
			continue
		}
		head.Fields = append(head.Fields, Field{
			Name:  name,
			Value: strings.TrimSpace(value),
			raw:   line,
		})
	}
	return head, body, nil
}

// Get returns the value of the first field with the given name.
func (h *Head) Get(name string) (string, bool) {
	for _, f := range h.Fields {
		if f.is(name) {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the value of the first field with the given name
// and removes any later ones. The field is appended if not present.
func (h *Head) Set(name, value string) {
	fields := h.Fields[:0]
	set := false
	for _, f := range h.Fields {
		if f.is(name) {
			if set {
				continue
			}
			f.Value = value
			f.raw = ""
			set = true
		}
		fields = append(fields, f)
	}
	h.Fields = fields
	if !set {
		h.Add(name, value)
	}
}

// Add appends a field after all existing ones.
func (h *Head) Add(name, value string) {
	h.Fields = append(h.Fields, Field{Name: name, Value: value})
}

// Del removes all fields with the given name.
func (h *Head) Del(name string) {
	fields := h.Fields[:0]
	for _, f := range h.Fields {
		if !f.is(name) {
			fields = append(fields, f)
		}
	}
	h.Fields = fields
}

// Bytes serializes the header block, including the terminating empty line.
// Parsed fields are written as received, new or modified ones as `Name: Value`.
func (h *Head) Bytes() []byte {
	buf := &bytes.Buffer{}
	buf.WriteString(h.StartLine)
	buf.Write(crlf)
	for _, f := range h.Fields {
		switch {
		case f.raw != "":
			buf.WriteString(f.raw)
		case f.Name == "":
			buf.WriteString(f.Value)
		default:
			buf.WriteString(f.Name)
			buf.WriteString(": ")
			buf.WriteString(f.Value)
		}
		buf.Write(crlf)
	}
	buf.Write(crlf)
	return buf.Bytes()
}

func (f Field) is(name string) bool {
	return f.Name != "" && strings.EqualFold(strings.TrimSpace(f.Name), name)
}
