package xmlx

import (
	"encoding/xml"
	"fmt"
	"io"
)

// StreamParser incrementally reads a stream of XML fragments framed by a
// single root element (conventionally <stream>). The root's start tag is
// consumed silently; every first-level child is returned as a complete
// Element. This is the framing used on client connections.
type StreamParser struct {
	dec      *xml.Decoder
	root     *Element
	sawRoot  bool
	rootName string
}

// NewStreamParser creates a parser reading from r.
func NewStreamParser(r io.Reader) *StreamParser {
	return &StreamParser{dec: xml.NewDecoder(r)}
}

// Root returns the stream root element (attributes only, no children) once
// the opening tag has been read, or nil before that.
func (sp *StreamParser) Root() *Element {
	return sp.root
}

// ReadRoot consumes tokens up to and including the stream root's opening
// tag and returns the root element. A root already read is returned
// directly.
func (sp *StreamParser) ReadRoot() (*Element, error) {
	for !sp.sawRoot {
		tok, err := sp.dec.Token()
		if err != nil {
			return nil, err
		}
		if t, ok := tok.(xml.StartElement); ok {
			sp.sawRoot = true
			sp.rootName = t.Name.Local
			sp.root = New(t.Name.Local)
			for _, a := range t.Attr {
				sp.root.Attrs = append(sp.root.Attrs, Attr{Name: a.Name.Local, Value: a.Value})
			}
		}
	}
	return sp.root, nil
}

// Next returns the next first-level element of the stream. It blocks until a
// complete element is available. io.EOF is returned when the underlying
// reader is exhausted or the stream root is closed.
func (sp *StreamParser) Next() (*Element, error) {
	for {
		tok, err := sp.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !sp.sawRoot {
				sp.sawRoot = true
				sp.rootName = t.Name.Local
				sp.root = New(t.Name.Local)
				for _, a := range t.Attr {
					sp.root.Attrs = append(sp.root.Attrs, Attr{Name: a.Name.Local, Value: a.Value})
				}
				continue
			}
			return parseElement(sp.dec, t)
		case xml.EndElement:
			if sp.sawRoot && t.Name.Local == sp.rootName {
				return nil, io.EOF
			}
		}
	}
}

// StreamOpen returns the serialized opening tag for a stream root with the
// given name and attributes.
func StreamOpen(name string, attrs ...Attr) string {
	e := New(name)
	e.Attrs = attrs
	s := e.String()
	if len(s) >= 2 && s[len(s)-2] == '/' {
		return s[:len(s)-2] + ">"
	}
	return s
}

// ErrStreamClosed is the error value for a closed XML stream; no function
// in this package returns it.
var ErrStreamClosed = fmt.Errorf("xml stream closed")
