package xmlx

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// Attr is a single name="value" attribute on an element.
type Attr struct {
	Name  string
	Value string
}

// Element is a generic XML element tree node. It is the unit everything in
// the router moves around: stanzas, config subtrees, xdb payloads and log
// records are all Elements.
type Element struct {
	Name     string
	Attrs    []Attr
	Children []*Element
	Text     string
}

// New creates an element with the given local name.
func New(name string) *Element {
	return &Element{Name: name}
}

// Attr returns the value of the named attribute, or "" if absent.
func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// HasAttr reports whether the named attribute is present, even when empty.
func (e *Element) HasAttr(name string) bool {
	for _, a := range e.Attrs {
		if a.Name == name {
			return true
		}
	}
	return false
}

// SetAttr sets or replaces the named attribute.
func (e *Element) SetAttr(name, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

// RemoveAttr deletes the named attribute if present.
func (e *Element) RemoveAttr(name string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
			return
		}
	}
}

// AddChild appends a child element and returns it.
func (e *Element) AddChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return c
}

// AddText appends character data to the element.
func (e *Element) AddText(s string) *Element {
	e.Text += s
	return e
}

// FirstChild returns the first child element, or nil.
func (e *Element) FirstChild() *Element {
	if len(e.Children) == 0 {
		return nil
	}
	return e.Children[0]
}

// Child returns the first child with the given name, or nil.
func (e *Element) Child(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildText returns the text of the first child with the given name.
func (e *Element) ChildText(name string) string {
	if c := e.Child(name); c != nil {
		return c.Text
	}
	return ""
}

// RemoveChild unlinks the given child element.
func (e *Element) RemoveChild(c *Element) {
	for i := range e.Children {
		if e.Children[i] == c {
			e.Children = append(e.Children[:i], e.Children[i+1:]...)
			return
		}
	}
}

// Find walks a slash separated path of element names below e and returns the
// first match, or nil. Used by the router dump filters and the bolt store's
// match expressions.
func (e *Element) Find(path string) *Element {
	cur := e
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		cur = cur.Child(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// FindText returns the text of the first element matching the path, or "".
func (e *Element) FindText(path string) string {
	if el := e.Find(path); el != nil {
		return el.Text
	}
	return ""
}

// FindAll returns every element matching a slash separated path below e.
func (e *Element) FindAll(path string) []*Element {
	parts := strings.Split(path, "/")
	cur := []*Element{e}
	for _, part := range parts {
		if part == "" {
			continue
		}
		var next []*Element
		for _, el := range cur {
			for _, c := range el.Children {
				if c.Name == part {
					next = append(next, c)
				}
			}
		}
		cur = next
	}
	return cur
}

// Clone returns a deep copy of the element tree.
func (e *Element) Clone() *Element {
	c := &Element{Name: e.Name, Text: e.Text}
	if len(e.Attrs) > 0 {
		c.Attrs = make([]Attr, len(e.Attrs))
		copy(c.Attrs, e.Attrs)
	}
	for _, ch := range e.Children {
		c.Children = append(c.Children, ch.Clone())
	}
	return c
}

// SwapToFrom exchanges the to and from attributes, the first step of every
// bounce.
func (e *Element) SwapToFrom() {
	to := e.Attr("to")
	from := e.Attr("from")
	e.SetAttr("to", from)
	e.SetAttr("from", to)
}

// Wrap returns a new element with the given name that has e as its only
// child. Used to build <route/> envelopes.
func (e *Element) Wrap(name string) *Element {
	w := New(name)
	w.AddChild(e)
	return w
}

// String serializes the element as an XML fragment.
func (e *Element) String() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e *Element) write(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(e.Name)
	for _, a := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		xml.EscapeText(b, []byte(a.Value))
		b.WriteByte('"')
	}
	if e.Text == "" && len(e.Children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	xml.EscapeText(b, []byte(e.Text))
	for _, c := range e.Children {
		c.write(b)
	}
	b.WriteString("</")
	b.WriteString(e.Name)
	b.WriteByte('>')
}

// Parse reads a single element tree from the reader.
func Parse(r io.Reader) (*Element, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parsing xml: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return parseElement(dec, start)
		}
	}
}

// ParseString reads a single element tree from a string fragment.
func ParseString(s string) (*Element, error) {
	return Parse(strings.NewReader(s))
}

// ParseFile loads and parses an XML document from disk.
func ParseFile(path string) (*Element, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	e, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return e, nil
}

func parseElement(dec *xml.Decoder, start xml.StartElement) (*Element, error) {
	e := New(start.Name.Local)
	for _, a := range start.Attr {
		name := a.Name.Local
		if a.Name.Space == "xmlns" {
			name = "xmlns:" + a.Name.Local
		} else if a.Name.Space != "" {
			name = a.Name.Space + ":" + a.Name.Local
		}
		e.Attrs = append(e.Attrs, Attr{Name: name, Value: a.Value})
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parsing xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			c, err := parseElement(dec, t)
			if err != nil {
				return nil, err
			}
			e.Children = append(e.Children, c)
		case xml.CharData:
			e.Text += string(t)
		case xml.EndElement:
			e.Text = strings.TrimSpace(e.Text)
			return e, nil
		}
	}
}
