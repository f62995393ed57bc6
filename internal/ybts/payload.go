package ybts

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// PayloadFormat is the sub-format of the bytes following the header.
type PayloadFormat uint8

const (
	// PayloadNone means the primitive carries no payload.
	PayloadNone PayloadFormat = iota

	// PayloadParams is tagged key=value text, one pair per line.
	PayloadParams

	// PayloadHex is binary data carried as hex text.
	PayloadHex

	// PayloadTree is a nested protocol element tree carried as XML.
	PayloadTree
)

// String returns the human-readable name of the payload format.
func (f PayloadFormat) String() string {
	switch f {
	case PayloadNone:
		return "None"
	case PayloadParams:
		return "Params"
	case PayloadHex:
		return "Hex"
	case PayloadTree:
		return "Tree"
	default:
		return unknownStr
	}
}

// Payload errors.
var (
	// ErrInvalidParamName indicates an empty parameter name or one that
	// contains '=' or a line break.
	ErrInvalidParamName = errors.New("invalid parameter name")

	// ErrEmptyTree indicates an element-tree payload without a root.
	ErrEmptyTree = errors.New("element tree has no root")
)

// -------------------------------------------------------------------------
// Params: key=value text
// -------------------------------------------------------------------------

// Param is one named value.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered list of named values. Order and duplicates survive
// a round trip through the wire encoding.
type Params []Param

// Get returns the first value stored under name.
func (p Params) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// GetDefault returns the value for name or def when absent.
func (p Params) GetDefault(name, def string) string {
	if v, ok := p.Get(name); ok {
		return v
	}
	return def
}

// GetInt parses the value for name as a decimal integer.
func (p Params) GetInt(name string, def int) int {
	v, ok := p.Get(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set replaces the first value stored under name or appends a new pair.
func (p *Params) Set(name, value string) {
	for i := range *p {
		if (*p)[i].Name == name {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Name: name, Value: value})
}

// Add appends a pair without checking for duplicates.
func (p *Params) Add(name, value string) {
	*p = append(*p, Param{Name: name, Value: value})
}

// MarshalText encodes the pairs as "name=value" lines. Values may contain
// any byte; '%', '\r' and '\n' are percent-escaped.
func (p Params) MarshalText() ([]byte, error) {
	var b bytes.Buffer
	for i, kv := range p {
		if kv.Name == "" || strings.ContainsAny(kv.Name, "=\r\n") {
			return nil, fmt.Errorf("param %d %q: %w", i, kv.Name, ErrInvalidParamName)
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(kv.Name)
		b.WriteByte('=')
		b.WriteString(escapeParam(kv.Value))
	}
	return b.Bytes(), nil
}

// UnmarshalText decodes "name=value" lines produced by MarshalText.
func (p *Params) UnmarshalText(text []byte) error {
	*p = nil
	for i, line := range strings.Split(string(text), "\n") {
		name, value, ok := strings.Cut(line, "=")
		if !ok || name == "" {
			return fmt.Errorf("param line %d %q: %w", i, line, ErrInvalidParamName)
		}
		v, err := unescapeParam(value)
		if err != nil {
			return fmt.Errorf("param %q: %w", name, err)
		}
		*p = append(*p, Param{Name: name, Value: v})
	}
	return nil
}

var paramEscaper = strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A") //nolint:gochecknoglobals // immutable replacer.

func escapeParam(s string) string {
	return paramEscaper.Replace(s)
}

func unescapeParam(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape at %d: %w", i, ErrMalformedPayload)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape at %d: %w", i, ErrMalformedPayload)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}

// -------------------------------------------------------------------------
// Hex payload
// -------------------------------------------------------------------------

func encodeHex(data []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(data)))
	hex.Encode(out, data)
	return out
}

func decodeHex(text []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(text)))
	n, err := hex.Decode(out, text)
	if err != nil {
		return nil, fmt.Errorf("hex payload: %w", err)
	}
	return out[:n], nil
}

// -------------------------------------------------------------------------
// Element tree
// -------------------------------------------------------------------------

// Attr is an element attribute.
type Attr struct {
	Name  string
	Value string
}

// Element is one node of a protocol element tree. Text is the character
// data directly inside the element; it is written before the children.
type Element struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Element
}

// NewElement returns an element with the given name and text.
func NewElement(name, text string) *Element {
	return &Element{Name: name, Text: text}
}

// AddChild appends a child and returns it.
func (e *Element) AddChild(child *Element) *Element {
	e.Children = append(e.Children, child)
	return child
}

// Attr returns the attribute value for name.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Child returns the first direct child with the given name.
func (e *Element) Child(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildText returns the text of the first child named name.
func (e *Element) ChildText(name string) string {
	if c := e.Child(name); c != nil {
		return c.Text
	}
	return ""
}

// MarshalText encodes the tree as compact XML.
func (e *Element) MarshalText() ([]byte, error) {
	var b bytes.Buffer
	enc := xml.NewEncoder(&b)
	if err := e.encode(enc); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("flush element tree: %w", err)
	}
	return b.Bytes(), nil
}

func (e *Element) encode(enc *xml.Encoder) error {
	if !validElementName(e.Name) {
		return fmt.Errorf("element name %q: %w", e.Name, ErrMalformedPayload)
	}
	if !validElementText(e.Text) {
		return fmt.Errorf("<%s> text %q: %w", e.Name, e.Text, ErrMalformedPayload)
	}
	start := xml.StartElement{Name: xml.Name{Local: e.Name}}
	for _, a := range e.Attrs {
		if !validElementName(a.Name) {
			return fmt.Errorf("<%s> attribute name %q: %w", e.Name, a.Name, ErrMalformedPayload)
		}
		if !validElementText(a.Value) {
			return fmt.Errorf("<%s> attribute %s value %q: %w", e.Name, a.Name, a.Value, ErrMalformedPayload)
		}
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return fmt.Errorf("encode <%s>: %w", e.Name, err)
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return fmt.Errorf("encode <%s> text: %w", e.Name, err)
		}
	}
	for _, c := range e.Children {
		if err := c.encode(enc); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return fmt.Errorf("encode </%s>: %w", e.Name, err)
	}
	return nil
}

// validElementName accepts unprefixed XML names. Names starting with
// "xml" are reserved.
func validElementName(name string) bool {
	if name == "" || strings.HasPrefix(strings.ToLower(name), "xml") {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', unicode.IsLetter(r):
		case i > 0 && (r == '-' || r == '.' || unicode.IsDigit(r)):
		default:
			return false
		}
	}
	return true
}

// validElementText accepts text the decoder returns unchanged: valid
// UTF-8 within the XML character range, without carriage returns.
func validElementText(text string) bool {
	if !utf8.ValidString(text) {
		return false
	}
	for _, r := range text {
		switch {
		case r == '\t', r == '\n':
		case r >= 0x20 && r <= 0xD7FF:
		case r >= 0xE000 && r <= 0xFFFD:
		case r >= 0x10000 && r <= utf8.MaxRune:
		default:
			return false
		}
	}
	return true
}

// UnmarshalText decodes a single-rooted XML document into e.
func (e *Element) UnmarshalText(text []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(text))

	var stack []*Element
	var root *Element

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("element tree: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Name: t.Name.Local}
			for _, a := range t.Attr {
				el.Attrs = append(el.Attrs, Attr{Name: a.Name.Local, Value: a.Value})
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			} else if root == nil {
				root = el
			} else {
				return fmt.Errorf("element tree: second root <%s>: %w", el.Name, ErrMalformedPayload)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return ErrEmptyTree
	}
	*e = *root
	return nil
}
