package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DraftKind identifies the shape of a Draft node
type DraftKind string

const (
	KindNull   DraftKind = "null"
	KindString DraftKind = "string"
	KindList   DraftKind = "list"
	KindObject DraftKind = "object"
)

// Draft is an ordered value tree holding a specification draft.
// Objects keep their members in the order they were declared or decoded,
// so JSON and Markdown renderings follow the template field order.
type Draft struct {
	Kind    DraftKind
	Text    string
	Items   []string
	Members []Member
}

// Member is a keyed child of an object Draft
type Member struct {
	Key   string
	Value Draft
}

// String builds a string node
func String(s string) Draft {
	return Draft{Kind: KindString, Text: s}
}

// List builds a string list node. A nil list becomes an empty one.
func List(items ...string) Draft {
	out := make([]string, len(items))
	copy(out, items)
	return Draft{Kind: KindList, Items: out}
}

// Object builds an object node from ordered members
func Object(members ...Member) Draft {
	out := make([]Member, len(members))
	copy(out, members)
	return Draft{Kind: KindObject, Members: out}
}

// Field is shorthand for a Member literal
func Field(key string, value Draft) Member {
	return Member{Key: key, Value: value}
}

// Get returns the member value stored under key
func (d Draft) Get(key string) (Draft, bool) {
	if d.Kind != KindObject {
		return Draft{}, false
	}
	for _, m := range d.Members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Draft{}, false
}

// With returns a copy of the object with key set to value.
// Existing keys keep their position, new keys are appended.
func (d Draft) With(key string, value Draft) Draft {
	out := d.Clone()
	if out.Kind != KindObject {
		out = Object()
	}
	for i := range out.Members {
		if out.Members[i].Key == key {
			out.Members[i].Value = value.Clone()
			return out
		}
	}
	out.Members = append(out.Members, Member{Key: key, Value: value.Clone()})
	return out
}

// Keys returns member keys in order
func (d Draft) Keys() []string {
	keys := make([]string, 0, len(d.Members))
	for _, m := range d.Members {
		keys = append(keys, m.Key)
	}
	return keys
}

// IsEmpty reports whether the node carries no facts: null, empty string,
// empty list, or an object whose members are all empty.
func (d Draft) IsEmpty() bool {
	switch d.Kind {
	case KindString:
		return d.Text == ""
	case KindList:
		return len(d.Items) == 0
	case KindObject:
		for _, m := range d.Members {
			if !m.Value.IsEmpty() {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Clone deep-copies the tree
func (d Draft) Clone() Draft {
	out := Draft{Kind: d.Kind, Text: d.Text}
	if d.Items != nil {
		out.Items = make([]string, len(d.Items))
		copy(out.Items, d.Items)
	}
	if d.Members != nil {
		out.Members = make([]Member, len(d.Members))
		for i, m := range d.Members {
			out.Members[i] = Member{Key: m.Key, Value: m.Value.Clone()}
		}
	}
	return out
}

// Equal compares two trees structurally, including member order
func (d Draft) Equal(other Draft) bool {
	if d.kind() != other.kind() {
		return false
	}
	switch d.kind() {
	case KindString:
		return d.Text == other.Text
	case KindList:
		if len(d.Items) != len(other.Items) {
			return false
		}
		for i := range d.Items {
			if d.Items[i] != other.Items[i] {
				return false
			}
		}
		return true
	case KindObject:
		if len(d.Members) != len(other.Members) {
			return false
		}
		for i := range d.Members {
			if d.Members[i].Key != other.Members[i].Key || !d.Members[i].Value.Equal(other.Members[i].Value) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// kind treats the zero value as null
func (d Draft) kind() DraftKind {
	if d.Kind == "" {
		return KindNull
	}
	return d.Kind
}

// MarshalJSON writes the tree with object members in stored order
func (d Draft) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d Draft) encode(buf *bytes.Buffer) error {
	switch d.kind() {
	case KindString:
		b, err := json.Marshal(d.Text)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindList:
		items := d.Items
		if items == nil {
			items = []string{}
		}
		b, err := json.Marshal(items)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindObject:
		buf.WriteByte('{')
		for i, m := range d.Members {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(m.Key)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := m.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
	return nil
}

// UnmarshalJSON decodes strings, string arrays, objects and null while
// preserving object member order. Any other JSON shape is rejected.
func (d *Draft) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	v, err := decodeDraft(dec, "$")
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func decodeDraft(dec *json.Decoder, path string) (Draft, error) {
	tok, err := dec.Token()
	if err != nil {
		return Draft{}, fmt.Errorf("%s: %w", path, err)
	}

	switch t := tok.(type) {
	case nil:
		return Draft{Kind: KindNull}, nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec, path)
		case '[':
			return decodeList(dec, path)
		}
	}
	return Draft{}, fmt.Errorf("%s: unsupported value %v", path, tok)
}

func decodeObject(dec *json.Decoder, path string) (Draft, error) {
	members := make([]Member, 0)
	seen := make(map[string]struct{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Draft{}, fmt.Errorf("%s: %w", path, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return Draft{}, fmt.Errorf("%s: invalid object key %v", path, keyTok)
		}
		if _, dup := seen[key]; dup {
			return Draft{}, fmt.Errorf("%s: duplicate key %q", path, key)
		}
		seen[key] = struct{}{}

		value, err := decodeDraft(dec, path+"."+key)
		if err != nil {
			return Draft{}, err
		}
		members = append(members, Member{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return Draft{}, fmt.Errorf("%s: %w", path, err)
	}
	return Draft{Kind: KindObject, Members: members}, nil
}

func decodeList(dec *json.Decoder, path string) (Draft, error) {
	items := make([]string, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Draft{}, fmt.Errorf("%s: %w", path, err)
		}
		s, ok := tok.(string)
		if !ok {
			return Draft{}, fmt.Errorf("%s[%d]: list items must be strings", path, len(items))
		}
		items = append(items, s)
	}
	if _, err := dec.Token(); err != nil {
		return Draft{}, fmt.Errorf("%s: %w", path, err)
	}
	return Draft{Kind: KindList, Items: items}, nil
}
