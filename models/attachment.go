package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/facette/natsort"
)

// SizeMeta describes one generated resize of an attachment.
type SizeMeta struct {
	File   string `json:"file" mapstructure:"file"` // basename, same directory as the full size
	Width  int    `json:"width" mapstructure:"width"`
	Height int    `json:"height" mapstructure:"height"`
}

// AttachmentMetadata is the attachment description exchanged with the CMS.
type AttachmentMetadata struct {
	File       string              `json:"file" mapstructure:"file"` // relative to the uploads root
	Width      int                 `json:"width,omitempty" mapstructure:"width"`
	Height     int                 `json:"height,omitempty" mapstructure:"height"`
	Sizes      map[string]SizeMeta `json:"sizes,omitempty" mapstructure:"sizes"`
	Processing bool                `json:"processing,omitempty" mapstructure:"processing"`

	// SizeOrder is the order the CMS declared the sizes in.
	SizeOrder []string `json:"-" mapstructure:"-"`
}

// UnmarshalJSON decodes the metadata and remembers the key order of "sizes".
func (m *AttachmentMetadata) UnmarshalJSON(data []byte) error {
	type plain AttachmentMetadata
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw struct {
		Sizes json.RawMessage `json:"sizes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	order, err := objectKeys(raw.Sizes)
	if err != nil {
		return fmt.Errorf("failed to read size order: %w", err)
	}
	*m = AttachmentMetadata(p)
	m.SizeOrder = order
	return nil
}

// objectKeys returns the top-level keys of a JSON object in document order.
func objectKeys(data json.RawMessage) ([]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// SizeNames lists the size names in declared order. Names missing from
// SizeOrder follow in natural order: thumb-2 before thumb-10.
func (m AttachmentMetadata) SizeNames() []string {
	out := make([]string, 0, len(m.Sizes))
	seen := make(map[string]bool, len(m.Sizes))
	for _, name := range m.SizeOrder {
		if _, ok := m.Sizes[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	var rest []string
	for name := range m.Sizes {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	natsort.Sort(rest)
	return append(out, rest...)
}

// Clone returns a copy with its own Sizes map.
func (m AttachmentMetadata) Clone() AttachmentMetadata {
	c := m
	if m.Sizes != nil {
		c.Sizes = make(map[string]SizeMeta, len(m.Sizes))
		for k, v := range m.Sizes {
			c.Sizes[k] = v
		}
	}
	c.SizeOrder = append([]string(nil), m.SizeOrder...)
	return c
}
