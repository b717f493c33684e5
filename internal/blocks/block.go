// Package blocks defines the typed content blocks a report section is made of.
//
// A Block is a shared envelope (id, type, order) plus one variant payload. The
// collaboration layer only looks at the envelope and at whole-block equality;
// renderers switch over the concrete payload types.
package blocks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

type Type string

const (
	TypeText        Type = "text"
	TypeHeading     Type = "heading"
	TypeList        Type = "list"
	TypeTable       Type = "table"
	TypeQuote       Type = "quote"
	TypeCallout     Type = "callout"
	TypeImage       Type = "image"
	TypeChart       Type = "chart"
	TypeCode        Type = "code"
	TypeDivider     Type = "divider"
	TypeFootnoteRef Type = "footnote_ref"
	TypeExhibitRef  Type = "exhibit_ref"
)

var (
	ErrMissingID   = errors.New("block id is required")
	ErrUnknownType = errors.New("unknown block type")
)

// Payload is implemented by the variant structs in this package only.
type Payload interface {
	blockType() Type
}

// Block is one ordered unit of section content. ID and Type never change
// after creation; Order may.
type Block struct {
	ID      string
	Type    Type
	Order   int
	Payload Payload
}

type envelope struct {
	ID    string `json:"id"`
	Type  Type   `json:"type"`
	Order int    `json:"order"`
}

// MarshalJSON writes the flat form stored in the content_blocks column:
// envelope fields followed by the payload fields.
func (b Block) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(envelope{ID: b.ID, Type: b.Type, Order: b.Order})
	if err != nil {
		return nil, err
	}
	if b.Payload == nil {
		return head, nil
	}
	if b.Payload.blockType() != b.Type {
		return nil, fmt.Errorf("block %s: %s payload on %s block", b.ID, b.Payload.blockType(), b.Type)
	}
	body, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", b.Type, err)
	}
	if len(body) <= 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode block: %w", err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return ErrMissingID
	}
	payload, err := decodePayload(env.Type, data)
	if err != nil {
		return fmt.Errorf("block %s: %w", env.ID, err)
	}
	*b = Block{ID: env.ID, Type: env.Type, Order: env.Order, Payload: payload}
	return nil
}

func decodePayload(t Type, data []byte) (Payload, error) {
	switch t {
	case TypeText:
		return decodeAs[Text](data)
	case TypeHeading:
		return decodeAs[Heading](data)
	case TypeList:
		return decodeAs[List](data)
	case TypeTable:
		return decodeAs[Table](data)
	case TypeQuote:
		return decodeAs[Quote](data)
	case TypeCallout:
		return decodeAs[Callout](data)
	case TypeImage:
		return decodeAs[Image](data)
	case TypeChart:
		return decodeAs[Chart](data)
	case TypeCode:
		return decodeAs[Code](data)
	case TypeDivider:
		return decodeAs[Divider](data)
	case TypeFootnoteRef:
		return decodeAs[FootnoteRef](data)
	case TypeExhibitRef:
		return decodeAs[ExhibitRef](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func decodeAs[P Payload](data []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// DecodeList decodes a JSON array of blocks. A null or empty input yields an
// empty, non-nil list.
func DecodeList(data []byte) ([]Block, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Block{}, nil
	}
	var out []Block
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Block{}
	}
	return out, nil
}

// Equal reports whether two blocks have the same canonical encoding.
func Equal(a, b Block) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(left, right)
}

// EqualLists compares two lists position by position.
func EqualLists(a, b []Block) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Sort orders blocks by Order, breaking ties by ID.
func Sort(list []Block) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Order != list[j].Order {
			return list[i].Order < list[j].Order
		}
		return list[i].ID < list[j].ID
	})
}

// Sorted returns a sorted copy and leaves the input untouched.
func Sorted(list []Block) []Block {
	out := make([]Block, len(list))
	copy(out, list)
	Sort(out)
	return out
}
