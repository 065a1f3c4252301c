package itemstate

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Codec converts field values to and from their representation in the
// shared store. The shared store holds only strings, so lists and structured
// values are encoded into a single string.
type Codec[T any] interface {
	Encode(v T) (string, error)
	Decode(s string) (T, error)

	// HasData returns whether v must be stored remotely. Values without data
	// are never written to the shared store, the remote entry is removed
	// instead.
	HasData(v T) bool
}

var (
	Int        Codec[int]      = intCodec{}
	Int64      Codec[int64]    = int64Codec{}
	String     Codec[string]   = stringCodec{}
	Bool       Codec[bool]     = boolCodec{}
	StringList Codec[[]string] = stringListCodec{}
)

type intCodec struct{}

func (intCodec) Encode(v int) (string, error) { return strconv.Itoa(v), nil }
func (intCodec) Decode(s string) (int, error) { return strconv.Atoi(s) }
func (intCodec) HasData(v int) bool { return true }

type int64Codec struct{}

func (int64Codec) Encode(v int64) (string, error) { return strconv.FormatInt(v, 10), nil }
func (int64Codec) Decode(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }
func (int64Codec) HasData(v int64) bool { return true }

// An empty string has no data.
type stringCodec struct{}

func (stringCodec) Encode(v string) (string, error) { return v, nil }
func (stringCodec) Decode(s string) (string, error) { return s, nil }
func (stringCodec) HasData(v string) bool { return v != "" }

type boolCodec struct{}

func (boolCodec) Encode(v bool) (string, error) { return strconv.FormatBool(v), nil }
func (boolCodec) Decode(s string) (bool, error) { return strconv.ParseBool(s) }
func (boolCodec) HasData(v bool) bool { return true }

// Lists are joined with a comma. A comma or backslash in an element is escaped
// with a backslash. Empty elements are dropped, and an empty list has no data.
type stringListCodec struct{}

func (stringListCodec) Encode(v []string) (string, error) {
	var b strings.Builder
	for _, e := range v {
		if e == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		for i := 0; i < len(e); i++ {
			if e[i] == ',' || e[i] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(e[i])
		}
	}
	return b.String(), nil
}

func (stringListCodec) Decode(s string) ([]string, error) {
	var l []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			l = append(l, b.String())
		}
		b.Reset()
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
			if i == len(s) {
				return nil, errors.New("list ends with escape character")
			}
			b.WriteByte(s[i])
		case ',':
			flush()
		default:
			b.WriteByte(s[i])
		}
	}
	flush()
	return l, nil
}

func (stringListCodec) HasData(v []string) bool {
	for _, e := range v {
		if e != "" {
			return true
		}
	}
	return false
}

// Normalize drops empty elements, so the local value matches what other
// processes decode from the shared store.
func (stringListCodec) Normalize(v []string) []string {
	var l []string
	for _, e := range v {
		if e != "" {
			l = append(l, e)
		}
	}
	return l
}

// normalizer is implemented by codecs that canonicalize values before they are
// stored.
type normalizer[T any] interface {
	Normalize(v T) T
}

// JSON returns a codec storing values as JSON. If empty is not nil, values for
// which it returns true have no data.
func JSON[T any](empty func(v T) bool) Codec[T] {
	return jsonCodec[T]{empty}
}

type jsonCodec[T any] struct {
	empty func(v T) bool
}

func (c jsonCodec[T]) Encode(v T) (string, error) {
	buf, err := json.Marshal(v)
	return string(buf), err
}

func (c jsonCodec[T]) Decode(s string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func (c jsonCodec[T]) HasData(v T) bool {
	return c.empty == nil || !c.empty(v)
}
