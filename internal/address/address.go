// Package address parses bus address strings of the form
// "method:key=value,key=value;method2:key=value" into ordered entries.
// It is a collaborator consumed by the transport opener, not part of the
// transport core itself.
package address

import (
	"errors"
	"strings"
)

// ErrBadAddress is returned for a syntactically invalid address.
var ErrBadAddress = errors.New("address: malformed address string")

// Entry is one "method:key=value,..." segment of an address.
type Entry struct {
	Method string
	Params map[string]string
}

// Value returns the entry's parameter named key, or "" if absent.
func (e Entry) Value(key string) string {
	return e.Params[key]
}

// String renders the entry back into its canonical wire form. Parameter
// order is not preserved across a parse/render round trip.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Method)
	b.WriteByte(':')
	first := true
	for k, v := range e.Params {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// Parse splits a full address string into its ";"-separated entries.
func Parse(s string) ([]Entry, error) {
	if s == "" {
		return nil, ErrBadAddress
	}
	var entries []Entry
	for _, segment := range strings.Split(s, ";") {
		if segment == "" {
			continue
		}
		entry, err := parseEntry(segment)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, ErrBadAddress
	}
	return entries, nil
}

func parseEntry(segment string) (Entry, error) {
	method, rest, ok := strings.Cut(segment, ":")
	if !ok || method == "" {
		return Entry{}, ErrBadAddress
	}
	params := map[string]string{}
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return Entry{}, ErrBadAddress
			}
			if _, dup := params[k]; dup {
				return Entry{}, ErrBadAddress
			}
			params[k] = v
		}
	}
	return Entry{Method: method, Params: params}, nil
}
