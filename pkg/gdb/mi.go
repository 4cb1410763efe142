package gdb

import (
	"fmt"
	"strings"
)

// Payload is the results part of an MI record as decoded by
// github.com/cyrus-and/gdb: tuples are maps, lists are slices and leaf
// values are strings.
type Payload map[string]interface{}

func payloadOf(v interface{}) Payload {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// String returns the string value named name, or "" when there is none.
func (p Payload) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Tuple returns the tuple value named name.
func (p Payload) Tuple(name string) Payload {
	return payloadOf(p[name])
}

// List returns the list value named name.
func (p Payload) List(name string) []interface{} {
	l, _ := p[name].([]interface{})
	return l
}

// Tuples returns the tuples held by the list named list. Lists of results,
// like stack=[frame={...},frame={...}], decode to single-entry tuples keyed
// by elem; those are unwrapped.
func (p Payload) Tuples(list, elem string) []Payload {
	var res []Payload
	for _, v := range p.List(list) {
		t := payloadOf(v)
		if t == nil {
			continue
		}
		if inner := t.Tuple(elem); inner != nil && len(t) == 1 {
			t = inner
		}
		res = append(res, t)
	}
	return res
}

// Record is an asynchronous exec, status or notify record.
type Record struct {
	Type    string
	Class   string
	Payload Payload
}

const (
	execRecord   = "exec"
	notifyRecord = "notify"
)

func recordOf(n map[string]interface{}) Record {
	typ, _ := n["type"].(string)
	class, _ := n["class"].(string)
	return Record{Type: typ, Class: class, Payload: payloadOf(n["payload"])}
}

// quote returns s as an MI C string.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\%03o`, c)
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
