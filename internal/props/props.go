// Package props reads and writes line-oriented key=value property files.
//
// Entries keep their original text so a file can be rewritten without
// disturbing comments or formatting of untouched keys.
package props

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Entry is one key assignment together with the raw lines it was read from.
type Entry struct {
	Key   string
	Value string
	Raw   string
}

// Properties is an ordered set of key assignments. Later assignments of the
// same key override earlier ones.
type Properties struct {
	entries []Entry
	index   map[string]int
}

// New returns empty properties.
func New() *Properties {
	return &Properties{index: map[string]int{}}
}

// Parse reads properties from r.
func Parse(r io.Reader) (*Properties, error) {
	p := New()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var raw []string
	var logical strings.Builder
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimLeft(line, " \t\f")

		if logical.Len() == 0 && (trimmed == "" || trimmed[0] == '#' || trimmed[0] == '!') {
			continue
		}

		raw = append(raw, line)
		if continues(trimmed) {
			logical.WriteString(strings.TrimSuffix(trimmed, `\`))
			continue
		}
		logical.WriteString(trimmed)

		key, value := split(logical.String())
		p.add(Entry{Key: key, Value: value, Raw: strings.Join(raw, "\n")})
		raw = raw[:0]
		logical.Reset()
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read properties: %w", err)
	}
	if logical.Len() > 0 {
		key, value := split(logical.String())
		p.add(Entry{Key: key, Value: value, Raw: strings.Join(raw, "\n")})
	}
	return p, nil
}

// ParseBytes is Parse over a byte slice.
func ParseBytes(b []byte) (*Properties, error) {
	return Parse(bytes.NewReader(b))
}

// continues reports whether a line ends with an odd number of backslashes.
func continues(line string) bool {
	n := 0
	for i := len(line) - 1; i >= 0 && line[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

func split(line string) (string, string) {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '=', ':':
			return unescape(strings.TrimSpace(line[:i])), unescape(strings.TrimSpace(line[i+1:]))
		}
	}
	return unescape(strings.TrimSpace(line)), ""
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func (p *Properties) add(e Entry) {
	if i, ok := p.index[e.Key]; ok {
		p.entries[i] = e
		return
	}
	p.index[e.Key] = len(p.entries)
	p.entries = append(p.entries, e)
}

// Get returns the value of key.
func (p *Properties) Get(key string) (string, bool) {
	i, ok := p.index[key]
	if !ok {
		return "", false
	}
	return p.entries[i].Value, true
}

// Value returns the value of key or "" when absent.
func (p *Properties) Value(key string) string {
	v, _ := p.Get(key)
	return v
}

// Has reports whether key is assigned.
func (p *Properties) Has(key string) bool {
	_, ok := p.index[key]
	return ok
}

// Set assigns key, replacing any earlier assignment in place.
func (p *Properties) Set(key, value string) {
	p.add(Entry{Key: key, Value: value, Raw: escape(key) + " = " + escapeValue(value)})
}

// Delete removes key.
func (p *Properties) Delete(key string) {
	i, ok := p.index[key]
	if !ok {
		return
	}
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	delete(p.index, key)
	for j := i; j < len(p.entries); j++ {
		p.index[p.entries[j].Key] = j
	}
}

// Entries returns the entries in file order.
func (p *Properties) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// Keys returns the keys in file order.
func (p *Properties) Keys() []string {
	keys := make([]string, len(p.entries))
	for i, e := range p.entries {
		keys[i] = e.Key
	}
	return keys
}

// SortedKeys returns the keys in lexical order.
func (p *Properties) SortedKeys() []string {
	keys := p.Keys()
	sort.Strings(keys)
	return keys
}

// Len is the number of distinct keys.
func (p *Properties) Len() int { return len(p.entries) }

// Bytes renders the properties, one raw entry per line.
func (p *Properties) Bytes() []byte {
	var b bytes.Buffer
	for _, e := range p.entries {
		b.WriteString(e.Raw)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "=", `\=`, ":", `\:`, " ", `\ `, "\n", `\n`)
	return r.Replace(s)
}

func escapeValue(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "\n", `\n`)
	return r.Replace(s)
}
