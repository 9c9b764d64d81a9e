package analytics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Other is the residual key that absorbs counts a backend truncated away.
const Other = "(other)"

// Entry is one key and its count.
type Entry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Distribution is a set of counted keys that remembers the order keys were first observed in.
// The zero value is empty and ready to use.
type Distribution struct {
	entries []Entry
	index   map[string]int
}

// Add increments key by n. A key's position is fixed by its first Add.
func (d *Distribution) Add(key string, n int64) {
	if d.index == nil {
		d.index = make(map[string]int)
	}
	if i, ok := d.index[key]; ok {
		d.entries[i].Count += n
		return
	}
	d.index[key] = len(d.entries)
	d.entries = append(d.entries, Entry{Key: key, Count: n})
}

// Get returns the count for key, 0 if absent.
func (d *Distribution) Get(key string) int64 {
	if i, ok := d.index[key]; ok {
		return d.entries[i].Count
	}
	return 0
}

func (d *Distribution) Sum() int64 {
	var s int64
	for _, e := range d.entries {
		s += e.Count
	}
	return s
}

func (d *Distribution) Len() int { return len(d.entries) }

// Entries returns a copy in first-observation order.
func (d *Distribution) Entries() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Top returns the n largest entries by count. Ties keep first-observation order.
// n <= 0 returns all entries sorted.
func (d *Distribution) Top(n int) []Entry {
	out := d.Entries()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// fill tops the distribution up to total with the residual key.
func (d *Distribution) fill(total int64) {
	if rest := total - d.Sum(); rest > 0 {
		d.Add(Other, rest)
	}
}

// MarshalJSON encodes the distribution as an object whose keys keep first-observation order.
func (d Distribution) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range d.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		fmt.Fprintf(&buf, ":%d", e.Count)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of key to count, preserving the document's key order.
func (d *Distribution) UnmarshalJSON(b []byte) error {
	*d = Distribution{}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("distribution: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var n int64
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("distribution: count for %q: %w", key, err)
		}
		d.Add(key, n)
	}
	_, err = dec.Token()
	return err
}
