package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Param is a single query parameter.
type Param struct {
	Key   string
	Value string
}

// Query is an ordered list of query parameters. Unlike url.Values it keeps
// the order in which parameters were added.
type Query []Param

// Add appends a key/value pair and returns the extended query.
func (q Query) Add(key, value string) Query {
	return append(q, Param{Key: key, Value: value})
}

// AddJSON appends key with the JSON encoding of v as its value.
func (q Query) AddJSON(key string, v any) (Query, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return q, fmt.Errorf("failed to encode query parameter %q: %w", key, err)
	}
	return q.Add(key, string(encoded)), nil
}

// Get returns the value of the first parameter named key.
func (q Query) Get(key string) (string, bool) {
	for _, p := range q {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Encode renders the query in "k1=v1&k2=v2" form, in insertion order.
func (q Query) Encode() string {
	var b strings.Builder
	for i, p := range q {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}
