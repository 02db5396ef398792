package flow

import (
	"net/url"
	"strings"
)

// Param is a single key=value pair.
type Param struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Params is an ordered set of key=value pairs. Keys are unique; setting
// an existing key replaces its value in place.
type Params []Param

// ParseParams parses operator input of the form "k1=v1&k2=v2". Each
// segment is split on its first '=' and trimmed. Segments lacking a
// non-empty key or a non-empty value are dropped, which tolerates
// trailing '&' and stray fragments. Values are taken literally, not
// percent-decoded.
func ParseParams(s string) Params {
	var out Params

	for _, segment := range strings.Split(s, "&") {
		k, v, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}

		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)

		if k == "" || v == "" {
			continue
		}

		out = out.Set(k, v)
	}

	return out
}

// Set returns p with key set to value.
func (p Params) Set(key, value string) Params {
	for i := range p {
		if p[i].Key == key {
			p[i].Value = value
			return p
		}
	}

	return append(p, Param{Key: key, Value: value})
}

// Get returns the value for key.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}

	return "", false
}

// Map returns the pairs as a map.
func (p Params) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}

	return m
}

// Encode form-encodes the pairs in order.
func (p Params) Encode() string {
	var b strings.Builder

	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}

		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}

	return b.String()
}

// String renders the pairs unescaped, the same form ParseParams accepts.
func (p Params) String() string {
	parts := make([]string, len(p))
	for i, kv := range p {
		parts[i] = kv.Key + "=" + kv.Value
	}

	return strings.Join(parts, "&")
}

func (p Params) clone() Params {
	if p == nil {
		return nil
	}

	return append(Params(nil), p...)
}

// merge appends extras to canonical, skipping any extra whose key is
// already canonical. The skipped keys are returned so callers can
// report them.
func merge(canonical, extras Params) (Params, []string) {
	out := canonical.clone()

	var ignored []string

	for _, kv := range extras {
		if _, taken := canonical.Get(kv.Key); taken {
			ignored = append(ignored, kv.Key)
			continue
		}

		out = out.Set(kv.Key, kv.Value)
	}

	return out, ignored
}
