package pdu

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// Params holds the key=value text parameters carried in login and text
// PDU data segments (RFC 3720, section 5.1). Order is preserved and
// duplicate keys are allowed: SendTargets responses repeat TargetName
// and TargetAddress keys, and their grouping is positional.
type Params struct {
	pairs []Pair
}

// Pair is one key=value parameter.
type Pair struct {
	Key   string
	Value string
}

var ErrBadParam = errors.New("pdu: malformed key=value parameter")

// NewParams returns an empty parameter list.
func NewParams() *Params { return &Params{} }

// Set appends key=value. An existing key is not replaced; negotiation
// text is written once and in order.
func (p *Params) Set(key, value string) {
	p.pairs = append(p.pairs, Pair{Key: key, Value: value})
}

// Get returns the first value for key.
func (p *Params) Get(key string) (string, bool) {
	for _, kv := range p.pairs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// GetAll returns every value recorded for key, in order.
func (p *Params) GetAll(key string) []string {
	var values []string
	for _, kv := range p.pairs {
		if kv.Key == key {
			values = append(values, kv.Value)
		}
	}
	return values
}

// Pairs returns the parameters in wire order.
func (p *Params) Pairs() []Pair { return p.pairs }

// Len returns the number of parameters.
func (p *Params) Len() int { return len(p.pairs) }

// Encode renders the parameters as NUL-terminated key=value strings.
func (p *Params) Encode() []byte {
	var buf bytes.Buffer
	for _, kv := range p.pairs {
		buf.WriteString(kv.Key)
		buf.WriteByte('=')
		buf.WriteString(kv.Value)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// ParseParams decodes a login/text data segment into Params. A trailing
// unterminated fragment is rejected; empty segments are fine.
func ParseParams(data []byte) (*Params, error) {
	p := NewParams()
	for len(data) > 0 {
		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return nil, errors.Wrapf(ErrBadParam, "unterminated %q", data)
		}
		entry := string(data[:nul])
		data = data[nul+1:]
		if entry == "" {
			continue
		}
		eq := strings.IndexByte(entry, '=')
		if eq <= 0 {
			return nil, errors.Wrapf(ErrBadParam, "%q", entry)
		}
		p.pairs = append(p.pairs, Pair{Key: entry[:eq], Value: entry[eq+1:]})
	}
	return p, nil
}
