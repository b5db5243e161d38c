package providers

import (
	"bytes"
	"strings"

	"github.com/shopspring/decimal"
)

// flexNumber decodes a JSON number, a numeric string, or null. Anything it
// cannot parse decodes as absent rather than failing the whole payload.
type flexNumber struct {
	value float64
	valid bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	*n = flexNumber{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := strings.Trim(string(data), `"`)
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "%")
	if raw == "" {
		return nil
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	n.value, _ = d.Float64()
	n.valid = true
	return nil
}

func (n flexNumber) Float() float64 {
	if !n.valid {
		return 0
	}
	return n.value
}

func (n flexNumber) Valid() bool { return n.valid }

// Ptr returns nil when the value was absent.
func (n flexNumber) Ptr() *float64 {
	if !n.valid {
		return nil
	}
	v := n.value
	return &v
}
