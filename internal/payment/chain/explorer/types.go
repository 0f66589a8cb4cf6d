package explorer

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

// Int64 decodes from a JSON number or a quoted number.
type Int64 int64

func (n *Int64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil {
			return fmt.Errorf("not an integer: %s", b)
		}
		v = int64(f)
	}
	*n = Int64(v)
	return nil
}

// Decimal decodes from a JSON number or a quoted number without float rounding.
type Decimal struct {
	decimal.Decimal
	Valid bool
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Decimal{}
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		if raw == "" {
			*d = Decimal{}
			return nil
		}
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("not a decimal: %s", b)
	}
	*d = Decimal{Decimal: v, Valid: true}
	return nil
}
