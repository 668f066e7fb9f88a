package feed

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// A number the feed may send as a JSON number or a string. Anything
// unparseable or non-finite leaves Valid false.
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	*f = flexFloat{}

	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	var v float64
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		v = parsed
	} else if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}

	f.Value = v
	f.Valid = true
	return nil
}

// Returns a pointer to the value, or nil when invalid.
func (f flexFloat) Ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// Returns the value as a count, or nil when invalid or negative.
func (f flexFloat) CountPtr() *int {
	if !f.Valid || f.Value < 0 {
		return nil
	}
	v := int(math.Round(f.Value))
	return &v
}

// A string the feed may send bare, as an array of strings, or as an
// object carrying a "name" field. Arrays are joined with spaces.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	*s = ""

	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	switch b[0] {
	case '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
	case '[':
		var v []flexString
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if p != "" {
				parts = append(parts, string(p))
			}
		}
		*s = flexString(strings.Join(parts, " "))
	case '{':
		var v struct {
			Name  flexString   `json:"name"`
			Names []flexString `json:"names"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		if v.Name != "" {
			*s = v.Name
		} else if len(v.Names) > 0 {
			*s = v.Names[0]
		}
	}

	return nil
}
