package archon

import (
	"fmt"
	"strconv"
	"strings"
)

// Keywords is a parsed "KEY=VALUE KEY=VALUE ..." reply line, as returned
// by SYSTEM, STATUS and FRAME. Values stay strings; callers pull out the
// representation they need (Int, HexInt, Float) the way the Python
// controller's ad hoc check_int/int/float conversions did per command.
type Keywords map[string]string

func parseKeywords(line string) (Keywords, error) {
	fields := strings.Fields(line)
	kw := make(Keywords, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("%w: keyword field %q has no '='", ErrMalformedReply, f)
		}
		kw[strings.ToLower(k)] = v
	}
	return kw, nil
}

// Int parses key as a base-10 integer.
func (k Keywords) Int(key string) (int, error) {
	v, ok := k[strings.ToLower(key)]
	if !ok {
		return 0, fmt.Errorf("archon: missing keyword %q", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("archon: keyword %q is not an integer: %v", key, err)
	}
	return n, nil
}

// HexInt parses key as a hexadecimal integer, used for the FRAME reply's
// *TIME fields.
func (k Keywords) HexInt(key string) (int64, error) {
	v, ok := k[strings.ToLower(key)]
	if !ok {
		return 0, fmt.Errorf("archon: missing keyword %q", key)
	}
	n, err := strconv.ParseInt(v, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("archon: keyword %q is not hexadecimal: %v", key, err)
	}
	return n, nil
}

// Float parses key as a floating point number.
func (k Keywords) Float(key string) (float64, error) {
	v, ok := k[strings.ToLower(key)]
	if !ok {
		return 0, fmt.Errorf("archon: missing keyword %q", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("archon: keyword %q is not numeric: %v", key, err)
	}
	return f, nil
}

// Number parses key as an int if it looks like one, falling back to
// float64, mirroring the Python get_device_status check_int helper.
func (k Keywords) Number(key string) (float64, error) {
	v, ok := k[strings.ToLower(key)]
	if !ok {
		return 0, fmt.Errorf("archon: missing keyword %q", key)
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(v, "+")); err == nil {
		return float64(n), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("archon: keyword %q is not numeric: %v", key, err)
	}
	return f, nil
}
