package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ByteSize is a byte count that also decodes from human sizes ("10MiB").
type ByteSize int64

// StringToByteSize is a DecodeHookFunc that parses strings into ByteSize
// with ParseSize.
func StringToByteSize() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		n, err := ParseSize(data.(string))
		if err != nil {
			return nil, err
		}
		return ByteSize(n), nil
	}
}

// StringToList is a DecodeHookFunc that splits comma separated strings into
// []string or []int64. Blank elements are dropped, so "" decodes to an empty
// list.
func StringToList() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice {
			return data, nil
		}
		var parts []string
		for _, p := range strings.Split(data.(string), ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		switch t.Elem().Kind() {
		case reflect.String:
			return parts, nil
		case reflect.Int64:
			out := make([]int64, 0, len(parts))
			for _, p := range parts {
				n, err := strconv.ParseInt(p, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("parse list element %q: %w", p, err)
				}
				out = append(out, n)
			}
			return out, nil
		}
		return data, nil
	}
}

// ParseSize converts a human-friendly size string into a byte count.
// Accepts plain integers (bytes) or IEC/human suffixes: KiB/MiB/GiB (case-insensitive) or K/M/G.
// Examples: "131072" => 131072, "128KiB" => 131072, "1MiB" => 1048576, "2G" => 2147483648.
func ParseSize(s string) (int64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	upper := strings.ToUpper(s)
	if n, ok, err := parseSizeWithSuffix(upper, orig); ok {
		return n, err
	}
	n, err := parsePositiveInt(upper)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", orig, err)
	}
	return n, nil
}

// parsePositiveInt parses a base-10 int64 and rejects negatives.
func parsePositiveInt(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative not allowed")
	}
	return n, nil
}

// parseSizeWithSuffix returns (value, true, nil) on success, (0, false, nil)
// if no suffix matched, or (0, true, err) if a suffix matched but the number
// did not parse.
func parseSizeWithSuffix(upper, orig string) (int64, bool, error) {
	units := []struct {
		suffix string
		mult   int64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
		{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30},
	}
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			numPart := strings.TrimSpace(upper[:len(upper)-len(u.suffix)])
			if numPart == "" {
				return 0, true, fmt.Errorf("parse size %q: missing number", orig)
			}
			n, err := parsePositiveInt(numPart)
			if err != nil {
				return 0, true, fmt.Errorf("parse size %q: %w", orig, err)
			}
			return n * u.mult, true, nil
		}
	}
	return 0, false, nil
}
