// Package sizeflag parses the byte-size strings accepted by
// -l/--max-line-length: a plain integer, optionally suffixed with k, M,
// or G (1024-based). Command-line parsing itself is handled by
// github.com/urfave/cli/v2; this package covers only the unit suffix
// that cli/v2 has no built-in notion of.
package sizeflag

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kibi = 1 << 10
	mebi = 1 << 20
	gibi = 1 << 30
)

// Parse converts s into a byte count. An empty string or "0" means
// unlimited (the caller's zero value). Suffixes are case-insensitive;
// "k"/"K" means KiB, "m"/"M" means MiB, "g"/"G" means GiB.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	numeric := s
	switch s[len(s)-1] {
	case 'k', 'K':
		multiplier = kibi
		numeric = s[:len(s)-1]
	case 'm', 'M':
		multiplier = mebi
		numeric = s[:len(s)-1]
	case 'g', 'G':
		multiplier = gibi
		numeric = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(numeric), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sizeflag: invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("sizeflag: invalid size %q: negative", s)
	}

	result := n * multiplier
	if multiplier != 1 && n != 0 && result/multiplier != n {
		return 0, fmt.Errorf("sizeflag: size %q overflows int64", s)
	}
	return result, nil
}
