package health

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// parseMemoryValue turns a RouterOS memory figure ("912.3MiB", "1.5GiB",
// "512KiB", or a bare byte count) into bytes.
func parseMemoryValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory value")
	}
	multiplier := 1.0
	switch {
	case strings.HasSuffix(s, "GiB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GiB")
	case strings.HasSuffix(s, "MiB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "KiB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KiB")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing memory value %q: %w", s, err)
	}
	return v * multiplier, nil
}

// parseShellResourceOutput splits "/system/resource/print" output into a
// key → value map. Lines look like "  cpu-load: 2%" with arbitrary
// leading whitespace.
func parseShellResourceOutput(out string) map[string]string {
	kv := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key != "" && value != "" {
			kv[key] = value
		}
	}
	return kv
}

var uptimeSegment = regexp.MustCompile(`(\d+)([wdhms])`)

// parseUptime converts RouterOS uptime notation ("1w2d3h4m5s") into
// seconds. Unknown input yields 0.
func parseUptime(s string) int64 {
	var total int64
	for _, m := range uptimeSegment.FindAllStringSubmatch(s, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		switch m[2] {
		case "w":
			total += n * 7 * 24 * 3600
		case "d":
			total += n * 24 * 3600
		case "h":
			total += n * 3600
		case "m":
			total += n * 60
		case "s":
			total += n
		}
	}
	return total
}

// percentValue coerces a REST field ("2", "2%", 2.0) into a float
// percentage.
func percentValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		t = strings.TrimSuffix(strings.TrimSpace(t), "%")
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// byteValue coerces a REST memory field (number or string) into bytes.
func byteValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := parseMemoryValue(t)
		return f, err == nil
	}
	return 0, false
}
