package commands

import (
	"fmt"
	"strings"
)

// Color presets supported by the gateway's color lights.
var presets = map[string]string{
	"Blue":            "4a418a",
	"LightBlue":       "6c83ba",
	"SaturatedPurple": "8f2686",
	"Lime":            "a9d62b",
	"LightPurple":     "c984bb",
	"Yellow":          "d6e44b",
	"SaturatedPink":   "d9337c",
	"DarkPeach":       "da5d41",
	"SaturatedRed":    "dc4b31",
	"ColdSky":         "dcf0f8",
	"Pink":            "e491af",
	"Peach":           "e57345",
	"WarmAmber":       "e78834",
	"LightPink":       "e8bedd",
	"CoolDaylight":    "eaf6fb",
	"CandleLight":     "ebb63e",
	"WarmGlow":        "efd275",
	"WarmWhite":       "f1e0b5",
	"Sunrise":         "f2eccf",
	"CoolWhite":       "f5faf6",
}

// presetIndex maps lower-cased preset names to hex values.
var presetIndex = make(map[string]string, len(presets))

func init() {
	for name, hex := range presets {
		if !isHexColor(hex) {
			panic(fmt.Sprintf("color preset %s has invalid value %q", name, hex))
		}
		presetIndex[strings.ToLower(name)] = hex
	}
}

// isHexColor reports whether s is exactly six lowercase hex digits.
func isHexColor(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ResolveColor turns a preset name into its hex value. Names match
// case-insensitively. When allowRaw is set a six digit hex string (with or
// without a leading #) is accepted as is.
func ResolveColor(value string, allowRaw bool) (string, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	if hex, ok := presetIndex[key]; ok {
		return hex, nil
	}
	if allowRaw {
		raw := strings.TrimPrefix(key, "#")
		if isHexColor(raw) {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%w: unknown color %q", ErrInvalidRequest, value)
}
