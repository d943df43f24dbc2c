package config

import (
	"encoding/json"
	"fmt"
)

// Desired property names accepted in a gateway configuration patch.
const (
	PropGatewayName      = "gatewayName"
	PropIPAddress        = "ipAddress"
	PropAppSecret        = "appSecret"
	PropRefreshInterval  = "refreshInterval"
	PropExtendedIdentity = "useExtendedIdentity"
	PropRawHexColors     = "allowRawHexColors"
)

// ApplyPatch applies a JSON desired-properties patch to a gateway batch.
// A property present with null resets to its default, an absent property is
// left unchanged and unknown properties are ignored. The result is returned
// as a new value so the patch applies as one batch or not at all.
func ApplyPatch(current GatewayConfig, patch []byte) (GatewayConfig, []string, error) {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(patch, &props); err != nil {
		return current, nil, fmt.Errorf("invalid configuration patch: %w", err)
	}

	next := current
	var changed []string

	for key, raw := range props {
		var err error
		switch key {
		case PropGatewayName:
			err = decodeOrReset(raw, &next.Name)
		case PropIPAddress:
			err = decodeOrReset(raw, &next.Address)
		case PropAppSecret:
			err = decodeOrReset(raw, &next.AppSecret)
		case PropRefreshInterval:
			err = decodeOrReset(raw, &next.RefreshInterval)
		case PropExtendedIdentity:
			err = decodeOrReset(raw, &next.ExtendedIdentity)
		case PropRawHexColors:
			err = decodeOrReset(raw, &next.RawHexColors)
		default:
			continue
		}
		if err != nil {
			return current, nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		changed = append(changed, key)
	}

	return next, changed, nil
}

// decodeOrReset decodes raw into dst, or zeroes dst when raw is null.
func decodeOrReset[T any](raw json.RawMessage, dst *T) error {
	if string(raw) == "null" {
		var zero T
		*dst = zero
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// Reported returns the reported-properties view of a gateway batch.
// The secret is reported by length only.
func Reported(gw GatewayConfig) map[string]any {
	return map[string]any{
		PropGatewayName:      gw.Name,
		PropIPAddress:        gw.Address,
		PropAppSecret:        fmt.Sprintf("<%d characters>", len(gw.AppSecret)),
		PropRefreshInterval:  gw.RefreshInterval,
		PropExtendedIdentity: gw.ExtendedIdentity,
		PropRawHexColors:     gw.RawHexColors,
	}
}

// SameConnection reports whether two batches describe the same connection.
func SameConnection(a, b GatewayConfig) bool {
	return a.Name == b.Name &&
		a.Address == b.Address &&
		a.AppSecret == b.AppSecret &&
		a.RefreshInterval == b.RefreshInterval &&
		a.ExtendedIdentity == b.ExtendedIdentity &&
		a.RawHexColors == b.RawHexColors
}
