package lifecycle

import (
	"github.com/dokzlo13/tradfrid/internal/config"
)

// Config is the connection batch the lifecycle attaches with.
// It is replaced as a whole, never field by field.
type Config struct {
	GatewayName      string
	Address          string
	AppSecret        string
	RefreshInterval  int // minutes, <= 0 = observe once per attach
	ExtendedIdentity bool
	RawHexColors     bool

	ModuleID string
	DeviceID string
}

// ConfigFrom builds a connection batch from the file configuration.
func ConfigFrom(gw config.GatewayConfig, module config.ModuleConfig) Config {
	return Config{
		GatewayName:      gw.Name,
		Address:          gw.Address,
		AppSecret:        gw.AppSecret,
		RefreshInterval:  gw.RefreshInterval,
		ExtendedIdentity: gw.ExtendedIdentity,
		RawHexColors:     gw.RawHexColors,
		ModuleID:         module.ID,
		DeviceID:         module.DeviceID,
	}
}

// Identity returns the application identity presented to the gateway.
func (c Config) Identity() string {
	if c.ExtendedIdentity {
		return c.DeviceID + c.ModuleID
	}
	return c.ModuleID
}

// Missing returns the names of required fields that are empty.
func (c Config) Missing() []string {
	var missing []string
	if c.AppSecret == "" {
		missing = append(missing, "app_secret")
	}
	if c.GatewayName == "" {
		missing = append(missing, "gateway_name")
	}
	if c.DeviceID == "" {
		missing = append(missing, "device_id")
	}
	if c.ModuleID == "" {
		missing = append(missing, "module_id")
	}
	if c.Address == "" {
		missing = append(missing, "address")
	}
	return missing
}
