// ABOUTME: Maps platform names to their driver constructors
// ABOUTME: The supervisor looks drivers up here when opening connections

package transport

import "fmt"

// DefaultFactories returns the driver constructor for every built-in platform.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		PlatformSlack:     NewSlackDriver,
		PlatformDiscord:   NewDiscordDriver,
		PlatformTelegram:  NewTelegramDriver,
		PlatformWebSocket: NewWebSocketDriver,
	}
}

// NewDriver constructs a driver for the named platform.
func NewDriver(platform string, cfg Config) (Driver, error) {
	factory, ok := DefaultFactories()[platform]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	return factory(cfg)
}
