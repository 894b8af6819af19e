// Package peripheral defines the capability interfaces the role state
// machine drives: gate sensor, button, DIP-switch address selector, RGB
// indicator, and Wi-Fi link. Concrete implementations talk to GPIO or a
// test double; this package only describes the contract.
package peripheral

import "github.com/alepez/racegate/wire"

// GateActivation reports whether a gate sensor currently sees an activation.
type GateActivation int

const (
	GateInactive GateActivation = iota
	GateActive
)

// GateSensor reads the physical (or simulated) gate beam.
type GateSensor interface {
	State() GateActivation
}

// ButtonState reports whether the test/override button is held.
type ButtonState int

const (
	ButtonReleased ButtonState = iota
	ButtonPressed
)

// Button is the manual activation override used for bench testing.
type Button interface {
	State() ButtonState
}

// DipSwitch resolves this node's static role address at boot.
type DipSwitch interface {
	Address() wire.NodeAddress
}

// RGBLED is the node's single status indicator.
type RGBLED interface {
	// SetColor takes a 24-bit packed RGB value (0xRRGGBB).
	SetColor(rgb uint32)
}

// WiFiConfig describes how the node's Wi-Fi link should be brought up.
type WiFiConfig struct {
	AccessPoint bool
	SSID        string
	Password    string
}

// WiFi is the node's network link collaborator.
type WiFi interface {
	Setup(cfg WiFiConfig) error
	IsUp() bool
	Reconnect() error
}

// LED color constants per the role indicator mapping.
const (
	ColorRed       uint32 = 0xFF0000
	ColorYellow    uint32 = 0xFFFF00
	ColorWhite     uint32 = 0xFFFFFF
	ColorLightBlue uint32 = 0x00BFFF
	ColorGreen     uint32 = 0x00FF00
)
