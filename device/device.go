package device

import (
	"errors"
	"fmt"
	"strings"
)

// PackControllerID is the fixed identifier of the site level Pack Controller.
const PackControllerID = "PACK_CONTROLLER"

// batteryCodePrefix prefixes human friendly battery codes, e.g. "BAT-440".
const batteryCodePrefix = "BAT-"

var ErrInvalidID = errors.New("invalid device id")

// Kind distinguishes per-cell BMS devices from the pre-aggregated Pack Controller.
type Kind int

const (
	KindBMS Kind = iota
	KindController
)

func (k Kind) String() string {
	switch k {
	case KindBMS:
		return "bms"
	case KindController:
		return "controller"
	default:
		return "unknown"
	}
}

// ID is a parsed device identifier. Raw keeps the form the caller supplied so it can be shown back to them.
type ID struct {
	Raw    string
	Suffix string // upper case hex without prefixes for BMS devices, PackControllerID for the controller
	Kind   Kind
}

// Parse accepts "0x440", "440", "BAT-440" and "BAT-0x440" for BMS devices and PackControllerID for the
// controller. Prefixes are matched case-insensitively.
func Parse(raw string) (ID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}

	if strings.EqualFold(s, PackControllerID) {
		return ID{Raw: raw, Suffix: PackControllerID, Kind: KindController}, nil
	}

	suffix := s
	if len(suffix) >= len(batteryCodePrefix) && strings.EqualFold(suffix[:len(batteryCodePrefix)], batteryCodePrefix) {
		suffix = suffix[len(batteryCodePrefix):]
	}
	if len(suffix) >= 2 && (suffix[:2] == "0x" || suffix[:2] == "0X") {
		suffix = suffix[2:]
	}

	if suffix == "" || !isHex(suffix) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}

	// 0x0440 and 0x440 are the same device
	suffix = strings.TrimLeft(suffix, "0")
	if suffix == "" {
		suffix = "0"
	}

	return ID{Raw: raw, Suffix: strings.ToUpper(suffix), Kind: KindBMS}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Key returns the normalised form used for cache and request keys.
func (id ID) Key() string {
	return id.Suffix
}

// BatteryCode returns the "BAT-<suffix>" display form of a BMS device.
func (id ID) BatteryCode() string {
	if id.Kind == KindController {
		return id.Suffix
	}
	return batteryCodePrefix + id.Suffix
}

func (id ID) String() string {
	return id.Raw
}

// KeyOf returns the normalised key for raw, or the trimmed raw string when it does not parse.
// Used where an unknown device is not an error, e.g. subscribing or clearing a cache.
func KeyOf(raw string) string {
	id, err := Parse(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return id.Key()
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
