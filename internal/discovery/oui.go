package discovery

import "strings"

// ouiTable maps a normalised 6-hex-digit OUI prefix to a vendor name.
// Only the vendors §4.2 requires are recognised; everything else yields
// no match.
var ouiTable = map[string]string{
	"705a0f": "TP-LINK",
	"f0a731": "TP-LINK",
	"54af97": "TP-LINK",
	"bc46b9": "GOOGLE",
	"f4f5d8": "GOOGLE",
	"00408c": "AXIS",
	"accc8e": "AXIS",
	"001c2a": "HIKVISION",
	"c46e1f": "HIKVISION",
	"000c23": "DAHUA",
	"9c8ecd": "DAHUA",
}

// cameraVendors are OUI matches that contribute the "camera-known
// vendor" scoring bonus (§4.2 stage 5).
var cameraVendors = map[string]bool{
	"TP-LINK":   true,
	"AXIS":      true,
	"HIKVISION": true,
	"DAHUA":     true,
}

// NormalizeMAC strips separators and lowercases, per §8 "OUI lookup is
// case-insensitive and separator-insensitive". Exported for reuse by
// internal/lostcam's MAC matching against ARP sweep results.
func NormalizeMAC(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", " ", "")
	return strings.ToLower(r.Replace(mac))
}

// LookupOUI returns the vendor for a MAC address's first three octets,
// or "" if unrecognised.
func LookupOUI(mac string) string {
	norm := NormalizeMAC(mac)
	if len(norm) < 6 {
		return ""
	}
	vendor, ok := ouiTable[norm[:6]]
	if !ok {
		return ""
	}
	return vendor
}
