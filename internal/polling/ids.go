package polling

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// subnetOf returns the first three octets of a dotted IPv4 address, the
// unit the orchestrator groups cameras by (§4.3 step 1).
func subnetOf(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip
	}
	return strings.Join(parts[:3], ".")
}

// thirdOctet extracts the last component of a subnet string ("a.b.c").
func thirdOctet(subnet string) string {
	parts := strings.Split(subnet, ".")
	return parts[len(parts)-1]
}

// newPollingID builds §3's polling_id: <third-octet>-<yymmdd>-<HHMMSS>-<4hex>.
func newPollingID(subnet string, now time.Time) string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s-%s-%s-%s",
		thirdOctet(subnet), now.Format("060102"), now.Format("150405"), hex.EncodeToString(b[:]))
}
