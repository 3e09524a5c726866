package discovery

import "github.com/aranea-isms/is22/internal/data"

// DefaultPorts is the configurable port set of §4.2 stage 3.
var DefaultPorts = []int{554, 2020, 80, 443, 8000, 8080, 8443, 8554}

// cameraRelevantPorts is the port set that, together with a camera-vendor
// OUI match, makes stage 6 classify a device as camera_possible.
var cameraRelevantPorts = map[int]bool{554: true, 2020: true, 80: true, 443: true, 8554: true, 8000: true, 8080: true, 8443: true}

func hasCameraRelevantPort(ports []int) bool {
	for _, p := range ports {
		if cameraRelevantPorts[p] {
			return true
		}
	}
	return false
}

// portWeights is the per-port scoring table of §4.2 stage 5: RTSP 30,
// ONVIF 30, HTTP 10, HTTPS 10, NVR 10, alt-HTTP 5, alt-HTTPS 5,
// alt-RTSP 5.
var portWeights = map[int]int{
	554:  30, // RTSP
	2020: 30, // ONVIF
	80:   10, // HTTP
	443:  10, // HTTPS
	8000: 10, // NVR
	8080: 5,  // alt-HTTP
	8443: 5,  // alt-HTTPS
	8554: 5,  // alt-RTSP
}

// ScoreHost implements the §4.2 stage 5 weighted sum exactly: port
// weights, OUI-vendor match (+20), ONVIF success (+50), SSDP (+20),
// mDNS (+20).
func ScoreHost(ev HostEvidence) int {
	score := 0
	for _, p := range ev.OpenPorts {
		score += portWeights[p]
	}
	if cameraVendors[ev.OUIVendor] {
		score += 20
	}
	if ev.ONVIFProbe == ProbeSuccess {
		score += 50
	}
	if ev.SSDP {
		score += 20
	}
	if ev.MDNS {
		score += 20
	}
	return score
}

// Classification is the §4.2 stage 6 device-type determination.
type Classification struct {
	Status          data.DiscoveredDeviceStatus
	DeviceType      string
	UserMessage     string
	SuggestedAction string
}

// Classify derives the DetectionReason vector from accumulated evidence
// (§4.2 stage 6): camera confirmed iff ONVIF or RTSP succeeded;
// camera-likely if either requires auth; camera-possible on vendor match
// plus a camera port; NVR-likely when both 8000 and 8080 are open.
func Classify(ev HostEvidence) Classification {
	hasPort8000 := containsPort(ev.OpenPorts, 8000)
	hasPort8080 := containsPort(ev.OpenPorts, 8080)

	switch {
	case ev.ONVIFProbe == ProbeSuccess || ev.RTSPProbe == ProbeSuccess:
		return Classification{
			Status:          data.DeviceVerified,
			DeviceType:      "camera",
			UserMessage:     "カメラとして確認されました。",
			SuggestedAction: "none",
		}
	case ev.ONVIFProbe == ProbeAuthReqd || ev.RTSPProbe == ProbeAuthReqd:
		return Classification{
			Status:          data.DeviceVerifying,
			DeviceType:      "camera_likely",
			UserMessage:     "カメラの可能性がありますが認証情報が必要です。",
			SuggestedAction: "set_credentials",
		}
	case hasPort8000 && hasPort8080:
		return Classification{
			Status:          data.DeviceDiscovered,
			DeviceType:      "nvr_likely",
			UserMessage:     "NVR(録画機)の可能性があります。",
			SuggestedAction: "manual_check",
		}
	case cameraVendors[ev.OUIVendor] && hasCameraRelevantPort(ev.OpenPorts):
		return Classification{
			Status:          data.DeviceDiscovered,
			DeviceType:      "camera_possible",
			UserMessage:     "カメラの可能性があるベンダーのデバイスです。",
			SuggestedAction: "manual_check",
		}
	case len(ev.OpenPorts) > 0:
		return Classification{
			Status:          data.DeviceDiscovered,
			DeviceType:      "network_device",
			UserMessage:     "ネットワーク機器として検出されました。",
			SuggestedAction: "ignore",
		}
	default:
		return Classification{
			Status:          data.DeviceRejected,
			DeviceType:      "other_device",
			UserMessage:     "詳細不明なデバイスです。",
			SuggestedAction: "ignore",
		}
	}
}

func containsPort(ports []int, p int) bool {
	for _, v := range ports {
		if v == p {
			return true
		}
	}
	return false
}
