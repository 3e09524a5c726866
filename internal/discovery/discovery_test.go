package discovery

import (
	"testing"

	"github.com/aranea-isms/is22/internal/data"
)

func TestParseProbeMatch(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing" xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery">
   <soap:Header>
      <wsa:MessageID>uuid:1234</wsa:MessageID>
   </soap:Header>
   <soap:Body>
      <d:ProbeMatches>
         <d:ProbeMatch>
            <wsa:EndpointReference>
               <wsa:Address>urn:uuid:0000-0000-0000-0000</wsa:Address>
            </wsa:EndpointReference>
            <d:Types>dn:NetworkVideoTransmitter</d:Types>
            <d:Scopes>onvif://www.onvif.org/Profile/S onvif://www.onvif.org/hardware/ModelA</d:Scopes>
            <d:XAddrs>http://192.168.1.100/onvif/device_service</d:XAddrs>
            <d:MetadataVersion>1</d:MetadataVersion>
         </d:ProbeMatch>
      </d:ProbeMatches>
   </soap:Body>
</soap:Envelope>`

	dev, ok := parseProbeMatch([]byte(xml))
	if !ok {
		t.Fatal("Failed to parse valid ProbeMatch")
	}
	if dev.IPAddress != "192.168.1.100" {
		t.Errorf("Expected IP 192.168.1.100, got %s", dev.IPAddress)
	}
	if !dev.SupportsProfileS {
		t.Error("Failed to detect Profile S hint")
	}
	if dev.EndpointRef != "urn:uuid:0000-0000-0000-0000" {
		t.Error("Wrong EndpointRef")
	}
}

func TestIPv4Extraction(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"http://192.168.1.50/onvif", "192.168.1.50"},
		{"http://192.168.1.50:8080/onvif", "192.168.1.50"},
		{"https://10.0.0.1/device", "10.0.0.1"},
		{"invalid", ""},
	}
	for _, c := range cases {
		got := extractIPv4([]string{c.input})
		if got != c.want {
			t.Errorf("extractIPv4(%s) = %s; want %s", c.input, got, c.want)
		}
	}
}

func TestLookupOUI(t *testing.T) {
	if v := LookupOUI("70:5a:0f:11:22:33"); v != "TP-LINK" {
		t.Errorf("expected TP-LINK, got %s", v)
	}
	if v := LookupOUI("70-5A-0F-11-22-33"); v != "TP-LINK" {
		t.Errorf("expected case/separator-insensitive match, got %s", v)
	}
	if v := LookupOUI("aa:bb:cc:dd:ee:ff"); v != "" {
		t.Errorf("expected no match, got %s", v)
	}
}

func TestGeneratePasswordVariations_TrailingAt(t *testing.T) {
	variants := GeneratePasswordVariations("Passw0rd@")
	if variants[0].Password != "Passw0rd@" || variants[0].Label != "original" {
		t.Fatalf("first variant should be the original, got %+v", variants[0])
	}
	var sawTrimmed bool
	for _, v := range variants {
		if v.Label == "without_trailing_at" && v.Password == "Passw0rd" {
			sawTrimmed = true
		}
	}
	if !sawTrimmed {
		t.Errorf("expected a without_trailing_at variant, got %+v", variants)
	}
}

func TestGeneratePasswordVariations_NoTrailingAt(t *testing.T) {
	variants := GeneratePasswordVariations("Passw0rd")
	var sawAt1, sawAt3 bool
	for _, v := range variants {
		if v.Password == "Passw0rd@" {
			sawAt1 = true
		}
		if v.Password == "Passw0rd@@@" {
			sawAt3 = true
		}
	}
	if !sawAt1 || !sawAt3 {
		t.Errorf("expected @ and @@@ suffixed variants, got %+v", variants)
	}
}

func TestScoreHost(t *testing.T) {
	ev := HostEvidence{
		OpenPorts:  []int{554, 2020},
		OUIVendor:  "HIKVISION",
		ONVIFProbe: ProbeSuccess,
	}
	// 554(30) + 2020(30) + vendor(20) + onvif_success(50) = 130
	if got := ScoreHost(ev); got != 130 {
		t.Errorf("ScoreHost = %d, want 130", got)
	}
}

func TestClassify(t *testing.T) {
	confirmed := Classify(HostEvidence{RTSPProbe: ProbeSuccess})
	if confirmed.Status != data.DeviceVerified || confirmed.DeviceType != "camera" {
		t.Errorf("expected verified camera, got %+v", confirmed)
	}

	likely := Classify(HostEvidence{ONVIFProbe: ProbeAuthReqd})
	if likely.Status != data.DeviceVerifying || likely.SuggestedAction != "set_credentials" {
		t.Errorf("expected camera_likely/set_credentials, got %+v", likely)
	}

	nvr := Classify(HostEvidence{OpenPorts: []int{8000, 8080}})
	if nvr.DeviceType != "nvr_likely" {
		t.Errorf("expected nvr_likely, got %+v", nvr)
	}

	possible := Classify(HostEvidence{OUIVendor: "DAHUA", OpenPorts: []int{554}})
	if possible.DeviceType != "camera_possible" {
		t.Errorf("expected camera_possible, got %+v", possible)
	}

	rejected := Classify(HostEvidence{})
	if rejected.Status != data.DeviceRejected {
		t.Errorf("expected rejected, got %+v", rejected)
	}
}
