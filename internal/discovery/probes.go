package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ProbeONVIFUnauth attempts an unauthenticated GetSystemDateAndTime SOAP
// call (§4.2 stage 4), modelled on the teacher's discovery.OnvifClient
// SOAP envelope shape but without the WS-Security header.
func ProbeONVIFUnauth(ctx context.Context, ip string, port int, timeout time.Duration) ProbeOutcome {
	return probeONVIF(ctx, ip, port, timeout, "", "")
}

// ProbeONVIFAuth is the authenticated counterpart used during credential
// trial (§4.2 stage 7).
func ProbeONVIFAuth(ctx context.Context, ip string, port int, timeout time.Duration, user, pass string) ProbeOutcome {
	return probeONVIF(ctx, ip, port, timeout, user, pass)
}

const onvifGetSystemDateAndTime = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
  <s:Body>
    <GetSystemDateAndTime xmlns="http://www.onvif.org/ver10/device/wsdl"/>
  </s:Body>
</s:Envelope>`

func probeONVIF(ctx context.Context, ip string, port int, timeout time.Duration, user, pass string) ProbeOutcome {
	url := fmt.Sprintf("http://%s:%d/onvif/device_service", ip, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(onvifGetSystemDateAndTime))
	if err != nil {
		return ProbeError
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return ProbeTimeout
		}
		if strings.Contains(err.Error(), "refused") {
			return ProbeRefused
		}
		return ProbeNoResponse
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ProbeAuthReqd
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ProbeSuccess
	default:
		return ProbeError
	}
}

// ProbeRTSPOptions performs a lightweight OPTIONS handshake identical in
// shape to the teacher's internal/nvr/adapters/rtsp_prober.go, reused
// here for unauthenticated discovery probing (§4.2 stage 4).
func ProbeRTSPOptions(ctx context.Context, ip string, port int, timeout time.Duration) ProbeOutcome {
	return probeRTSP(ctx, ip, port, timeout, "", "", "")
}

// TrialRTSPDescribe attempts a DESCRIBE with Basic auth against a
// well-known path, used during credential trial (§4.2 stage 7).
func TrialRTSPDescribe(ctx context.Context, ip string, port int, timeout time.Duration, path, user, pass string) ProbeOutcome {
	return probeRTSP(ctx, ip, port, timeout, path, user, pass)
}

// WellKnownRTSPPaths are tried in order during credential trial.
var WellKnownRTSPPaths = []string{"/live/ch0", "/live/ch00_0", "/Streaming/Channels/101", "/cam/realmonitor", "/onvif1", "/h264"}

func probeRTSP(ctx context.Context, ip string, port int, timeout time.Duration, path, user, pass string) ProbeOutcome {
	addr := fmt.Sprintf("%s:%d", ip, port)
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if strings.Contains(err.Error(), "refused") {
			return ProbeRefused
		}
		return ProbeNoResponse
	}
	defer conn.Close()

	method := "OPTIONS"
	url := fmt.Sprintf("rtsp://%s%s", addr, path)
	if path != "" {
		method = "DESCRIBE"
	}

	var authLine string
	if user != "" {
		authLine = fmt.Sprintf("Authorization: Basic %s\r\n", basicAuthToken(user, pass))
	}
	msg := fmt.Sprintf("%s %s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: is22-discovery\r\n%s\r\n", method, url, authLine)

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return ProbeError
	}
	if _, err := conn.Write([]byte(msg)); err != nil {
		return ProbeError
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return ProbeTimeout
		}
		return ProbeNoResponse
	}

	parts := strings.Fields(statusLine)
	if len(parts) < 2 {
		return ProbeError
	}
	code := parts[1]
	switch {
	case code == "401" || code == "403":
		return ProbeAuthReqd
	case strings.HasPrefix(code, "2"):
		return ProbeSuccess
	default:
		return ProbeError
	}
}

func basicAuthToken(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
