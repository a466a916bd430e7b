package auth

import (
	"net/http"
	"strings"
)

// TrustSource says who authenticated the bearer token before the request
// reached this service.
type TrustSource int

const (
	// TrustDirect means nobody did; the token must be fully verified here.
	TrustDirect TrustSource = iota

	// TrustGateway means a managed gateway in front of the service
	// validated the token already.
	TrustGateway
)

// String returns "direct" or "gateway".
func (s TrustSource) String() string {
	if s == TrustGateway {
		return "gateway"
	}
	return "direct"
}

// gatewayMarkerHeaders are set by the managed gateway and its CDN.
var gatewayMarkerHeaders = []string{
	"X-Amzn-Requestid",
	"X-Amz-Cf-Id",
	"X-Amzn-Trace-Id",
}

// gatewayVia is the Via header token the gateway appends.
const gatewayVia = "AmazonAPIGateway"

// HasGatewayMarkers reports whether h carries any header that only the
// gateway sets: one of the marker headers, or a Via naming the gateway.
func HasGatewayMarkers(h http.Header) bool {
	for _, name := range gatewayMarkerHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	for _, via := range h.Values("Via") {
		if strings.Contains(via, gatewayVia) {
			return true
		}
	}
	return false
}

// ClassifyTrustSource decides the authentication path for a request.
func ClassifyTrustSource(h http.Header) TrustSource {
	if HasGatewayMarkers(h) {
		return TrustGateway
	}
	return TrustDirect
}
