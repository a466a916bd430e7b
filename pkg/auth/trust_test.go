package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTrustSource(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		headers map[string]string
		want    TrustSource
	}{
		{"no headers", nil, TrustDirect},
		{"request id", map[string]string{"x-amzn-requestid": "abc"}, TrustGateway},
		{"cloudfront id", map[string]string{"X-Amz-Cf-Id": "cf-1"}, TrustGateway},
		{"trace id", map[string]string{"X-Amzn-Trace-Id": "Root=1-abc"}, TrustGateway},
		{"via gateway", map[string]string{"Via": "HTTP/1.1 AmazonAPIGateway"}, TrustGateway},
		{"via other proxy", map[string]string{"Via": "1.1 varnish"}, TrustDirect},
		{"empty marker", map[string]string{"X-Amzn-Requestid": ""}, TrustDirect},
		{"unrelated", map[string]string{"X-Forwarded-For": "10.0.0.1", "User-Agent": "curl"}, TrustDirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, ClassifyTrustSource(h))
			assert.Equal(t, tt.want == TrustGateway, HasGatewayMarkers(h))
		})
	}
}

func TestHasGatewayMarkers_MultipleVia(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Add("Via", "1.1 varnish")
	h.Add("Via", "2.0 AmazonAPIGateway")
	assert.True(t, HasGatewayMarkers(h))
}

func TestTrustSource_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "direct", TrustDirect.String())
	assert.Equal(t, "gateway", TrustGateway.String())
}
