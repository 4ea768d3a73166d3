package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginDecisionOrder(t *testing.T) {
	cfg := OriginConfig{
		AllowedOrigins:     []string{"https://*.example.com", "https://app.io"},
		AllowLocalhost:     true,
		AllowFileProtocol:  true,
		AllowVSCodeWebview: true,
	}
	v := NewOriginValidator(cfg, nil)

	tests := []struct {
		origin  string
		allowed bool
		reason  string
	}{
		{"", true, "no origin header"},
		{"http://localhost:3000", true, "localhost"},
		{"http://127.0.0.1:8080", true, "localhost"},
		{"http://[::1]:9000", true, "localhost"},
		{"file:///home/user/index.html", true, "file protocol"},
		{"vscode-webview://abc123", true, "vscode webview"},
		{"https://tools.example.com", true, "pattern match"},
		{"https://app.io", true, "pattern match"},
		{"https://evil.io", false, "no pattern matched"},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			decision := v.Validate(tt.origin)
			assert.Equal(t, tt.allowed, decision.Allowed)
			assert.Equal(t, tt.reason, decision.Reason)
		})
	}
}

func TestOriginRequireHeader(t *testing.T) {
	v := NewOriginValidator(OriginConfig{RequireOriginHeader: true}, nil)
	decision := v.Validate("")
	assert.False(t, decision.Allowed)
}

func TestOriginWildcardEscapesMetacharacters(t *testing.T) {
	v := NewOriginValidator(OriginConfig{AllowedOrigins: []string{"https://a.b.com"}}, nil)
	// The dot must match literally, not as a regex wildcard.
	assert.False(t, v.Validate("https://aXb.com").Allowed)
	assert.True(t, v.Validate("https://a.b.com").Allowed)
}

func TestOriginAttemptCounter(t *testing.T) {
	v := NewOriginValidator(OriginConfig{LogUnauthorizedAttempts: true}, nil)

	for i := 0; i < 6; i++ {
		v.Validate("https://evil.io")
	}
	assert.Equal(t, 6, v.Attempts("https://evil.io"))

	v.ResetAttempts("https://evil.io")
	assert.Equal(t, 0, v.Attempts("https://evil.io"))
}

type denialCounter struct {
	denials int
}

func (c *denialCounter) RecordOriginDenied() { c.denials++ }

func TestOriginDenialsRecorded(t *testing.T) {
	v := NewOriginValidator(OriginConfig{AllowLocalhost: true}, nil)
	counter := &denialCounter{}
	v.SetMetrics(counter)

	v.Validate("https://evil.io")
	v.Validate("https://evil.io")
	assert.Equal(t, 2, counter.denials)

	// Allowed origins leave the counter alone.
	v.Validate("http://localhost:3000")
	assert.Equal(t, 2, counter.denials)
}

func TestCheckHTTP(t *testing.T) {
	v := NewOriginValidator(OriginConfig{AllowLocalhost: true}, nil)
	assert.NoError(t, v.CheckHTTP("http://localhost:1234"))

	err := v.CheckHTTP("https://evil.io")
	assert.Error(t, err)
	se := AsError(err)
	assert.Equal(t, CodeOriginDenied, se.Code)
}
