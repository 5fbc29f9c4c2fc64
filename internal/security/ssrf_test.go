package security

import "testing"

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{"public https", "https://hooks.example.com/audit", false, false},
		{"plain http in production", "http://hooks.example.com/audit", false, true},
		{"loopback in production", "https://127.0.0.1/hook", false, true},
		{"metadata host", "https://169.254.169.254/latest", false, true},
		{"localhost subdomain", "https://api.localhost/hook", false, true},
		{"private range in production", "https://10.0.0.8/hook", false, true},
		{"local sink in development", "http://localhost:9000/hook", true, false},
		{"unsupported scheme", "ftp://hooks.example.com", true, true},
		{"missing host", "https:///hook", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(tt.url, tt.allowPrivate)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWebhookURL(%q, %v) error = %v, wantErr %v", tt.url, tt.allowPrivate, err, tt.wantErr)
			}
		})
	}
}
