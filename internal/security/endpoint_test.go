package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
		ok   bool
	}{
		// Public addresses as literals; hostname cases would need DNS.
		{"public https", "https://93.184.216.34/escrow", true},
		{"public http", "http://93.184.216.34/escrow", true},
		{"bad scheme", "ftp://hooks.example.com/escrow", false},
		{"no host", "https://", false},
		{"unparseable", "http://[::1", false},
		{"localhost", "https://localhost/hook", false},
		{"metadata service", "http://metadata.google.internal/computeMetadata", false},
		{"loopback literal", "http://127.0.0.1:9000/hook", false},
		{"private literal", "https://10.0.0.5/hook", false},
		{"link-local literal", "http://169.254.169.254/latest/meta-data", false},
		{"unspecified literal", "http://0.0.0.0/hook", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if tc.ok && err != nil {
				t.Errorf("ValidateEndpointURL(%q) = %v, want nil", tc.url, err)
			}
			if !tc.ok && err == nil {
				t.Errorf("ValidateEndpointURL(%q) accepted", tc.url)
			}
		})
	}
}
