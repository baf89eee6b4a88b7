package validation

import "testing"

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		valid bool
	}{
		{
			name:  "simple address",
			email: "user@example.com",
			valid: true,
		},
		{
			name:  "address with plus tag",
			email: "user+gift@example.com",
			valid: true,
		},
		{
			name:  "missing at sign",
			email: "user.example.com",
			valid: false,
		},
		{
			name:  "display name not allowed",
			email: "Аня <user@example.com>",
			valid: false,
		},
		{
			name:  "empty string",
			email: "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidEmail(tt.email)
			if got != tt.valid {
				t.Fatalf("IsValidEmail(%q) = %v, want %v", tt.email, got, tt.valid)
			}
		})
	}
}
