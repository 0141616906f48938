package gateway

import "testing"

func TestCheckPassword(t *testing.T) {
	users := map[string]string{"admin": "123456", "empty": ""}
	cases := []struct {
		user, password string
		want           bool
	}{
		{"admin", "123456", true},
		{"admin", "1234567", false},
		{"admin", "", false},
		{"empty", "", true},
		{"empty", "x", false},
		{"nobody", "", false},
		{"nobody", "unknown user", false},
	}
	for _, tc := range cases {
		if got := checkPassword(users, tc.user, tc.password); got != tc.want {
			t.Fatalf("checkPassword(%q, %q) = %v, want %v", tc.user, tc.password, got, tc.want)
		}
	}
}
