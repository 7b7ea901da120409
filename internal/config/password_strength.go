package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// minAdminPasswordScore is the zxcvbn score (0-4) the admin password must
// reach to avoid a startup warning.
const minAdminPasswordScore = 3

// IsWeakPassword estimates the admin password's strength. An empty password
// means auth is disabled entirely, so it is not flagged here.
func IsWeakPassword(password string) bool {
	if password == "" {
		return false
	}
	return zxcvbn.PasswordStrength(password, nil).Score < minAdminPasswordScore
}
