// Package crypto generates the random credentials handed to provisioned sites.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
)

// AppSecret returns a fresh application key in the "base64:" form expected by
// the rendered environment files. Generated once per site and preserved across
// redeploys so encrypted session and cache data stays valid.
func AppSecret() (string, error) {
	raw, err := randomBytes(32)
	if err != nil {
		return "", err
	}
	return "base64:" + base64.StdEncoding.EncodeToString(raw), nil
}

// RandomPassword returns a URL-safe random password of roughly n bytes of
// entropy, used when a deployment request does not supply database credentials.
func RandomPassword(n int) (string, error) {
	if n <= 0 {
		n = 24
	}
	raw, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
