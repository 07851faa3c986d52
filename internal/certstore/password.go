package certstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// derivePassword produces the PKCS#12 password for serverName, per
// §4.2: HMAC-style keyed on the configured signing key when one is
// set, otherwise base64 of salt+serverName. Both branches are
// deterministic so Get never needs to persist the password alongside
// the bundle.
func derivePassword(serverName string, signingKey, salt []byte) string {
	if len(signingKey) > 0 {
		mac := hmac.New(sha256.New, signingKey)
		mac.Write([]byte(serverName))
		return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	}
	combined := append(append([]byte(nil), salt...), []byte(serverName)...)
	return base64.RawURLEncoding.EncodeToString(combined)
}
