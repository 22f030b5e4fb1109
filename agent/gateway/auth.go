package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
)

const (
	HeaderSecret    = "X-Vapi-Secret"
	HeaderSignature = "X-Vapi-Signature"

	maxBodyBytes = 1 << 20
)

var errUnauthorized = errors.New("unauthorized")

// Sign returns the hex HMAC-SHA256 of body, as sent in X-Vapi-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// authenticate accepts either the shared secret header or a body signature. The
// body is buffered so handlers can decode it after verification. An empty secret
// disables the check.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "request body too large or unreadable"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		if h.secret != "" && !h.verify(r, raw) {
			h.fail(w, r, http.StatusUnauthorized, errUnauthorized, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) verify(r *http.Request, body []byte) bool {
	if got := r.Header.Get(HeaderSecret); got != "" {
		return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
	}
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}
