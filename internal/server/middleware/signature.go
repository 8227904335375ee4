package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/betledger/internal/crypto"
)

// maxSignedBody bounds how much of a signed request is buffered.
const maxSignedBody = 1 << 20

// Signature requires a valid HMAC request signature. The body is buffered,
// verified and handed on intact. A nil signer disables the check.
func Signature(signer *crypto.RequestSigner, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if signer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			if len(body) > maxSignedBody {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			err = signer.Verify(r.Method, r.URL.Path, body,
				r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature))
			if err != nil {
				logger.WarnContext(r.Context(), "http: signature rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				msg := "invalid request signature"
				switch {
				case errors.Is(err, crypto.ErrSignatureMissing):
					msg = "missing request signature"
				case errors.Is(err, crypto.ErrSignatureExpired):
					msg = "request signature expired"
				}
				writeError(w, http.StatusUnauthorized, msg)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
