package core

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"contractflow/internal/types"
)

// bearerPrefix is the expected Authorization scheme for ingest calls.
const bearerPrefix = "Bearer "

// IngestAuthMiddleware authenticates inbound webhook calls. The CRM presents
// a shared token as a Bearer credential; only its bcrypt hash is held in
// configuration, so a leaked config cannot be replayed as a credential.
//
// Responses:
//   - 401 auth_token_missing when the Authorization header is absent or not
//     a Bearer credential.
//   - 401 auth_token_invalid when the presented token does not match the
//     configured hash.
func (s *Server) IngestAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, bearerPrefix) {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthTokenMissing,
				"missing bearer token",
				nil,
			))
			return
		}

		token := strings.TrimPrefix(header, bearerPrefix)
		hash := s.Config.Webhook.IngestTokenHash.Unmask()

		// bcrypt comparison is constant-time with respect to the token.
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			s.Logger.WarnContext(r.Context(), "webhook token rejected",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthTokenInvalid,
				"invalid bearer token",
				nil,
			))
			return
		}

		next.ServeHTTP(w, r)
	})
}
