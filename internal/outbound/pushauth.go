package outbound

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PushAuth verifies the bearer JWT the cloud must present on every
// inbound push notification (§6) before the envelope ever reaches
// DecodeEnvelope. The cloud and this device share one HMAC secret
// provisioned alongside the LACIS oath; there's no per-user claim,
// only proof the caller holds the shared secret.
type PushAuth struct {
	Secret []byte
}

func NewPushAuth(secret string) *PushAuth {
	return &PushAuth{Secret: []byte(secret)}
}

var errMissingBearer = errors.New("missing bearer token")

func (a *PushAuth) verify(tokenString string) error {
	if tokenString == "" {
		return errMissingBearer
	}
	_, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
	return err
}

// Middleware rejects any push-notification request whose bearer token
// doesn't verify against the shared secret. A nil/empty Secret disables
// the check, which is the state a device boots into before the cloud
// has provisioned one.
func (a *PushAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.Secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := a.verify(tokenString); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
