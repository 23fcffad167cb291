package auth

import (
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/env"
)

// AdminSecretKey for admin API endpoints (/admin/*)
var AdminSecretKey string

// JWTSecretKey verifies unit tokens issued by the CRM auth service.
// main refuses to start without it; tests assign it directly.
var JWTSecretKey string

func init() {
	AdminSecretKey, _ = env.GetEnvString("ADMIN_SECRET_KEY")
	JWTSecretKey, _ = env.GetEnvString("JWT_SECRET_KEY")
}
