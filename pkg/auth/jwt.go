package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleSuperAdmin = "super_admin"

// UnitTokenClaims is the subset of the CRM session token this service reads.
type UnitTokenClaims struct {
	UserID string `json:"user_id"`
	UnitID string `json:"unit_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// IsSuperAdmin reports whether the caller may act on any unit.
func (c *UnitTokenClaims) IsSuperAdmin() bool {
	return c.Role == RoleSuperAdmin
}

// GenerateUnitToken signs a token the same way the CRM auth service does.
// Used by local tooling and tests; production tokens come from the CRM.
func GenerateUnitToken(userID string, unitID string, role string, ttl time.Duration) (string, error) {
	if JWTSecretKey == "" {
		return "", errors.New("JWT_SECRET_KEY not configured")
	}

	now := time.Now()
	claims := UnitTokenClaims{
		UserID: userID,
		UnitID: unitID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(JWTSecretKey))
}

// ValidateUnitToken validates a unit JWT and returns the claims
func ValidateUnitToken(tokenString string) (*UnitTokenClaims, error) {
	if JWTSecretKey == "" {
		return nil, errors.New("JWT_SECRET_KEY not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &UnitTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(JWTSecretKey), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*UnitTokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}
