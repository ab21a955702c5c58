// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// privateKey and publicKey are used for signing and verifying session tokens.
var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// TokenExpireTimeSec indicates how many seconds until token expiration (0 => never).
	TokenExpireTimeSec int
)

// parseTokenExpireTime reads the TOKEN_EXPIRE_TIME env var and sets TokenExpireTimeSec accordingly.
func parseTokenExpireTime() {
	duration := os.Getenv("TOKEN_EXPIRE_TIME")
	if duration == "never" || duration == "0" || duration == "" {
		TokenExpireTimeSec = 0
	} else {
		d, err := time.ParseDuration(duration)
		if err != nil {
			fmt.Printf("failed to parse token expire time: %v\n", err)
			os.Exit(1)
		}
		TokenExpireTimeSec = int(d.Seconds())
	}
}

// Init generates a fresh ed25519 key pair at runtime and sets the token expiration.
func Init() {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		fmt.Printf("failed to generate ed25519 key pair: %v\n", err)
		os.Exit(1)
	}
	parseTokenExpireTime()
}

// InitFromPath reads ed25519 private/public keys from file and sets the token expiration.
func InitFromPath(privatePath, publicPath string) error {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}

	privateKey = ed25519.PrivateKey(privateKeyData)
	publicKey = ed25519.PublicKey(publicKeyData)
	parseTokenExpireTime()
	return nil
}

// CreateSessionToken signs a token binding a netid and user id. Issued by the
// CAS login flow; the orchestrator only ever verifies.
func CreateSessionToken(ident models.Identity) (string, error) {
	claims := jwt.MapClaims{
		"sub": ident.Netid,
		"uid": ident.UserID,
	}

	if TokenExpireTimeSec > 0 {
		claims["exp"] = time.Now().Add(time.Duration(TokenExpireTimeSec) * time.Second).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// BindIdentity verifies a session token and returns the identity it carries.
// Every socket handler runs only after this succeeds.
func BindIdentity(tokenString string) (models.Identity, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("session token parse error: %w", err)
	}
	if !t.Valid {
		return models.Identity{}, fmt.Errorf("invalid session token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, fmt.Errorf("invalid session claims")
	}

	netid, ok := claims["sub"].(string)
	if !ok || netid == "" {
		return models.Identity{}, fmt.Errorf("missing sub in session token")
	}
	uid, ok := claims["uid"].(float64)
	if !ok {
		return models.Identity{}, fmt.Errorf("missing uid in session token")
	}

	return models.Identity{Netid: netid, UserID: int64(uid)}, nil
}
