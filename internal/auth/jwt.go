// Package auth issues and validates the JWT that guards the dashboard API's
// mutating endpoints. There is exactly one operator identity (the static
// admin credential from config); this is not a multi-tenant user system.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
)

const tokenDuration = 12 * time.Hour

// bcryptCost matches the teacher's DefaultBcryptCost.
const bcryptCost = 12

// Claims is the JWT payload for the single admin identity.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager issues and validates access tokens signed with a shared secret.
type Manager struct {
	secret       []byte
	username     string
	passwordHash string
}

// NewManager builds a Manager from the dashboard's static admin credential.
// password may be a plaintext secret, which is hashed with bcrypt on the
// spot, or an already-bcrypt-hashed value (API_ADMIN_PASSWORD set to a
// "$2..." hash), used as-is.
func NewManager(secret, username, password string) *Manager {
	hash := password
	if !strings.HasPrefix(password, "$2") {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			// GenerateFromPassword only fails on a too-long password or an
			// invalid cost; bcryptCost is a constant, so this means the
			// configured password itself can never match any hash.
			hash = ""
		} else {
			hash = string(hashed)
		}
	}
	return &Manager{secret: []byte(secret), username: username, passwordHash: hash}
}

// Login checks the supplied credentials against the configured admin
// account and, on success, returns a signed access token.
func (m *Manager) Login(username, password string) (string, error) {
	if m.passwordHash == "" || username != m.username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
			Issuer:    "contrarian-pullback-bot",
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies tokenString, returning its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware rejects requests without a valid "Bearer <token>" Authorization
// header signed by m.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := m.Validate(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}
