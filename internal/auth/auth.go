package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

const defaultTokenTTL = 7 * 24 * time.Hour

// Claims is the JWT payload for API sessions.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Auth issues and validates bearer tokens and hashes passwords. Tokens are
// HS256-signed and stateless; revocation is expiry-only.
type Auth struct {
	secret []byte
	expiry time.Duration
}

func NewAuth(secret string, expiry time.Duration) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	if expiry <= 0 {
		expiry = defaultTokenTTL
	}
	return &Auth{secret: []byte(secret), expiry: expiry}, nil
}

func (a *Auth) HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *Auth) VerifyPassword(hash, password string) error {
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (a *Auth) GenerateToken(user *models.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID.String(),
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Auth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// adminStore is the user-repository slice EnsureAdmin needs.
type adminStore interface {
	Count() (int, error)
	Create(user *models.User) error
}

// EnsureAdmin creates the bootstrap admin account when the store holds no
// users. Without a configured password a random one is generated and
// logged once; change it after first login.
func (a *Auth) EnsureAdmin(users adminStore, username, password string) (bool, error) {
	n, err := users.Count()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if username == "" {
		username = "admin"
	}
	generated := false
	if password == "" {
		password, err = randomPassword()
		if err != nil {
			return false, err
		}
		generated = true
	}
	hash, err := a.HashPassword(password)
	if err != nil {
		return false, err
	}
	user := &models.User{Username: username, PasswordHash: hash, IsAdmin: true}
	if err := users.Create(user); err != nil {
		return false, err
	}
	if generated {
		log.Printf("[auth] created admin user %q with generated password %s", username, password)
	} else {
		log.Printf("[auth] created admin user %q", username)
	}
	return true, nil
}

func randomPassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
