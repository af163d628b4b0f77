package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrAuth         = errors.New("authentication error")
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by relay credentials. Tokens are issued by the external
// auth service; Issue exists for development setups.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the user a token was issued to.
func (v *Verifier) Verify(token string) (model.User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return model.User{}, errors.Join(ErrAuth, ErrNoToken)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return model.User{}, errors.Join(ErrAuth, ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return model.User{}, errors.Join(ErrAuth, ErrInvalidToken)
	}
	username := claims.Username
	if username == "" {
		username = claims.UserID
	}
	return model.User{ID: claims.UserID, Username: username}, nil
}

// Issue signs a token for user valid for ttl.
func (v *Verifier) Issue(user model.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
