package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the claims carried by access tokens. Role distinguishes the
// wearable ("device") from the companion apps ("user").
type Claims struct {
	UID      string `json:"uid"`
	DeviceID string `json:"device_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed tokens issued for a single tenant.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a token verifier.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// GenerateDeviceToken issues a 24h token for a paired device.
func (v *Verifier) GenerateDeviceToken(uid, deviceID string) (string, error) {
	return v.sign(&Claims{
		UID:      uid,
		DeviceID: deviceID,
		Role:     "device",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

// GenerateUserToken issues a 7 day token for a companion app session.
func (v *Verifier) GenerateUserToken(uid string) (string, error) {
	return v.sign(&Claims{
		UID:  uid,
		Role: "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(7 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

func (v *Verifier) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ValidateToken parses and validates a token string.
func (v *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrInvalidKey
	}
	if claims.UID == "" {
		return nil, errors.New("token missing uid")
	}
	return claims, nil
}
