package models

import "github.com/golang-jwt/jwt"

// Claims carried by API access tokens. The subject is the vendor user id the
// device authenticated as.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}
