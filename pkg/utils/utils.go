package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pcollings/chunkrelay/pkg/types"
)

// GenerateIdentityToken mints a JWT asserting the caller identity used
// by the upload and realtime channels
func GenerateIdentityToken(ident types.Identity, secret string, expiration time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":   ident.UserID,
		"tenant_id": ident.TenantID,
		"tier":      string(ident.Tier),
		"exp":       time.Now().Add(expiration).Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateIdentityToken validates a JWT and extracts the caller identity
func ValidateIdentityToken(tokenString, secret string) (types.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return types.Identity{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.Identity{}, fmt.Errorf("invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return types.Identity{}, fmt.Errorf("invalid user_id claim")
	}
	tenantID, ok := claims["tenant_id"].(string)
	if !ok || tenantID == "" {
		return types.Identity{}, fmt.Errorf("invalid tenant_id claim")
	}
	tier, _ := claims["tier"].(string)
	if tier == "" {
		tier = string(types.TierFree)
	}

	return types.Identity{
		UserID:   userID,
		TenantID: tenantID,
		Tier:     types.Tier(tier),
	}, nil
}

// ComputeSHA256 computes the SHA256 hash of data
func ComputeSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeSHA256FromReader computes SHA256 hash from an io.Reader
func ComputeSHA256FromReader(reader io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// TotalChunks returns ceil(totalSize / chunkSize)
func TotalChunks(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}
