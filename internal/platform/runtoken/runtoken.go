// Package runtoken issues and verifies the HMAC tokens handed to spawned
// training processes at launch. The token is the only credential the process
// needs to report step events back to the supervisor.
package runtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const tokenPrefix = "trainwatch_job_v1"

var (
	ErrInvalid = errors.New("job token is invalid")
	ErrExpired = errors.New("job token is expired")
)

type Claims struct {
	JobID         string `json:"job_id"`
	TrainJobName  string `json:"train_job_name"`
	IssuedAtUnix  int64  `json:"iat"`
	ExpiresAtUnix int64  `json:"exp"`
}

// Generate signs claims with the shared secret. ExpiresAtUnix must be set and
// in the future.
func Generate(secret string, claims Claims, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	claims.JobID = strings.TrimSpace(claims.JobID)
	claims.TrainJobName = strings.TrimSpace(claims.TrainJobName)
	if claims.JobID == "" {
		return "", errors.New("job_id is required")
	}
	if claims.TrainJobName == "" {
		return "", errors.New("train_job_name is required")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.IssuedAtUnix == 0 {
		claims.IssuedAtUnix = now.UTC().Unix()
	}
	if claims.ExpiresAtUnix == 0 {
		return "", errors.New("exp is required")
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return "", errors.New("exp must be in the future")
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return tokenPrefix + "." + encoded + "." + sign(secret, encoded), nil
}

// Verify checks the signature and expiry of a token and returns its claims.
func Verify(secret, token string, now time.Time) (Claims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Claims{}, errors.New("secret is required")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return Claims{}, ErrInvalid
	}
	if !hmac.Equal([]byte(sign(secret, parts[1])), []byte(parts[2])) {
		return Claims{}, ErrInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrInvalid
	}
	if strings.TrimSpace(claims.JobID) == "" || strings.TrimSpace(claims.TrainJobName) == "" {
		return Claims{}, ErrInvalid
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.ExpiresAtUnix != 0 && claims.ExpiresAtUnix <= now.UTC().Unix() {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

func sign(secret, encodedPayload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tokenPrefix + "." + encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
