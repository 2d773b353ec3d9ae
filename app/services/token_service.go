package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/amirphl/Kusanagi/utils"
	"github.com/golang-jwt/jwt/v5"
)

// Token service error constants
var (
	ErrTokenInvalid   = errors.New("invalid correlation token")
	ErrSecretRequired = errors.New("correlation secret is required")
)

// CorrelationClaims identify the enrollment step a provider event belongs to
type CorrelationClaims struct {
	EnrollmentID uint   `json:"eid"`
	StepNumber   int    `json:"step"`
	RecipientTag string `json:"rh,omitempty"`
	VariantKey   string `json:"var,omitempty"`
	jwt.RegisteredClaims
}

// RecipientFingerprint is the fixed-size recipient binding carried in a token.
// Recipient ids may be long and tag values are bounded.
func RecipientFingerprint(recipientID string) string {
	if recipientID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(recipientID))
	return hex.EncodeToString(sum[:8])
}

// MatchesRecipient reports whether the token was issued for recipientID. Tokens without
// a recipient binding match any recipient.
func (c *CorrelationClaims) MatchesRecipient(recipientID string) bool {
	return c.RecipientTag == "" || c.RecipientTag == RecipientFingerprint(recipientID)
}

// TokenService issues and verifies correlation tokens
type TokenService interface {
	Issue(enrollmentID uint, stepNumber int, recipientID, variantKey string) (string, error)
	Parse(token string) (*CorrelationClaims, error)
}

// TokenServiceImpl signs tokens with HMAC-SHA256. Tokens carry no issue or expiry time,
// so the same step always yields the same token.
type TokenServiceImpl struct {
	secretKey []byte
	issuer    string
}

// NewTokenService creates a new token service
func NewTokenService(secret, issuer string) (TokenService, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &TokenServiceImpl{secretKey: []byte(secret), issuer: issuer}, nil
}

func (s *TokenServiceImpl) Issue(enrollmentID uint, stepNumber int, recipientID, variantKey string) (string, error) {
	claims := CorrelationClaims{
		EnrollmentID:     enrollmentID,
		StepNumber:       stepNumber,
		RecipientTag:     RecipientFingerprint(recipientID),
		VariantKey:       variantKey,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: s.issuer},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign correlation token: %w", err)
	}
	return token, nil
}

func (s *TokenServiceImpl) Parse(token string) (*CorrelationClaims, error) {
	claims := &CorrelationClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secretKey, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.EnrollmentID == 0 || claims.StepNumber < 1 {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// CorrelationTags splits a token into provider message tags. Tag values may not contain
// dots, so each JWT segment goes into its own tag. A segment longer than
// utils.MaxTagValueLength continues in tags suffixed -1, -2 and so on.
func CorrelationTags(token string) map[string]string {
	parts := strings.Split(token, ".")
	tags := make(map[string]string, len(parts))
	for i, p := range parts {
		name := fmt.Sprintf("%s-%d", utils.CorrelationTagName, i)
		for chunk := 0; ; chunk++ {
			n := min(len(p), utils.MaxTagValueLength)
			if chunk == 0 {
				tags[name] = p[:n]
			} else {
				tags[fmt.Sprintf("%s-%d", name, chunk)] = p[:n]
			}
			p = p[n:]
			if p == "" {
				break
			}
		}
	}
	return tags
}

// TokenFromTags reassembles a token split by CorrelationTags. It returns "" when a segment is missing.
func TokenFromTags(tags map[string][]string) string {
	first := func(name string) string {
		if values := tags[name]; len(values) > 0 {
			return values[0]
		}
		return ""
	}
	parts := make([]string, 3)
	for i := range parts {
		name := fmt.Sprintf("%s-%d", utils.CorrelationTagName, i)
		segment := first(name)
		if segment == "" {
			return ""
		}
		for chunk := 1; ; chunk++ {
			next := first(fmt.Sprintf("%s-%d", name, chunk))
			if next == "" {
				break
			}
			segment += next
		}
		parts[i] = segment
	}
	return strings.Join(parts, ".")
}
