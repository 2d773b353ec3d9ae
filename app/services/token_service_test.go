package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-signing-32-chars"

func createTestTokenService(t *testing.T) TokenService {
	t.Helper()
	svc, err := NewTokenService(testSecret, "kusanagi-test")
	require.NoError(t, err)
	return svc
}

func TestNewTokenService(t *testing.T) {
	_, err := NewTokenService("", "issuer")
	assert.ErrorIs(t, err, ErrSecretRequired)

	svc, err := NewTokenService(testSecret, "")
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestTokenService_IssueAndParse(t *testing.T) {
	svc := createTestTokenService(t)

	token, err := svc.Issue(42, 2, "rcpt-7", "B")
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.EnrollmentID)
	assert.Equal(t, 2, claims.StepNumber)
	assert.Len(t, claims.RecipientTag, 16)
	assert.True(t, claims.MatchesRecipient("rcpt-7"))
	assert.False(t, claims.MatchesRecipient("rcpt-8"))
	assert.Equal(t, "B", claims.VariantKey)
	assert.Equal(t, "kusanagi-test", claims.Issuer)
}

func TestTokenService_IssueIsDeterministic(t *testing.T) {
	svc := createTestTokenService(t)

	first, err := svc.Issue(1, 1, "r", "")
	require.NoError(t, err)
	second, err := svc.Issue(1, 1, "r", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := svc.Issue(1, 2, "r", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestTokenService_ParseRejects(t *testing.T) {
	svc := createTestTokenService(t)
	valid, err := svc.Issue(5, 1, "r", "")
	require.NoError(t, err)

	otherKey, err := NewTokenService("another-secret-key-with-enough-length!!", "kusanagi-test")
	require.NoError(t, err)
	foreign, err := otherKey.Issue(5, 1, "r", "")
	require.NoError(t, err)

	otherIssuer, err := NewTokenService(testSecret, "someone-else")
	require.NoError(t, err)
	wrongIssuer, err := otherIssuer.Issue(5, 1, "r", "")
	require.NoError(t, err)

	zeroStep, err := svc.Issue(5, 0, "r", "")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"tampered signature", valid[:len(valid)-2] + "xx"},
		{"different secret", foreign},
		{"different issuer", wrongIssuer},
		{"step zero", zeroStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Parse(tt.token)
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestCorrelationTags_RoundTrip(t *testing.T) {
	svc := createTestTokenService(t)
	token, err := svc.Issue(9, 3, "r-9", "A")
	require.NoError(t, err)

	tags := CorrelationTags(token)
	require.Len(t, tags, 3)
	for _, v := range tags {
		assert.NotContains(t, v, ".")
	}

	asProvider := make(map[string][]string, len(tags))
	for k, v := range tags {
		asProvider[k] = []string{v}
	}
	assert.Equal(t, token, TokenFromTags(asProvider))

	delete(asProvider, "kusanagi-correlation-1")
	assert.Empty(t, TokenFromTags(asProvider))
}

func TestCorrelationTags_LongRecipientStaysWithinTagLimit(t *testing.T) {
	svc, err := NewTokenService(testSecret, strings.Repeat("issuer-", 40))
	require.NoError(t, err)

	recipient := strings.Repeat("r", 128)
	token, err := svc.Issue(4294967295, 12, recipient, strings.Repeat("v", 64))
	require.NoError(t, err)

	tags := CorrelationTags(token)
	assert.Greater(t, len(tags), 3, "the oversized payload spills into continuation tags")
	for name, v := range tags {
		assert.LessOrEqual(t, len(v), 256, name)
		assert.NotContains(t, v, ".")
	}

	asProvider := make(map[string][]string, len(tags))
	for k, v := range tags {
		asProvider[k] = []string{v}
	}
	reassembled := TokenFromTags(asProvider)
	require.Equal(t, token, reassembled)

	claims, err := svc.Parse(reassembled)
	require.NoError(t, err)
	assert.True(t, claims.MatchesRecipient(recipient))
	assert.False(t, claims.MatchesRecipient(recipient[:127]))
}
