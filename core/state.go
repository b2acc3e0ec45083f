package core

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const nonceByteLength = 24

// authorizationState is the envelope round-tripped through the provider's
// state parameter. The caller payload is preserved verbatim so upstream
// apps can thread their own state through the consent flow.
type authorizationState struct {
	Caller string `json:"caller,omitempty"`
	Nonce  string `json:"nonce"`
}

func generateNonce() (string, error) {
	buf := make([]byte, nonceByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("core: generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func encodeAuthorizationState(callerState, nonce string) (string, error) {
	payload, err := json.Marshal(authorizationState{Caller: callerState, Nonce: nonce})
	if err != nil {
		return "", fmt.Errorf("core: encode authorization state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

func decodeAuthorizationState(encoded string) (authorizationState, error) {
	var state authorizationState
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return state, fmt.Errorf("core: decode authorization state: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("core: decode authorization state: %w", err)
	}
	if strings.TrimSpace(state.Nonce) == "" {
		return state, fmt.Errorf("core: authorization state has no nonce")
	}
	return state, nil
}

// identityClaims is what the broker reads out of a provider id_token. The
// token arrives over the code-exchange channel, so its claims are read
// without signature verification.
type identityClaims struct {
	Username string
	IssuedAt time.Time
}

func parseIdentityClaims(idToken string) (identityClaims, error) {
	var out identityClaims
	if strings.TrimSpace(idToken) == "" {
		return out, fmt.Errorf("core: provider returned no id_token")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return out, fmt.Errorf("core: parse id_token: %w", err)
	}

	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return out, fmt.Errorf("core: id_token has no iat claim")
	}
	out.IssuedAt = issuedAt.Time

	for _, claim := range []string{"preferred_username", "username", "email", "sub"} {
		if value, ok := claims[claim].(string); ok && strings.TrimSpace(value) != "" {
			out.Username = strings.TrimSpace(value)
			break
		}
	}
	if out.Username == "" {
		return out, fmt.Errorf("core: id_token has no username claim")
	}
	return out, nil
}
