package yandex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const iamTokenURL = "https://iam.api.cloud.yandex.net/iam/v1/tokens"

// tokenRefreshMargin renews cached IAM tokens this long before expiry.
const tokenRefreshMargin = 60 * time.Second

// TokenProvider yields a bearer token for the cloud APIs.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed, externally managed token.
type StaticTokenProvider struct {
	value string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{value: token}
}

func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	if p.value == "" {
		return "", fmt.Errorf("static token is empty")
	}
	return p.value, nil
}

// ServiceAccountKey is the authorized-key JSON issued by the cloud console.
type ServiceAccountKey struct {
	ID               string `json:"id"`
	ServiceAccountID string `json:"service_account_id"`
	PrivateKey       string `json:"private_key"`
}

// LoadServiceAccountKey reads an authorized key from a JSON file.
func LoadServiceAccountKey(path string) (*ServiceAccountKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	return ParseServiceAccountKey(data)
}

// ParseServiceAccountKey parses an authorized key from raw JSON.
func ParseServiceAccountKey(data []byte) (*ServiceAccountKey, error) {
	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if key.ID == "" || key.ServiceAccountID == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("service account key missing id, service_account_id or private_key")
	}
	return &key, nil
}

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// IAMTokenProvider exchanges a signed service-account JWT for an IAM token
// and caches it until shortly before expiry. Safe for concurrent use.
type IAMTokenProvider struct {
	key      *ServiceAccountKey
	http     HTTPDoer
	endpoint string
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewIAMTokenProvider builds a provider over the given key. A nil client
// falls back to a 30s-timeout http.Client.
func NewIAMTokenProvider(key *ServiceAccountKey, client HTTPDoer) *IAMTokenProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &IAMTokenProvider{
		key:      key,
		http:     client,
		endpoint: iamTokenURL,
		now:      time.Now,
	}
}

func (p *IAMTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Add(tokenRefreshMargin).Before(p.expiresAt) {
		return p.token, nil
	}

	signed, err := p.signJWT()
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{"jwt": signed})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("iam token request: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	var parsed struct {
		IAMToken  string    `json:"iamToken"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode iam token response: %w", err)
	}
	if parsed.IAMToken == "" {
		return "", fmt.Errorf("iam token response missing iamToken")
	}

	p.token = parsed.IAMToken
	p.expiresAt = parsed.ExpiresAt
	if p.expiresAt.IsZero() {
		p.expiresAt = p.now().Add(time.Hour)
	}
	log.Printf("[IAM] Refreshed token for service account %s, expires %s",
		p.key.ServiceAccountID, p.expiresAt.Format(time.RFC3339))
	return p.token, nil
}

// signJWT builds the token-exchange JWT: aud is the token endpoint, iss the
// service account, exp one hour out. RSA keys sign with PS256, EC with ES256.
func (p *IAMTokenProvider) signJWT() (string, error) {
	issued := p.now()
	claims := jwt.MapClaims{
		"aud": p.endpoint,
		"iss": p.key.ServiceAccountID,
		"iat": issued.Unix(),
		"exp": issued.Add(time.Hour).Unix(),
	}

	pem := []byte(p.key.PrivateKey)
	if rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(pem); err == nil {
		return p.sign(jwt.SigningMethodPS256, claims, rsaKey)
	}
	if ecKey, err := jwt.ParseECPrivateKeyFromPEM(pem); err == nil {
		return p.sign(jwt.SigningMethodES256, claims, ecKey)
	}
	return "", fmt.Errorf("service account private key is neither RSA nor EC PEM")
}

func (p *IAMTokenProvider) sign(method jwt.SigningMethod, claims jwt.MapClaims, key any) (string, error) {
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = p.key.ID
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign service account jwt: %w", err)
	}
	return signed, nil
}
