package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"repairline/internal/domain"
	"repairline/internal/repo"
)

var (
	// ErrNoCredential means the resolver found nothing it understands in the credential.
	ErrNoCredential = errors.New("no credential")
	// ErrInvalidCredential means a credential was present but rejected.
	ErrInvalidCredential = errors.New("invalid credentials")
)

// Credential is what a transport extracted from a request.
type Credential struct {
	Bearer string
	APIKey string
}

// Identity is the technician a credential resolved to.
type Identity struct {
	TechnicianID string
	Source       string
}

// Resolver turns a credential into a technician identity.
type Resolver interface {
	Resolve(ctx context.Context, cred Credential) (Identity, error)
}

type technicianClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// JWTResolver accepts HS256 bearer tokens whose subject is the technician id.
type JWTResolver struct {
	Secret string
}

func (r JWTResolver) Resolve(_ context.Context, cred Credential) (Identity, error) {
	token := strings.TrimSpace(cred.Bearer)
	if token == "" {
		return Identity{}, ErrNoCredential
	}
	if strings.TrimSpace(r.Secret) == "" {
		return Identity{}, fmt.Errorf("%w: jwt secret not configured", ErrInvalidCredential)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &technicianClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(r.Secret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: subject claim required", ErrInvalidCredential)
	}
	return Identity{TechnicianID: claims.Subject, Source: "jwt"}, nil
}

// IssueToken signs a technician token valid for ttl.
func IssueToken(secret, technicianID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if technicianID == "" {
		return "", errors.New("technician id required")
	}
	claims := technicianClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  technicianID,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "repairline",
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// KeyStore is the subset of the repo the API key resolver needs.
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
	GetTechnician(ctx context.Context, id string) (domain.Technician, error)
}

// APIKeyResolver accepts hashed API keys issued to active technicians.
type APIKeyResolver struct {
	Keys KeyStore
}

func (r APIKeyResolver) Resolve(ctx context.Context, cred Credential) (Identity, error) {
	key := strings.TrimSpace(cred.APIKey)
	if key == "" {
		return Identity{}, ErrNoCredential
	}
	apiKey, err := r.Keys.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return Identity{}, ErrInvalidCredential
	}
	if err != nil {
		return Identity{}, err
	}
	tech, err := r.Keys.GetTechnician(ctx, apiKey.TechnicianID)
	if errors.Is(err, repo.ErrNotFound) {
		return Identity{}, fmt.Errorf("%w: technician %s not registered", ErrInvalidCredential, apiKey.TechnicianID)
	}
	if err != nil {
		return Identity{}, err
	}
	if !tech.Active {
		return Identity{}, fmt.Errorf("%w: technician %s is inactive", ErrInvalidCredential, tech.ID)
	}
	return Identity{TechnicianID: tech.ID, Source: "api_key"}, nil
}

// Chain tries resolvers in order. The first one that recognises the credential decides.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, cred Credential) (Identity, error) {
	for _, r := range c {
		id, err := r.Resolve(ctx, cred)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		return id, err
	}
	return Identity{}, ErrNoCredential
}
