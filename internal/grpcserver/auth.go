package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	RoleAdmin  = "admin"
	RoleReader = "reader"

	bearerPrefix = "Bearer "
	tokenLeeway  = 5 * time.Second
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidAuthConfig = errors.New("invalid auth config")
)

type principalContextKey struct{}

// Principal is the authenticated back-office caller.
type Principal struct {
	Subject string
	Role    string
}

type backOfficeClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier issues and validates HS256 back-office tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier requires a non-empty signing secret.
func NewTokenVerifier(secret string, issuer string) (*TokenVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrInvalidAuthConfig
	}
	return &TokenVerifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer)}, nil
}

// Issue signs a token for subject with role, valid for ttl.
func (verifier *TokenVerifier) Issue(subject string, role string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(subject) == "" || (role != RoleAdmin && role != RoleReader) || ttl <= 0 {
		return "", ErrInvalidAuthConfig
	}
	claims := backOfficeClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    verifier.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(verifier.secret)
}

// Parse validates a token and returns its principal.
func (verifier *TokenVerifier) Parse(tokenString string) (Principal, error) {
	claims := &backOfficeClaims{}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	}
	if verifier.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(verifier.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return verifier.secret, nil
	}, parserOptions...)
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" || (claims.Role != RoleAdmin && claims.Role != RoleReader) {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// readOnlyMethods may be called by readers; every other method requires the admin role.
var readOnlyMethods = map[string]struct{}{
	MethodGetAccount: {},
}

// UnaryAuthInterceptor authenticates bearer tokens and enforces method roles.
func UnaryAuthInterceptor(verifier *TokenVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		incoming, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		authorization := incoming.Get("authorization")
		if len(authorization) == 0 || !strings.HasPrefix(authorization[0], bearerPrefix) {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		principal, err := verifier.Parse(strings.TrimPrefix(authorization[0], bearerPrefix))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if _, readOnly := readOnlyMethods[info.FullMethod]; !readOnly && principal.Role != RoleAdmin {
			return nil, status.Error(codes.PermissionDenied, "admin role required")
		}
		return handler(context.WithValue(ctx, principalContextKey{}, principal), request)
	}
}

// PrincipalFromContext returns the caller authenticated by UnaryAuthInterceptor.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}

// BearerCredentials attaches a token to every call.
type BearerCredentials struct {
	Token    string
	Insecure bool
}

func (credentials BearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": bearerPrefix + credentials.Token}, nil
}

func (credentials BearerCredentials) RequireTransportSecurity() bool {
	return !credentials.Insecure
}
