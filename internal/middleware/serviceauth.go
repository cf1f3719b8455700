package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/lottery_engine/internal/errors"
	internalhttputil "github.com/R3E-Network/lottery_engine/internal/httputil"
	"github.com/R3E-Network/lottery_engine/pkg/logger"
)

const (
	// ServiceTokenHeader carries the token of an external oracle delivering
	// randomness fulfillments.
	ServiceTokenHeader = "X-Service-Token"

	// DefaultServiceTokenExpiry is the default lifetime of service tokens.
	DefaultServiceTokenExpiry = 1 * time.Hour
)

// ServiceClaims identify a calling service.
type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

// ServiceAuthMiddleware authenticates service-to-service calls such as
// oracle fulfillment callbacks.
type ServiceAuthMiddleware struct {
	secret          []byte
	log             *logrus.Entry
	allowedServices []string

	mu              sync.RWMutex
	validatedTokens map[string]*cachedToken
}

type cachedToken struct {
	claims    *ServiceClaims
	expiresAt time.Time
}

// ServiceAuthConfig configures the service authentication middleware.
type ServiceAuthConfig struct {
	Secret          []byte
	Logger          *logger.Logger
	AllowedServices []string
}

// NewServiceAuthMiddleware creates a new service authentication middleware.
func NewServiceAuthMiddleware(cfg ServiceAuthConfig) *ServiceAuthMiddleware {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("service-auth")
	}
	return &ServiceAuthMiddleware{
		secret:          cfg.Secret,
		log:             log.Component("service-auth"),
		allowedServices: cfg.AllowedServices,
		validatedTokens: make(map[string]*cachedToken),
	}
}

// Handler rejects requests without a valid service token from an allowed
// service.
func (m *ServiceAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get(ServiceTokenHeader)
		if tokenString == "" {
			m.respondError(w, r, errors.Unauthorized("Missing service token"))
			return
		}

		claims := m.getCachedToken(tokenString)
		if claims == nil {
			var err error
			if claims, err = m.validateServiceToken(tokenString); err != nil {
				m.respondError(w, r, err)
				return
			}
			m.cacheToken(tokenString, claims)
		}

		if len(m.allowedServices) > 0 && !lo.Contains(m.allowedServices, claims.ServiceID) {
			m.respondError(w, r, errors.Forbidden("Service not allowed"))
			return
		}

		ctx := context.WithValue(r.Context(), serviceIDKey, claims.ServiceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *ServiceAuthMiddleware) validateServiceToken(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid || claims.ServiceID == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid service claims")
	}
	return claims, nil
}

func (m *ServiceAuthMiddleware) getCachedToken(tokenString string) *ServiceClaims {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cached, ok := m.validatedTokens[tokenString]
	if !ok || time.Now().After(cached.expiresAt) {
		return nil
	}
	return cached.claims
}

func (m *ServiceAuthMiddleware) cacheToken(tokenString string, claims *ServiceClaims) {
	expiresAt := time.Now().Add(5 * time.Minute)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiresAt) {
		expiresAt = claims.ExpiresAt.Time
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.validatedTokens[tokenString] = &cachedToken{claims: claims, expiresAt: expiresAt}
	if len(m.validatedTokens) > 1000 {
		now := time.Now()
		for k, v := range m.validatedTokens {
			if now.After(v.expiresAt) {
				delete(m.validatedTokens, k)
			}
		}
	}
}

func (m *ServiceAuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Service authentication failed", err)
	}
	internalhttputil.WriteServiceError(w, r, serviceErr)
	m.log.WithError(err).WithField("path", r.URL.Path).Warn("service authentication failed")
}

// GenerateServiceToken signs a service token for serviceID.
func GenerateServiceToken(secret []byte, serviceID string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultServiceTokenExpiry
	}
	now := time.Now()
	claims := &ServiceClaims{
		ServiceID: serviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   serviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// GetServiceID extracts the authenticated service from context.
func GetServiceID(ctx context.Context) string {
	v, _ := ctx.Value(serviceIDKey).(string)
	return v
}
