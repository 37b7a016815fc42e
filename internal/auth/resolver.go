package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/bgremove/internal/identity"
	"github.com/example/bgremove/internal/tier"
)

// TokenValidator is the identity capability the resolver depends on.
type TokenValidator interface {
	Refresh(ctx context.Context, token string) (*identity.User, error)
}

// Resolver turns a requested tier and an optional bearer header into the
// effective tier. It never fails: any problem degrades the result to Reduced.
type Resolver struct {
	validator TokenValidator
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewResolver constructs a resolver. A non-positive timeout leaves the
// validator call bounded only by the caller's context.
func NewResolver(validator TokenValidator, timeout time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		validator: validator,
		timeout:   timeout,
		logger:    logger.Named("auth_resolver"),
		now:       time.Now,
	}
}

// Resolve returns Full only when Full was requested and the identity service
// accepted the bearer token carried by authorization.
func (r *Resolver) Resolve(ctx context.Context, authorization string, requested tier.Tier) tier.Tier {
	if requested != tier.Full {
		return tier.Reduced
	}

	token, err := ExtractBearerToken(authorization)
	if err != nil {
		r.logger.Debug("full tier requested without usable bearer token", zap.Error(err))
		return tier.Reduced
	}

	if err := checkTokenShape(token, r.now()); err != nil {
		r.logger.Debug("bearer token rejected before validation", zap.Error(err))
		return tier.Reduced
	}

	if r.validator == nil {
		return tier.Reduced
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	user, err := r.validator.Refresh(ctx, token)
	if err != nil {
		r.logger.Warn("token validation failed, degrading to reduced tier", zap.Error(err))
		return tier.Reduced
	}

	if user != nil && user.ID != "" {
		r.logger.Debug("full tier granted", zap.String("user_id", user.ID))
	}
	return tier.Full
}
