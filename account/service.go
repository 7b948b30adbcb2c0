package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sumire-dev/memberd/auth"
	"github.com/sumire-dev/memberd/external"
	resp "github.com/sumire-dev/memberd/response"
	"github.com/sumire-dev/memberd/subscription"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// Accounts is the account persistence surface the router needs. Satisfied by
// *Manager
type Accounts interface {
	NewAccount(ctx context.Context, email string) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	MarkVerified(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Subscriptions is the slice of the subscription store the deletion flow
// reads and clears. Satisfied by *subscription.Manager
type Subscriptions interface {
	GetByAccountID(ctx context.Context, accountID string) (*subscription.Subscription, error)
	DeleteByAccountID(ctx context.Context, accountID string) error
}

// IdentityDirectory is the remote user directory. Satisfied by
// *external.IdentityGateway
type IdentityDirectory interface {
	DeleteUser(ctx context.Context, userID string) external.DeleteResult
}

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth                *auth.Auth
	AccountManager      Accounts
	SubscriptionManager Subscriptions
	Identity            IdentityDirectory
	Logger              *zap.Logger
}

// Service is the account API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the account API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.AccountManager == nil {
		return nil, fmt.Errorf("nil AccountManager is invalid")
	}
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Identity == nil {
		return nil, fmt.Errorf("nil Identity is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// EmailRequest is the model of signup and login requests
type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Service) signup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A valid email address is required"))
		return
	}

	logger := s.Logger.With(zap.String("Email", req.Email))

	acct, err := s.AccountManager.GetByEmail(ctx, req.Email)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to sign up"))
		return
	}
	if acct == nil {
		acct, err = s.AccountManager.NewAccount(ctx, req.Email)
		if err != nil {
			logger.Error("Unable to create Account",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to sign up"))
			return
		}
	}

	// signup and re-signup both end with a fresh verification PIN
	if err := s.Auth.Request(ctx, acct.Email, acct.Email); err != nil {
		logger.Error("Unable to send verification PIN",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to send verification email"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) requestLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A valid email address is required"))
		return
	}

	logger := s.Logger.With(zap.String("Email", req.Email))

	acct, err := s.AccountManager.GetByEmail(ctx, req.Email)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to request sign-in"))
		return
	}
	if acct == nil {
		// don't leak which emails have accounts
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.Auth.Request(ctx, acct.Email, acct.Email); err != nil {
		logger.Error("Unable to send sign-in PIN",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to send sign-in email"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := chi.URLParam(r, "uid")
	token := chi.URLParam(r, "token")

	logger := s.Logger.With(zap.String("Email", email))

	valid, err := s.Auth.Verify(ctx, email, token)
	if err != nil {
		logger.Error("Unable to verify sign-in PIN",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to verify sign-in PIN"))
		return
	}
	if !valid {
		resp.WriteError(w, r, resp.ErrUnauthorized().AddMessages("Invalid or expired PIN"))
		return
	}

	acct, err := s.AccountManager.GetByEmail(ctx, email)
	if err != nil || acct == nil {
		resp.WriteError(w, r, resp.ErrUnauthorized().AddMessages("No account found for this email"))
		return
	}

	// a successful PIN exchange proves control of the mailbox
	if !acct.Verified {
		if err := s.AccountManager.MarkVerified(ctx, acct.ID); err != nil {
			logger.Error("Unable to mark account as verified",
				zap.Error(err),
			)
		}
	}

	claims := auth.Claims{
		ID:    acct.ID,
		Email: acct.Email,
	}
	jwtToken, err := s.Auth.CreateTokenFromClaims(claims)
	if err != nil {
		logger.Error("Unable to generate token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	refreshToken, err := s.Auth.CreateRefreshTokenFromClaims(claims)
	if err != nil {
		logger.Error("Unable to generate refresh token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, resp.V{
		"token":        jwtToken,
		"refreshToken": refreshToken,
	})
}

// RefreshRequest is the model for re-authentication
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *Service) refreshToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("refreshToken is required"))
		return
	}

	claim, err := s.Auth.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if claim == nil {
		resp.WriteError(w, r, resp.ErrUnauthorized().AddMessages("Invalid refresh token"))
		return
	}

	acct, err := s.AccountManager.GetByID(ctx, claim.ID)
	if err != nil || acct == nil {
		resp.WriteError(w, r, resp.ErrUnauthorized().AddMessages("No account found"))
		return
	}

	jwtToken, err := s.Auth.CreateTokenFromClaims(auth.Claims{
		ID:    acct.ID,
		Email: acct.Email,
	})
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, resp.V{"token": jwtToken})
}

func (s *Service) resendVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	if err := s.Auth.Request(ctx, claims.Email, claims.Email); err != nil {
		s.Logger.Error("Unable to resend verification PIN",
			zap.String("AccountID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to send verification email"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) deleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AccountID", claims.ID))

	sub, err := s.SubscriptionManager.GetByAccountID(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to delete account"))
		return
	}

	decision := EvaluateDeletion(sub)
	if !decision.Allowed {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(decision.Reason))
		return
	}

	if err := s.SubscriptionManager.DeleteByAccountID(ctx, claims.ID); err != nil {
		logger.Error("Unable to delete subscription record",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to delete account"))
		return
	}
	if err := s.AccountManager.Delete(ctx, claims.ID); err != nil {
		logger.Error("Unable to delete account record",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to delete account"))
		return
	}

	// local rows are gone at this point; a remote failure leaves the
	// identity directory holding a user we no longer know. Surfaced to the
	// caller for manual retry, not compensated
	result := s.Identity.DeleteUser(ctx, claims.ID)
	if !result.OK {
		logger.Error("Remote identity deletion failed after local deletion",
			zap.Int("StatusCode", result.StatusCode),
		)
		resp.WriteError(w, r, resp.ErrBadGateway().
			AddMessages(result.Message).
			WithStatus(result.StatusCode))
		return
	}

	body := resp.V{"success": true}
	if decision.ForfeitsPaidPeriod {
		body["warning"] = "The remainder of the paid period has been forfeited"
	}
	resp.WriteResponse(w, r, body)
}

// Router will return the routes under account API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.signup)
	r.Post("/login", s.requestLogin)
	r.Get("/login/{uid}/{token}", s.handleLogin)
	r.Post("/token", s.refreshToken)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Post("/resend", s.resendVerification)
		r.Post("/delete", s.deleteAccount)
	})

	return r
}
