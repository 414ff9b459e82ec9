// Package service contains application services for sign-in, catalog
// access and package requests.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/convert"
	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/limiter"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/storeapi"
)

// Sign-in budgets. Redirects and primary attempts are counted independently.
const (
	maxAuthAttempts  = 2
	maxAuthRedirects = 3
)

const (
	codeRequiredMessage = "MZFinance.BadLogin.Configurator_message"
	firstSignInFailure  = "-5000"
)

// AuthService defines sign-in operations.
type AuthService interface {
	// Authenticate signs in and returns a complete account record. The
	// returned account has no local ID.
	Authenticate(ctx context.Context, email, password, code string, cookies model.Cookies) (model.Account, error)
	// RotatePasswordToken re-authenticates with the stored credentials and
	// returns the replacement record, keeping the local ID.
	RotatePasswordToken(ctx context.Context, account model.Account) (model.Account, error)
}

type AuthServiceImpl struct {
	api      *storeapi.Client
	deviceID string
	lim      limiter.Limiter
	log      *zap.Logger
}

// NewAuthService constructs AuthService. lim may be nil.
func NewAuthService(api *storeapi.Client, deviceID string, lim limiter.Limiter, log *zap.Logger) *AuthServiceImpl {
	return &AuthServiceImpl{api: api, deviceID: deviceID, lim: lim, log: log.Named("auth")}
}

type authOutcome int

const (
	outcomeSuccess authOutcome = iota
	outcomeCodeRequired
	outcomeRedirect
	outcomeRetry
	outcomeFailure
)

// authStep is the classified result of one sign-in request.
type authStep struct {
	outcome  authOutcome
	account  model.Account
	location string
	err      error
}

// Authenticate runs the sign-in state machine.
func (s *AuthServiceImpl) Authenticate(ctx context.Context, email, password, code string, cookies model.Cookies) (model.Account, error) {
	key := limiter.HashKey(email)
	if s.lim != nil {
		allowed, retry, err := s.lim.Allow(ctx, key)
		if err != nil {
			return model.Account{}, err
		}
		if !allowed {
			return model.Account{}, fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
		}
	}

	acc, err := s.authenticate(ctx, email, password, code, cookies)
	if s.lim != nil {
		switch {
		case err == nil:
			_ = s.lim.Success(ctx, key)
		case errors.Is(err, errs.ErrUnauthorized):
			if blocked, _, ferr := s.lim.Failure(ctx, key); ferr == nil && blocked {
				s.log.Warn("sign-in locked out after repeated failures")
			}
		}
	}
	return acc, err
}

func (s *AuthServiceImpl) authenticate(ctx context.Context, email, password, code string, cookies model.Cookies) (model.Account, error) {
	endpoint, err := s.initialEndpoint()
	if err != nil {
		return model.Account{}, err
	}
	jar := append(model.Cookies(nil), cookies...)
	storeFront := ""
	redirects := 0
	var lastErr error

	for attempt := 1; attempt <= maxAuthAttempts; {
		if err := ctx.Err(); err != nil {
			return model.Account{}, err
		}
		step := s.signIn(ctx, endpoint, email, password, code, attempt, &jar, &storeFront)

		switch step.outcome {
		case outcomeSuccess:
			s.log.Info("signed in", zap.String("store", step.account.Store))
			return step.account, nil
		case outcomeCodeRequired:
			return model.Account{}, errs.ErrVerificationRequired
		case outcomeRedirect:
			redirects++
			if redirects > maxAuthRedirects {
				return model.Account{}, fmt.Errorf("%w: too many redirects", errs.ErrUnauthorized)
			}
			next, err := resolveLocation(endpoint, step.location)
			if err != nil {
				return model.Account{}, fmt.Errorf("%w: bad redirect location: %v", errs.ErrMalformedResponse, err)
			}
			s.log.Debug("sign-in redirected", zap.String("host", next.Host), zap.Int("redirects", redirects))
			endpoint = next
			continue
		case outcomeRetry:
			lastErr = step.err
			s.log.Debug("sign-in retry", zap.Int("attempt", attempt), zap.Error(step.err))
		case outcomeFailure:
			if !errors.Is(step.err, errs.ErrNetwork) {
				return model.Account{}, step.err
			}
			lastErr = step.err
			s.log.Warn("sign-in network failure", zap.Int("attempt", attempt), zap.Error(step.err))
		}
		attempt++
	}

	if lastErr != nil {
		return model.Account{}, lastErr
	}
	return model.Account{}, fmt.Errorf("%w: unknown reason", errs.ErrUnauthorized)
}

// RotatePasswordToken is a full re-authentication without a code.
func (s *AuthServiceImpl) RotatePasswordToken(ctx context.Context, account model.Account) (model.Account, error) {
	next, err := s.Authenticate(ctx, account.Email, account.Password, "", account.Cookies)
	if err != nil {
		return model.Account{}, fmt.Errorf("rotate password token: %w", err)
	}
	next.ID = account.ID
	return next, nil
}

func (s *AuthServiceImpl) initialEndpoint() (*url.URL, error) {
	u, err := url.Parse(s.api.Endpoints().Authenticate)
	if err != nil {
		return nil, fmt.Errorf("parse auth endpoint: %w", err)
	}
	q := u.Query()
	q.Set("guid", s.deviceID)
	u.RawQuery = q.Encode()
	return u, nil
}

// signIn issues one request and classifies the response. Cookies and the
// store-front are accumulated across calls.
func (s *AuthServiceImpl) signIn(ctx context.Context, endpoint *url.URL, email, password, code string, attempt int, jar *model.Cookies, storeFront *string) authStep {
	attemptField := "4"
	if code != "" {
		attemptField = "2"
	}
	resp, err := s.api.Do(ctx, storeapi.Request{
		Method:  http.MethodPost,
		URL:     endpoint.String(),
		Cookies: *jar,
		Plist: map[string]string{
			"appleId":  email,
			"attempt":  attemptField,
			"guid":     s.deviceID,
			"password": password + code,
			"rmp":      "0",
			"why":      "signIn",
		},
	})
	if err != nil {
		return authStep{outcome: outcomeFailure, err: err}
	}

	*jar = jar.Merge(resp.Cookies...)
	if sf := convert.StoreFrontFromHeader(resp.Header.Get("X-Set-Apple-Store-Front")); sf != "" {
		*storeFront = sf
	}

	if resp.Redirect() {
		return authStep{outcome: outcomeRedirect, location: resp.Location()}
	}
	if resp.StatusCode >= 500 {
		return authStep{outcome: outcomeRetry, err: &storeapi.StatusError{StatusCode: resp.StatusCode, URL: endpoint.Host}}
	}

	dict, err := resp.Dict()
	if err != nil {
		return authStep{outcome: outcomeFailure, err: err}
	}

	failureType := convert.String(dict, "failureType")
	customerMessage := convert.String(dict, "customerMessage")
	if failureType == "" && code == "" && customerMessage == codeRequiredMessage {
		return authStep{outcome: outcomeCodeRequired}
	}

	profile, ok := convert.AuthProfile(dict)
	if !ok {
		msg := convert.FailureMessage(dict)
		if failureType == firstSignInFailure && attempt == 1 {
			return authStep{outcome: outcomeRetry, err: fmt.Errorf("%w: %s", errs.ErrUnauthorized, msg)}
		}
		if msg == "" {
			return authStep{outcome: outcomeFailure, err: fmt.Errorf("%w: missing account info", errs.ErrMalformedResponse)}
		}
		return authStep{outcome: outcomeFailure, err: fmt.Errorf("%w: %s", errs.ErrUnauthorized, msg)}
	}

	account := model.Account{
		Email:    email,
		Password: password,
		Store:    *storeFront,
		Cookies:  append(model.Cookies(nil), (*jar)...),
	}
	profile.Apply(&account)
	return authStep{outcome: outcomeSuccess, account: account}
}

func resolveLocation(base *url.URL, location string) (*url.URL, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}
