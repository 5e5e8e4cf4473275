package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// OAuthProviderConfig describes one external identity provider.
type OAuthProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// KakaoProvider returns the Kakao OAuth2 endpoint set.
func KakaoProvider(clientID string, clientSecret string, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		Name:         "kakao",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://kauth.kakao.com/oauth/authorize",
		TokenURL:     "https://kauth.kakao.com/oauth/token",
		UserInfoURL:  "https://kapi.kakao.com/v2/user/me",
		RedirectURL:  redirectURL,
		Scopes:       []string{"account_email", "profile_nickname"},
	}
}

// GoogleProvider returns the Google OAuth2 endpoint set.
func GoogleProvider(clientID string, clientSecret string, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		Name:         "google",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://accounts.google.com/o/oauth2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
	}
}

// OAuthClientConfig configures the exchange client.
type OAuthClientConfig struct {
	Providers []OAuthProviderConfig
	// PendingTTL bounds how long a login redirect stays completable.
	PendingTTL time.Duration
	// CallTimeout bounds each network call to the provider.
	CallTimeout time.Duration
	// MaxRetries bounds additional attempts for transient provider failures.
	MaxRetries uint64
	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      Clock
}

const (
	defaultPendingTTL  = 5 * time.Minute
	defaultCallTimeout = 10 * time.Second
	defaultMaxRetries  = 2
)

// OAuthExchangeClient drives the authorization-code exchange with external
// identity providers and reconciles the returned identity into a Principal.
type OAuthExchangeClient struct {
	providers   map[string]OAuthProviderConfig
	pending     PendingExchangeStore
	principals  PrincipalStore
	pendingTTL  time.Duration
	callTimeout time.Duration
	maxRetries  uint64
	httpClient  *http.Client
	logger      *zap.Logger
	clock       Clock
}

// NewOAuthExchangeClient wires the exchange client to its collaborators.
func NewOAuthExchangeClient(configuration OAuthClientConfig, pending PendingExchangeStore, principals PrincipalStore) *OAuthExchangeClient {
	providerIndex := make(map[string]OAuthProviderConfig, len(configuration.Providers))
	for _, provider := range configuration.Providers {
		providerIndex[provider.Name] = provider
	}
	pendingTTL := configuration.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	callTimeout := configuration.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	maxRetries := configuration.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	return &OAuthExchangeClient{
		providers:   providerIndex,
		pending:     pending,
		principals:  principals,
		pendingTTL:  pendingTTL,
		callTimeout: callTimeout,
		maxRetries:  maxRetries,
		httpClient:  httpClient,
		logger:      logger,
		clock:       clock,
	}
}

// BeginLogin creates a PendingExchange and returns the provider redirect URL.
func (client *OAuthExchangeClient) BeginLogin(ctx context.Context, providerName string) (string, error) {
	provider, ok := client.providers[providerName]
	if !ok {
		return "", fmt.Errorf("oauth.begin: %w", ErrUnknownProvider)
	}
	state, stateErr := NewOAuthState()
	if stateErr != nil {
		return "", stateErr
	}
	codeVerifier := oauth2.GenerateVerifier()
	now := client.clock.Now()
	beginErr := client.pending.Begin(ctx, PendingExchange{
		State:        state,
		Provider:     provider.Name,
		CodeVerifier: codeVerifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(client.pendingTTL),
	})
	if beginErr != nil {
		return "", fmt.Errorf("oauth.begin: %w", beginErr)
	}
	redirectURL := client.oauthConfig(provider).AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier))
	return redirectURL, nil
}

// CompleteLogin consumes the callback. The pending record is deleted before
// any network call, so a duplicate callback with the same state fails fast
// instead of racing the token exchange.
func (client *OAuthExchangeClient) CompleteLogin(ctx context.Context, providerName string, state string, code string) (Principal, error) {
	provider, ok := client.providers[providerName]
	if !ok {
		return Principal{}, fmt.Errorf("oauth.complete: %w", ErrUnknownProvider)
	}
	exchange, consumeErr := client.pending.Consume(ctx, state)
	if consumeErr != nil {
		return Principal{}, consumeErr
	}
	if exchange.Provider != provider.Name {
		return Principal{}, fmt.Errorf("oauth.complete: %w", ErrStateMismatch)
	}

	token, tokenErr := client.exchangeCode(ctx, provider, code, exchange.CodeVerifier)
	if tokenErr != nil {
		return Principal{}, tokenErr
	}
	identity, identityErr := client.fetchIdentity(ctx, provider, token.AccessToken)
	if identityErr != nil {
		return Principal{}, identityErr
	}

	principal, findErr := client.principals.FindByProviderIdentity(ctx, identity.Provider, identity.SubjectID)
	if findErr == nil {
		return principal, nil
	}
	if !errors.Is(findErr, ErrPrincipalNotFound) {
		return Principal{}, findErr
	}
	created, createErr := client.principals.CreateFromIdentity(ctx, identity)
	if createErr != nil {
		return Principal{}, createErr
	}
	client.logger.Info("principal created from external identity",
		zap.String("provider", identity.Provider),
		zap.String("principal_id", created.ID))
	return created, nil
}

func (client *OAuthExchangeClient) oauthConfig(provider OAuthProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider.AuthURL,
			TokenURL: provider.TokenURL,
		},
		RedirectURL: provider.RedirectURL,
		Scopes:      provider.Scopes,
	}
}

func (client *OAuthExchangeClient) exchangeCode(ctx context.Context, provider OAuthProviderConfig, code string, codeVerifier string) (*oauth2.Token, error) {
	configuration := client.oauthConfig(provider)
	var token *oauth2.Token

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, client.callTimeout)
		defer cancel()
		callCtx = context.WithValue(callCtx, oauth2.HTTPClient, client.httpClient)

		exchanged, exchangeErr := configuration.Exchange(callCtx, code, oauth2.VerifierOption(codeVerifier))
		if exchangeErr != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(exchangeErr, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < http.StatusInternalServerError {
				// 4xx from the token endpoint is terminal.
				return backoff.Permanent(exchangeErr)
			}
			return exchangeErr
		}
		token = exchanged
		return nil
	}
	if retryErr := client.retryTransient(ctx, "token_exchange", provider.Name, operation); retryErr != nil {
		return nil, fmt.Errorf("oauth.token_exchange.%s: %w", provider.Name, ErrProvider)
	}
	return token, nil
}

func (client *OAuthExchangeClient) fetchIdentity(ctx context.Context, provider OAuthProviderConfig, accessToken string) (ProviderIdentity, error) {
	var body []byte

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, client.callTimeout)
		defer cancel()

		request, requestErr := http.NewRequestWithContext(callCtx, http.MethodGet, provider.UserInfoURL, nil)
		if requestErr != nil {
			return backoff.Permanent(requestErr)
		}
		request.Header.Set("Authorization", "Bearer "+accessToken)
		response, callErr := client.httpClient.Do(request)
		if callErr != nil {
			return callErr
		}
		defer func() { _ = response.Body.Close() }()

		payload, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
		if readErr != nil {
			return readErr
		}
		if response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("userinfo status %d", response.StatusCode)
		}
		if response.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("userinfo status %d", response.StatusCode))
		}
		body = payload
		return nil
	}
	if retryErr := client.retryTransient(ctx, "userinfo", provider.Name, operation); retryErr != nil {
		return ProviderIdentity{}, fmt.Errorf("oauth.userinfo.%s: %w", provider.Name, ErrProvider)
	}
	return decodeIdentity(provider.Name, body)
}

func (client *OAuthExchangeClient) retryTransient(ctx context.Context, callName string, providerName string, operation backoff.Operation) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 0

	retryErr := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, client.maxRetries), ctx))
	if retryErr != nil {
		client.logger.Warn("provider call failed",
			zap.String("provider", providerName),
			zap.String("call", callName),
			zap.Error(retryErr))
	}
	return retryErr
}

type kakaoUserInfo struct {
	ID           int64 `json:"id"`
	KakaoAccount struct {
		Email   string `json:"email"`
		Profile struct {
			Nickname string `json:"nickname"`
		} `json:"profile"`
	} `json:"kakao_account"`
}

type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func decodeIdentity(providerName string, body []byte) (ProviderIdentity, error) {
	switch providerName {
	case "kakao":
		var info kakaoUserInfo
		if err := json.Unmarshal(body, &info); err != nil {
			return ProviderIdentity{}, fmt.Errorf("oauth.userinfo.kakao: %w", ErrIdentityUnresolvable)
		}
		if info.ID == 0 {
			return ProviderIdentity{}, fmt.Errorf("oauth.userinfo.kakao: %w", ErrIdentityUnresolvable)
		}
		return ProviderIdentity{
			Provider:    "kakao",
			SubjectID:   strconv.FormatInt(info.ID, 10),
			Email:       info.KakaoAccount.Email,
			DisplayName: info.KakaoAccount.Profile.Nickname,
		}, nil
	case "google":
		var info googleUserInfo
		if err := json.Unmarshal(body, &info); err != nil {
			return ProviderIdentity{}, fmt.Errorf("oauth.userinfo.google: %w", ErrIdentityUnresolvable)
		}
		if info.Sub == "" {
			return ProviderIdentity{}, fmt.Errorf("oauth.userinfo.google: %w", ErrIdentityUnresolvable)
		}
		return ProviderIdentity{
			Provider:    "google",
			SubjectID:   info.Sub,
			Email:       info.Email,
			DisplayName: info.Name,
		}, nil
	default:
		return ProviderIdentity{}, fmt.Errorf("oauth.userinfo.%s: %w", providerName, ErrUnknownProvider)
	}
}
