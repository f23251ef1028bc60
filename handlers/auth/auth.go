package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/soham-khedkar/humourhub/core"
)

const (
	stateCookie     = "oauth_state"
	defaultTokenTTL = 7 * 24 * time.Hour
	githubUserURL   = "https://api.github.com/user"
)

// AppClaims represents the custom claims for the JWT.
type AppClaims struct {
	jwt.RegisteredClaims
	Login     string `json:"login"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl"`
	Name      string `json:"name"`
}

// Identity returns the caller described by the claims.
func (c *AppClaims) Identity() core.Identity {
	return core.Identity{Subject: c.Subject, Login: c.Login, Name: c.Name}
}

// OIDCClaims represents the claims from OIDC token
type OIDCClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
	Sub               string `json:"sub"`
}

type Config struct {
	JWTSecret []byte
	TokenTTL  time.Duration
	// RedirectBase is where the browser is sent with ?token= after login.
	RedirectBase string

	GitHubClientID     string
	GitHubClientSecret string
	GitHubRedirectURL  string

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
}

// ConfigFromEnv reads the auth settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		JWTSecret:          []byte(os.Getenv("JWT_SECRET")),
		RedirectBase:       os.Getenv("EDITOR_ORIGIN"),
		GitHubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		GitHubRedirectURL:  os.Getenv("GITHUB_REDIRECT_URL"),
		OIDCIssuerURL:      os.Getenv("OIDC_ISSUER_URL"),
		OIDCClientID:       os.Getenv("OIDC_CLIENT_ID"),
		OIDCClientSecret:   os.Getenv("OIDC_CLIENT_SECRET"),
		OIDCRedirectURL:    os.Getenv("OIDC_REDIRECT_URL"),
	}
}

// Service runs the OAuth login flow and issues the API's bearer tokens.
// OIDC is preferred when configured, then GitHub.
type Service struct {
	secret       []byte
	ttl          time.Duration
	redirectBase string

	oauth         *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	githubUserURL string

	login    http.HandlerFunc
	callback http.HandlerFunc
}

func NewService(ctx context.Context, cfg Config) *Service {
	s := &Service{
		secret:        cfg.JWTSecret,
		ttl:           cfg.TokenTTL,
		redirectBase:  cfg.RedirectBase,
		githubUserURL: githubUserURL,
	}
	if s.ttl <= 0 {
		s.ttl = defaultTokenTTL
	}
	if len(s.secret) == 0 {
		logrus.Warn("JWT_SECRET is not set. Authentication will not work.")
	}

	oidcConfigured := cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != ""
	githubConfigured := cfg.GitHubClientID != "" && cfg.GitHubClientSecret != ""

	switch {
	case oidcConfigured && s.initOIDC(ctx, cfg):
		logrus.Info("Initialized OIDC authentication provider.")
		s.login, s.callback = s.handleOAuthLogin, s.handleOIDCCallback
	case githubConfigured:
		logrus.Info("Initialized GitHub authentication provider.")
		s.oauth = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		}
		s.login, s.callback = s.handleOAuthLogin, s.handleGitHubCallback
	default:
		logrus.Warn("No authentication provider configured.")
		notConfigured := func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Authentication not configured", http.StatusInternalServerError)
		}
		s.login, s.callback = notConfigured, notConfigured
	}
	return s
}

func (s *Service) initOIDC(ctx context.Context, cfg Config) bool {
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		logrus.WithError(err).Error("Failed to create OIDC provider")
		return false
	}
	s.oauth = &oauth2.Config{
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		Endpoint:     provider.Endpoint(),
	}
	s.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})
	return true
}

func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r)
}

func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	s.callback(w, r)
}

func (s *Service) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "Failed to generate login state", http.StatusInternalServerError)
		return
	}
	state := hex.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusTemporaryRedirect)
}

func (s *Service) checkState(r *http.Request) error {
	cookie, err := r.Cookie(stateCookie)
	if err != nil {
		return errors.New("missing state cookie")
	}
	if cookie.Value == "" || cookie.Value != r.FormValue("state") {
		return errors.New("state mismatch")
	}
	return nil
}

func (s *Service) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	user, err := s.githubUser(r)
	if err != nil {
		logrus.WithError(err).Error("GitHub login failed")
		http.Redirect(w, r, s.redirectURL(""), http.StatusTemporaryRedirect)
		return
	}
	s.finishLogin(w, r, user)
}

func (s *Service) githubUser(r *http.Request) (*core.User, error) {
	if err := s.checkState(r); err != nil {
		return nil, err
	}
	token, err := s.oauth.Exchange(r.Context(), r.FormValue("code"))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	resp, err := s.oauth.Client(r.Context(), token).Get(s.githubUserURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get user from github: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read github response body: %w", err)
	}

	var githubUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
		Name      string `json:"name"`
	}
	if err := json.Unmarshal(body, &githubUser); err != nil {
		return nil, fmt.Errorf("failed to unmarshal github user: %w", err)
	}
	if githubUser.ID == 0 {
		return nil, errors.New("github user has no id")
	}

	return &core.User{
		Subject:   fmt.Sprintf("github:%d", githubUser.ID),
		Login:     githubUser.Login,
		AvatarURL: githubUser.AvatarURL,
		Name:      githubUser.Name,
	}, nil
}

func (s *Service) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	user, err := s.oidcUser(r)
	if err != nil {
		logrus.WithError(err).Error("OIDC login failed")
		http.Redirect(w, r, s.redirectURL(""), http.StatusTemporaryRedirect)
		return
	}
	s.finishLogin(w, r, user)
}

func (s *Service) oidcUser(r *http.Request) (*core.User, error) {
	if err := s.checkState(r); err != nil {
		return nil, err
	}
	code := r.FormValue("code")
	if code == "" {
		return nil, errors.New("no code in callback")
	}

	token, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("no id_token in token response")
	}
	idToken, err := s.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract claims from ID token: %w", err)
	}

	user := &core.User{
		Subject:   "oidc:" + claims.Sub,
		Login:     claims.PreferredUsername,
		Email:     claims.Email,
		AvatarURL: claims.Picture,
		Name:      claims.Name,
	}
	if user.Login == "" {
		user.Login = user.Email
	}
	return user, nil
}

func (s *Service) finishLogin(w http.ResponseWriter, r *http.Request, user *core.User) {
	token, err := s.IssueToken(user)
	if err != nil {
		logrus.WithError(err).Error("Failed to create JWT")
		http.Redirect(w, r, s.redirectURL(""), http.StatusTemporaryRedirect)
		return
	}
	logrus.WithField("user_id", user.Subject).Info("User logged in")
	http.Redirect(w, r, s.redirectURL(token), http.StatusTemporaryRedirect)
}

func (s *Service) redirectURL(token string) string {
	target := s.redirectBase + "/"
	if token == "" {
		return target
	}
	return target + "?token=" + url.QueryEscape(token)
}

// IssueToken signs a bearer token for user.
func (s *Service) IssueToken(user *core.User) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("JWT secret is not configured")
	}
	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Login:     user.Login,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Name:      user.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseToken verifies a bearer token and returns its claims.
func (s *Service) ParseToken(tokenString string) (*AppClaims, error) {
	if len(s.secret) == 0 {
		return nil, errors.New("JWT secret is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AppClaims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
