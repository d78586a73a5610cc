package portal

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionCookieName is the name of the authentication session cookie
	SessionCookieName = "pacbridge_portal_session"
	// SessionTimeout is the duration for which sessions are valid
	SessionTimeout = 24 * time.Hour
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// serveLogin exchanges username and password for a JWT. Credentials are
// accepted as JSON or as a form post.
func (p *Portal) serveLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !p.requiresAuthentication() {
		writeError(w, http.StatusNotFound, "authentication is not configured")
		return
	}

	var creds loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&creds); err != nil {
			writeError(w, http.StatusBadRequest, "invalid login request")
			return
		}
	} else {
		creds.Username = r.FormValue("username")
		creds.Password = r.FormValue("password")
	}

	logger.Debug("Login attempt for username: %s from %s", creds.Username, r.RemoteAddr)

	// Constant-time comparison to prevent timing attacks
	usernameMatch := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(p.config.Portal.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(creds.Password), []byte(p.config.Portal.Password)) == 1
	if !usernameMatch || !passwordMatch {
		logger.Warn("Failed login attempt for username: %s from %s", creds.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	expires := time.Now().Add(SessionTimeout)
	token, err := p.createJWTSession(creds.Username, expires)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(SessionTimeout.Seconds()),
		SameSite: http.SameSiteStrictMode,
	})
	logger.Info("Successful login for username: %s from %s", creds.Username, r.RemoteAddr)
	writeJSON(w, loginResponse{Token: token, ExpiresAt: expires})
}

// serveLogout clears the session cookie
func (p *Portal) serveLogout(w http.ResponseWriter, r *http.Request) {
	logger.Info("User logged out from %s", r.RemoteAddr)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// requiresAuthentication checks if authentication is required (username and password are configured)
func (p *Portal) requiresAuthentication() bool {
	return p.config.Portal.Username != "" && p.config.Portal.Password != ""
}

// isAuthenticated accepts a bearer token or the session cookie
func (p *Portal) isAuthenticated(r *http.Request) bool {
	tokenString := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return false
		}
		tokenString = strings.TrimSpace(value)
	} else if cookie, err := r.Cookie(SessionCookieName); err == nil {
		tokenString = cookie.Value
	}
	if tokenString == "" {
		return false
	}

	token, err := p.parseJWTToken(tokenString)
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return false
	}
	return token.Valid
}

// parseJWTToken parses and validates a JWT token
func (p *Portal) parseJWTToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
}

// createJWTSession creates a new JWT token for the session
func (p *Portal) createJWTSession(username string, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"username": username,
		"exp":      expires.Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(p.jwtSecret)
	if err != nil {
		logger.Error("Failed to sign JWT token: %v", err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
