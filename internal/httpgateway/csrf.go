package httpgateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/channelserver/internal/apperror"
)

// CSRF protection uses the double-submit cookie pattern: a GET response
// carries a token in both a cookie and a header, and a state-changing
// request must echo it back in both places. Bearer-authenticated requests
// are exempt, since a cross-origin page can trigger a cookie-carrying
// request but can't attach an Authorization header to it.
const (
	csrfTokenHeader = "X-CSRF-Token"
	csrfCookieName  = "csrf_token"
	csrfTokenTTL    = 24 * time.Hour
)

type csrfStore struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
}

func (s *csrfStore) add(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = time.Now().Add(csrfTokenTTL)
}

func (s *csrfStore) valid(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, ok := s.tokens[token]
	return ok && time.Now().Before(expiry)
}

func (s *csrfStore) sweep() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for tok, expiry := range s.tokens {
			if now.After(expiry) {
				delete(s.tokens, tok)
			}
		}
		s.mu.Unlock()
	}
}

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// CSRFProtection returns gateway middleware implementing the pattern above.
func CSRFProtection() gin.HandlerFunc {
	store := &csrfStore{tokens: make(map[string]time.Time)}
	go store.sweep()
	var genMu sync.Mutex

	return func(c *gin.Context) {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			c.Next()
			return
		}

		method := c.Request.Method
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			genMu.Lock()
			existing, err := c.Cookie(csrfCookieName)
			if err == nil && existing != "" && store.valid(existing) {
				genMu.Unlock()
				c.Header(csrfTokenHeader, existing)
				c.Next()
				return
			}

			token, err := generateCSRFToken()
			if err != nil {
				genMu.Unlock()
				writeError(c, apperror.Handler(err))
				c.Abort()
				return
			}
			store.add(token)
			c.Header(csrfTokenHeader, token)
			c.SetCookie(csrfCookieName, token, int(csrfTokenTTL.Seconds()), "/", "", gin.Mode() != gin.DebugMode, true)
			genMu.Unlock()
			c.Next()
			return
		}

		cookieToken, err := c.Cookie(csrfCookieName)
		if err != nil {
			writeError(c, apperror.Policy("CSRF cookie missing"))
			c.Abort()
			return
		}
		headerToken := c.GetHeader(csrfTokenHeader)
		if subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
			writeError(c, apperror.Policy("CSRF token mismatch"))
			c.Abort()
			return
		}
		if !store.valid(cookieToken) {
			writeError(c, apperror.Policy("CSRF token expired or unknown"))
			c.Abort()
			return
		}

		c.Next()
	}
}
