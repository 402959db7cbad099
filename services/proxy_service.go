package services

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"position-api/config"
)

// ============================================================================
// PROXY SERVICE - Sticky sessions PIA
// Derives a deterministic, time-windowed session id per logical user so a
// multi-request scan keeps one upstream-visible identity without any state.
// ============================================================================

// ProxyConfig is everything needed to route one HTTP request through the
// proxy. Password stays out of String()/logs; see utils/safelog.go.
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// ProxyURL returns the proxy endpoint with credentials embedded, in the form
// http.Transport expects.
func (p *ProxyConfig) ProxyURL() (*url.URL, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, err
	}
	u.User = url.UserPassword(p.Username, p.Password)
	return u, nil
}

// ProxyProvider yields a proxy configuration for a logical user, or nil when
// proxying is disabled or unconfigured. nil is a normal outcome: the request
// simply goes out directly.
type ProxyProvider interface {
	GetProxy(userID int64) *ProxyConfig
}

// SessionToken derives the sticky session id: the first 11 hex characters of
// md5("{userID}_{bucket}") where bucket is the current time window index.
// Identical inputs within one window always produce the same token.
func SessionToken(userID int64, now time.Time, windowMinutes int) string {
	if windowMinutes <= 0 {
		windowMinutes = 1
	}
	bucket := now.Unix() / int64(60*windowMinutes)
	raw := fmt.Sprintf("%d_%d", userID, bucket)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:11]
}

// PiaProxyService builds per-user sticky proxy credentials for PIA.
type PiaProxyService struct {
	enabled       bool
	windowMinutes int
	baseHost      string
	port          int
	username      string
	password      string
	region        string

	now func() time.Time
}

func NewPiaProxyService(cfg *config.Config) *PiaProxyService {
	return &PiaProxyService{
		enabled:       cfg.ProxyEnabled,
		windowMinutes: cfg.ProxyTimeoutMinutes,
		baseHost:      cfg.PiaBaseHost,
		port:          cfg.PiaPort,
		username:      cfg.PiaUsername,
		password:      cfg.PiaPassword,
		region:        "ru",
		now:           time.Now,
	}
}

// SessionID returns the current sticky session token for a user.
func (s *PiaProxyService) SessionID(userID int64) string {
	return SessionToken(userID, s.now(), s.windowMinutes)
}

// GetProxy returns the proxy configuration for a user, or nil when disabled
// or missing credentials.
func (s *PiaProxyService) GetProxy(userID int64) *ProxyConfig {
	if !s.enabled {
		return nil
	}
	if s.username == "" || s.password == "" {
		return nil
	}

	sessionID := s.SessionID(userID)
	// sesstime-10080 pins the upstream session to the PIA maximum (7 days);
	// rotation is driven by our own time bucket instead.
	proxyUsername := fmt.Sprintf("%s-region-%s-sessid-%s-sesstime-10080", s.username, s.region, sessionID)

	return &ProxyConfig{
		URL:      fmt.Sprintf("http://%s:%d", s.baseHost, s.port),
		Username: proxyUsername,
		Password: s.password,
	}
}
