package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/curious-containers/ccagency/pkg/log"
	"github.com/curious-containers/ccagency/pkg/storage"
	"github.com/curious-containers/ccagency/pkg/types"
)

// ErrUnauthorized is returned for every verification failure. Throttled
// attempts carry the same error so usernames cannot be enumerated; the
// distinction only reaches the debug log.
var ErrUnauthorized = errors.New("unauthorized")

// Config tunes the authenticator.
type Config struct {
	SigningKey     []byte
	TokenMaxAge    time.Duration // session cookie lifetime
	BlockWindow    time.Duration // trailing window for failed attempts
	BlockThreshold int           // failures within the window before cool-off
}

// Authenticator verifies users over HTTP Basic and session cookies and
// throttles repeated failures per (ip, username).
type Authenticator struct {
	store storage.Store
	cfg   Config
	now   func() time.Time
}

// New creates an Authenticator backed by the store.
func New(store storage.Store, cfg Config) *Authenticator {
	if cfg.TokenMaxAge <= 0 {
		cfg.TokenMaxAge = time.Hour
	}
	if cfg.BlockWindow <= 0 {
		cfg.BlockWindow = 60 * time.Second
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 3
	}
	return &Authenticator{store: store, cfg: cfg, now: time.Now}
}

// VerifyRequest authenticates an HTTP request via Basic credentials or the
// session cookie and returns the user. On success a fresh cookie value is
// returned for the handler to set.
func (a *Authenticator) VerifyRequest(r *http.Request, remoteIP string) (*types.User, string, error) {
	if username, password, ok := r.BasicAuth(); ok {
		user, err := a.VerifyUser(username, password, remoteIP)
		if err != nil {
			return nil, "", err
		}
		return user, a.IssueCookie(username), nil
	}

	if cookie, err := r.Cookie(CookieName); err == nil {
		user, err := a.verifyCookie(cookie.Value, remoteIP)
		if err != nil {
			return nil, "", err
		}
		return user, "", nil
	}

	return nil, "", ErrUnauthorized
}

// VerifyUser checks a username/password pair, enforcing the blocklist
// policy: once the threshold of failed attempts for (ip, username) within
// the trailing window is exceeded, verification fails without touching the
// credentials until the window drains.
func (a *Authenticator) VerifyUser(username, password, remoteIP string) (*types.User, error) {
	logger := log.WithComponent("auth")
	if a.blocked(remoteIP, username) {
		logger.Warn().
			Str("username", username).Str("ip", remoteIP).
			Msg("too many attempts")
		return nil, ErrUnauthorized
	}

	user, err := a.store.GetUser(username)
	if err != nil || !VerifyPassword(user.Verifier, password) {
		a.recordFailure(remoteIP, username)
		return nil, ErrUnauthorized
	}

	// Successful verification clears the failure history for this key.
	if err := a.store.PurgeBlockEntries(remoteIP, username); err != nil {
		logger.Error().Err(err).Msg("failed to purge block entries")
	}
	return user, nil
}

func (a *Authenticator) verifyCookie(value, remoteIP string) (*types.User, error) {
	username, token, err := DecodeCookie(value)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if a.blocked(remoteIP, username) {
		return nil, ErrUnauthorized
	}
	if !checkToken(a.cfg.SigningKey, username, token, a.cfg.TokenMaxAge, a.now()) {
		a.recordFailure(remoteIP, username)
		return nil, ErrUnauthorized
	}
	user, err := a.store.GetUser(username)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return user, nil
}

// IssueCookie returns a fresh signed session cookie value for username.
func (a *Authenticator) IssueCookie(username string) string {
	return EncodeCookie(username, issueToken(a.cfg.SigningKey, username, a.now()))
}

func (a *Authenticator) blocked(ip, username string) bool {
	since := a.now().Add(-a.cfg.BlockWindow)
	count, err := a.store.CountBlockEntries(ip, username, since)
	if err != nil {
		logger := log.WithComponent("auth")
		logger.Error().Err(err).Msg("failed to count block entries")
		return false
	}
	return count >= a.cfg.BlockThreshold
}

func (a *Authenticator) recordFailure(ip, username string) {
	logger := log.WithComponent("auth")
	entry := &types.BlockEntry{IP: ip, Username: username, Timestamp: a.now()}
	if err := a.store.AppendBlockEntry(entry); err != nil {
		logger.Error().Err(err).Msg("failed to record block entry")
	}
	// Opportunistic TTL pruning keeps the collection from growing without a
	// background job.
	cutoff := a.now().Add(-2 * a.cfg.BlockWindow)
	if err := a.store.PruneBlockEntries(cutoff); err != nil {
		logger.Error().Err(err).Msg("failed to prune block entries")
	}
}

// CreateUser registers a new broker account. Admin-gated at the API layer.
func (a *Authenticator) CreateUser(name, password string, isAdmin bool) error {
	verifier, err := HashPassword(password)
	if err != nil {
		return err
	}
	return a.store.CreateUser(&types.User{
		Username: name,
		Verifier: verifier,
		IsAdmin:  isAdmin,
	})
}

// RemoveUser deletes an account.
func (a *Authenticator) RemoveUser(name string) error {
	if _, err := a.store.GetUser(name); err != nil {
		return err
	}
	return a.store.DeleteUser(name)
}

// SetPassword replaces an account's verifier.
func (a *Authenticator) SetPassword(name, password string) error {
	user, err := a.store.GetUser(name)
	if err != nil {
		return err
	}
	verifier, err := HashPassword(password)
	if err != nil {
		return err
	}
	user.Verifier = verifier
	return a.store.PutUser(user)
}
