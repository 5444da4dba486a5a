// Package session keeps an authenticated connection to a vBulletin forum and
// provides the request primitives the chatbox is driven with.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vbcb-bot/bbcode"
	"vbcb-bot/pkg/chatbox"
	"vbcb-bot/scraper"
	"vbcb-bot/urlenc"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/encoding"
)

// Forum endpoints, relative to the board's base URL.
const (
	PathLogin    = "login.php?do=login"
	PathCheap    = "faq.php"
	PathPostEdit = "misc.php"
	PathMessages = "misc.php?show=ccbmessages"
	PathSmilies  = "misc.php?do=showsmilies"
	PathAjax     = "ajax.php"
	PathDST      = "profile.php?do=dst"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryDelay = 500 * time.Millisecond
	minUsernameLength = 3
)

// Config holds what a session needs to reach the forum.
type Config struct {
	// BaseURL is the board root, e.g. https://forum.example.org/.
	BaseURL  string
	Username string
	Password string
	// Timeout bounds every single request.
	Timeout time.Duration
	// Charset is the board's legacy character set. Nil means windows-1252.
	Charset encoding.Encoding
	// CustomSmilies are layered over the forum's own smilies.
	CustomSmilies []bbcode.SmileyDef
	// RetryDelay is the pause between rungs of the retry ladder.
	RetryDelay time.Duration
}

// Session is safe for concurrent use. All network traffic is serialized.
type Session struct {
	base       *url.URL
	username   string
	password   string
	charset    encoding.Encoding
	custom     []bbcode.SmileyDef
	retryDelay time.Duration
	logger     *slog.Logger

	// httpMu guards the cookie jar and the request in flight.
	httpMu sync.Mutex
	client *http.Client

	mu    sync.RWMutex
	token string
	users map[string]chatbox.UserIDAndNickname

	smilies atomic.Pointer[bbcode.Smilies]
}

// New creates a session. It does not contact the forum; call Login for that.
func New(cfg Config, logger *slog.Logger) (*Session, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse forum url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("forum url %q is not absolute", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	jar, err := newJar()
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	charset := cfg.Charset
	if charset == nil {
		charset = urlenc.DefaultCharset
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	s := &Session{
		base:       base,
		username:   cfg.Username,
		password:   cfg.Password,
		charset:    charset,
		custom:     cfg.CustomSmilies,
		retryDelay: retryDelay,
		logger:     logger,
		client:     &http.Client{Timeout: timeout, Jar: jar},
		users:      make(map[string]chatbox.UserIDAndNickname),
	}
	s.smilies.Store(bbcode.NewSmilies(nil, cfg.CustomSmilies))
	return s, nil
}

func newJar() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return jar, nil
}

// URL resolves an endpoint path against the board root.
func (s *Session) URL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return s.base.String() + path
	}
	return s.base.ResolveReference(ref).String()
}

// Charset is the board's character set.
func (s *Session) Charset() encoding.Encoding { return s.charset }

// Token returns the current security token, empty before the first fetch.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Smilies returns the smiley table currently in effect.
func (s *Session) Smilies() *bbcode.Smilies { return s.smilies.Load() }

// Login starts a fresh session: the cookie jar is emptied, the credentials
// are posted, then the security token and smilies are fetched.
func (s *Session) Login(ctx context.Context) error {
	s.logger.Info("Logging in", "username", s.username)

	form := urlenc.Form{
		{Key: "vb_login_username", Value: s.username},
		{Key: "vb_login_password", Value: s.password},
		{Key: "cookieuser", Value: "1"},
		{Key: "s", Value: ""},
		{Key: "do", Value: "login"},
		{Key: "vb_login_md5password", Value: ""},
		{Key: "vb_login_md5password_utf", Value: ""},
	}

	err := func() error {
		s.httpMu.Lock()
		defer s.httpMu.Unlock()

		jar, err := newJar()
		if err != nil {
			return err
		}
		s.client.Jar = jar

		_, err = s.sendLocked(ctx, http.MethodPost, PathLogin, formContentType, form.Encode(s.charset))
		return err
	}()
	if err != nil {
		return fmt.Errorf("post login form: %w", err)
	}

	if err := s.FetchToken(ctx); err != nil {
		return err
	}
	if err := s.UpdateSmilies(ctx); err != nil {
		return err
	}

	s.logger.Info("Session ready", "username", s.username, "smilies", s.Smilies().Len())
	return nil
}

// FetchToken refreshes the security token from a cheap page.
func (s *Session) FetchToken(ctx context.Context) error {
	s.logger.Debug("Fetching security token")

	page, err := s.Get(ctx, PathCheap)
	if err != nil {
		return fmt.Errorf("fetch security token: %w", err)
	}
	token, err := scraper.ParseSecurityToken(strings.NewReader(page))
	if err != nil {
		return fmt.Errorf("fetch security token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// UpdateSmilies reloads the forum's smiley list. An empty list is taken as a
// glitch and leaves the current table in place.
func (s *Session) UpdateSmilies(ctx context.Context) error {
	page, err := s.Get(ctx, PathSmilies)
	if err != nil {
		return fmt.Errorf("fetch smilies: %w", err)
	}
	defs, err := scraper.ParseSmilies(strings.NewReader(page))
	if err != nil {
		return fmt.Errorf("fetch smilies: %w", err)
	}
	if len(defs) == 0 {
		s.logger.Warn("Smiley page listed no smilies, keeping current table")
		return nil
	}

	s.smilies.Store(bbcode.NewSmilies(defs, s.custom))
	s.logger.Info("Smilies updated", "count", len(defs), "custom", len(s.custom))
	return nil
}

// RememberUser records a nickname seen on the chatbox.
func (s *Session) RememberUser(nickname string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(nickname)] = chatbox.UserIDAndNickname{UserID: userID, Nickname: nickname}
}

func (s *Session) cachedUser(name string) (chatbox.UserIDAndNickname, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.ToLower(name)]
	return u, ok
}

// ErrUserNotFound is returned by LookupUser for unknown names.
var ErrUserNotFound = errors.New("user not found")

// LookupUser resolves a case-insensitive nickname to the user's ID and
// canonical spelling, asking the forum if the name was never seen.
func (s *Session) LookupUser(ctx context.Context, name string) (chatbox.UserIDAndNickname, error) {
	if u, ok := s.cachedUser(name); ok {
		return u, nil
	}
	if len([]rune(name)) < minUsernameLength {
		return chatbox.UserIDAndNickname{}, ErrUserNotFound
	}

	result, err := s.Ajax(ctx, "usersearch", urlenc.Form{{Key: "fragment", Value: name}})
	if err != nil {
		return chatbox.UserIDAndNickname{}, fmt.Errorf("search user %q: %w", name, err)
	}

	lower := strings.ToLower(name)
	for _, user := range result.ChildrenNamed("user") {
		idText, ok := user.Attr("userid")
		if !ok {
			continue
		}
		nick := user.Text()
		if strings.ToLower(nick) != lower {
			continue
		}
		var id int64
		if _, err := fmt.Sscan(idText, &id); err != nil {
			s.logger.Warn("Ignoring user search result with bad ID", "userid", idText)
			continue
		}
		s.RememberUser(nick, id)
		return chatbox.UserIDAndNickname{UserID: id, Nickname: nick}, nil
	}
	return chatbox.UserIDAndNickname{}, ErrUserNotFound
}
