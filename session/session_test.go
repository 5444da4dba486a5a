package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vbcb-bot/bbcode"
	"vbcb-bot/urlenc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smiliesPage = `<html><body><ul>
<li class="smiliebit"><div class="smilieimage"><img src="images/smilies/smile.png"></div><div class="smilietext">:)</div></li>
<li class="smiliebit"><div class="smilieimage"><img src="images/smilies/frown.png"></div><div class="smilietext">:(</div></li>
</ul></body></html>`

// fakeForum records the requests it receives in order.
type fakeForum struct {
	mu          sync.Mutex
	events      []string
	tokens      int
	smilies     string
	ajax        func(r *http.Request) (int, string)
	lastLogin   string
	lastAjax    string
	sawCookieOn []string
}

func newFakeForum(t *testing.T) (*fakeForum, *httptest.Server) {
	f := &fakeForum{smilies: smiliesPage}
	mux := http.NewServeMux()

	mux.HandleFunc("/login.php", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.record("login")
		f.mu.Lock()
		f.lastLogin = string(body)
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "bbsessionhash", Value: "abc", Path: "/"})
	})
	mux.HandleFunc("/faq.php", func(w http.ResponseWriter, r *http.Request) {
		f.record("faq")
		if _, err := r.Cookie("bbsessionhash"); err == nil {
			f.mu.Lock()
			f.sawCookieOn = append(f.sawCookieOn, "faq")
			f.mu.Unlock()
		}
		f.mu.Lock()
		f.tokens++
		token := fmt.Sprintf("tok-%d", f.tokens)
		f.mu.Unlock()
		fmt.Fprintf(w, `<html><body><input type="hidden" name="securitytoken" value="%s"></body></html>`, token)
	})
	mux.HandleFunc("/misc.php", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("do") == "showsmilies" {
			f.record("smilies")
			f.mu.Lock()
			page := f.smilies
			f.mu.Unlock()
			fmt.Fprint(w, page)
			return
		}
		f.record("misc")
	})
	mux.HandleFunc("/ajax.php", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.record("ajax")
		f.mu.Lock()
		f.lastAjax = string(body)
		handler := f.ajax
		f.mu.Unlock()
		status, out := http.StatusOK, ""
		if handler != nil {
			status, out = handler(r)
		}
		w.WriteHeader(status)
		fmt.Fprint(w, out)
	})
	mux.HandleFunc("/broken.php", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/latin.php", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("caf\xe9"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeForum) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeForum) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeForum) setAjax(h func(r *http.Request) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ajax = h
}

func (f *fakeForum) snapshot() (login, ajax string, cookies []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLogin, f.lastAjax, append([]string(nil), f.sawCookieOn...)
}

func (f *fakeForum) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	s, err := New(Config{
		BaseURL:       srv.URL,
		Username:      "bot",
		Password:      "s3cret & more",
		Timeout:       5 * time.Second,
		RetryDelay:    time.Millisecond,
		CustomSmilies: []bbcode.SmileyDef{{Code: ":party:", URL: "http://cdn.example.org/party.gif"}},
	}, testLogger())
	require.NoError(t, err)
	return s
}

func TestLogin(t *testing.T) {
	forum, srv := newFakeForum(t)
	s := newTestSession(t, srv)

	require.NoError(t, s.Login(context.Background()))

	assert.Equal(t, []string{"login", "faq", "smilies"}, forum.recorded())
	assert.Equal(t, "tok-1", s.Token())
	login, _, cookies := forum.snapshot()
	assert.Contains(t, login, "vb_login_username=bot")
	assert.Contains(t, login, "vb_login_password=s3cret%20%26%20more")
	assert.Contains(t, login, "cookieuser=1")
	assert.Contains(t, login, "do=login")
	assert.Equal(t, []string{"faq"}, cookies)

	table := s.Smilies()
	assert.Equal(t, 3, table.Len())
	code, ok := table.Code("images/smilies/smile.png")
	require.True(t, ok)
	assert.Equal(t, ":)", code)
	_, ok = table.URL(":party:")
	assert.True(t, ok)
}

func TestUpdateSmiliesKeepsTableOnEmptyPage(t *testing.T) {
	forum, srv := newFakeForum(t)
	s := newTestSession(t, srv)
	require.NoError(t, s.Login(context.Background()))
	before := s.Smilies()

	forum.mu.Lock()
	forum.smilies = "<html><body></body></html>"
	forum.mu.Unlock()

	require.NoError(t, s.UpdateSmilies(context.Background()))
	assert.Same(t, before, s.Smilies())
}

func TestRecoverLadder(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantCalls int
		wantTrail []string
		wantErr   bool
	}{
		{
			name:      "succeeds at once",
			failures:  0,
			wantCalls: 1,
			wantTrail: []string{"call"},
		},
		{
			name:      "token refresh suffices",
			failures:  1,
			wantCalls: 2,
			wantTrail: []string{"call", "faq", "call"},
		},
		{
			name:      "login suffices",
			failures:  2,
			wantCalls: 3,
			wantTrail: []string{"call", "faq", "call", "login", "faq", "smilies", "call"},
		},
		{
			name:      "gives up after login",
			failures:  100,
			wantCalls: 3,
			wantTrail: []string{"call", "faq", "call", "login", "faq", "smilies", "call"},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forum, srv := newFakeForum(t)
			s := newTestSession(t, srv)

			calls := 0
			err := s.Recover(context.Background(), "test op", func(context.Context) error {
				calls++
				forum.record("call")
				if calls <= tt.failures {
					return errors.New("still broken")
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantTrail, forum.recorded())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsTransferError(err))
			var te *TransferError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, "test op", te.Op)
			assert.EqualError(t, te.Err, "still broken")
		})
	}
}

func TestRecoverSurvivesFailingRefresh(t *testing.T) {
	_, srv := newFakeForum(t)
	s := newTestSession(t, srv)
	srv.Close()

	calls := 0
	err := s.Recover(context.Background(), "offline", func(context.Context) error {
		calls++
		return errors.New("offline")
	})
	assert.Equal(t, 3, calls)
	assert.True(t, IsTransferError(err))
}

func TestRecoverPermanent(t *testing.T) {
	forum, srv := newFakeForum(t)
	s := newTestSession(t, srv)

	cause := errors.New("connection reset")
	calls := 0
	err := s.Recover(context.Background(), "send", func(context.Context) error {
		calls++
		return Permanent(cause)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsTransferError(err))
	assert.Empty(t, forum.recorded())
}

func TestRecoverCancelled(t *testing.T) {
	_, srv := newFakeForum(t)
	s := newTestSession(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Recover(ctx, "cancelled", func(context.Context) error {
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.False(t, IsTransferError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLookupUser(t *testing.T) {
	forum, srv := newFakeForum(t)
	forum.setAjax(func(*http.Request) (int, string) {
		return http.StatusOK, `<?xml version="1.0" encoding="windows-1252"?>` +
			`<users><user userid="43">Ondrej</user><user userid="42">Ondra</user><user>Ondra2</user></users>`
	})
	s := newTestSession(t, srv)
	require.NoError(t, s.FetchToken(context.Background()))
	forum.reset()

	user, err := s.LookupUser(context.Background(), "ONDRA")
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.UserID)
	assert.Equal(t, "Ondra", user.Nickname)
	_, ajax, _ := forum.snapshot()
	assert.Contains(t, ajax, "securitytoken=tok-1")
	assert.Contains(t, ajax, "do=usersearch")
	assert.Contains(t, ajax, "fragment=ONDRA")

	again, err := s.LookupUser(context.Background(), "ondra")
	require.NoError(t, err)
	assert.Equal(t, user, again)
	assert.Equal(t, []string{"ajax"}, forum.recorded())

	_, err = s.LookupUser(context.Background(), "ab")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.LookupUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLookupUserUsesScrapedNames(t *testing.T) {
	forum, srv := newFakeForum(t)
	s := newTestSession(t, srv)

	s.RememberUser("Xy", 5)
	user, err := s.LookupUser(context.Background(), "xY")
	require.NoError(t, err)
	assert.Equal(t, int64(5), user.UserID)
	assert.Empty(t, forum.recorded())
}

func TestAjaxEmptyBodyEscalates(t *testing.T) {
	forum, srv := newFakeForum(t)
	s := newTestSession(t, srv)

	_, err := s.Ajax(context.Background(), "usersearch", urlenc.Form{{Key: "fragment", Value: "someone"}})
	require.Error(t, err)
	assert.True(t, IsTransferError(err))

	ajaxCalls := 0
	for _, e := range forum.recorded() {
		if e == "ajax" {
			ajaxCalls++
		}
	}
	assert.Equal(t, 3, ajaxCalls)
}

func TestAjaxMalformedXMLEscalates(t *testing.T) {
	forum, srv := newFakeForum(t)
	forum.setAjax(func(*http.Request) (int, string) {
		return http.StatusOK, "<users><user"
	})
	s := newTestSession(t, srv)

	_, err := s.Ajax(context.Background(), "usersearch", nil)
	assert.True(t, IsTransferError(err))
}

func TestGetStatusError(t *testing.T) {
	_, srv := newFakeForum(t)
	s := newTestSession(t, srv)

	_, err := s.Get(context.Background(), "broken.php")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.False(t, IsStatus(err, http.StatusNotFound))
}

func TestGetDecodesCharset(t *testing.T) {
	_, srv := newFakeForum(t)
	s := newTestSession(t, srv)

	page, err := s.Get(context.Background(), "latin.php")
	require.NoError(t, err)
	assert.Equal(t, "café", page)
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New(Config{BaseURL: "forum/"}, testLogger())
	assert.Error(t, err)
}

func TestURL(t *testing.T) {
	s, err := New(Config{BaseURL: "https://forum.example.org/board"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "https://forum.example.org/board/misc.php?show=ccbmessages", s.URL(PathMessages))
	assert.True(t, strings.HasSuffix(s.URL(PathLogin), "/board/login.php?do=login"))
}
