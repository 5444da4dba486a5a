// Package outbound posts and edits chatbox messages on behalf of handlers.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"vbcb-bot/bbcode"
	"vbcb-bot/session"
	"vbcb-bot/urlenc"

	"golang.org/x/text/encoding"
)

// DefaultMaxMarks is how many combining marks a single character may carry.
const DefaultMaxMarks = 4

var errUnexpectedResponse = errors.New("unexpected response to post")

// Session is the forum connection messages are posted through.
type Session interface {
	PostRaw(ctx context.Context, path, encoded string) (string, error)
	Recover(ctx context.Context, op string, call func(ctx context.Context) error) error
	Token() string
	Charset() encoding.Encoding
	Smilies() *bbcode.Smilies
}

// Options adjust a single send or edit. The zero value applies the quiet
// period and the filters and leaves custom smiley codes alone.
type Options struct {
	BypassQuietPeriod       bool
	BypassFilters           bool
	SubstituteCustomSmileys bool
}

// Sender is safe for concurrent use.
type Sender struct {
	session  Session
	logger   *slog.Logger
	custom   *strings.Replacer
	maxMarks int
	now      func() time.Time

	mu         sync.RWMutex
	quietUntil time.Time
}

// New creates a sender. custom lists the operator's own smileys, which are
// posted as icons when a call asks for it.
func New(sess Session, custom []bbcode.SmileyDef, logger *slog.Logger) *Sender {
	return &Sender{
		session:  sess,
		logger:   logger,
		custom:   customReplacer(custom),
		maxMarks: DefaultMaxMarks,
		now:      time.Now,
	}
}

// SetQuietUntil suppresses outbound messages until t. A zero t lifts the
// quiet period.
func (s *Sender) SetQuietUntil(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quietUntil = t
	s.logger.Info("Quiet period set", "until", t)
}

// QuietUntil returns the current quiet period deadline.
func (s *Sender) QuietUntil() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quietUntil
}

func (s *Sender) quiet() bool {
	return s.now().Before(s.QuietUntil())
}

// SendMessage posts a new chatbox message.
func (s *Sender) SendMessage(ctx context.Context, text string, opts Options) error {
	if !opts.BypassQuietPeriod && s.quiet() {
		s.logger.Debug("Quiet period active, not posting", "text", strconv.Quote(text))
		return nil
	}
	text = s.prepare(text, opts)
	s.logger.Debug("Posting message", "text", strconv.Quote(text))

	err := s.post(ctx, "send message", func(token, message string) string {
		return "do=cb_postnew&securitytoken=" + token + "&vsacb_newmessage=" + message
	}, text)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// EditMessage replaces the body of a message posted earlier.
func (s *Sender) EditMessage(ctx context.Context, messageID int64, text string, opts Options) error {
	if !opts.BypassQuietPeriod && s.quiet() {
		s.logger.Debug("Quiet period active, not editing", "message_id", messageID, "text", strconv.Quote(text))
		return nil
	}
	text = s.prepare(text, opts)
	s.logger.Debug("Editing message", "message_id", messageID, "text", strconv.Quote(text))

	id := strconv.FormatInt(messageID, 10)
	err := s.post(ctx, "edit message", func(token, message string) string {
		return "do=vsacb_editmessage&s=&securitytoken=" + token + "&id=" + id + "&vsacb_editmessage=" + message
	}, text)
	if err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

func (s *Sender) prepare(text string, opts Options) string {
	if opts.SubstituteCustomSmileys && s.custom != nil {
		text = s.custom.Replace(text)
	}
	if !opts.BypassFilters {
		text = FilterCombiningMarkClusters(text, s.maxMarks)
	}
	return text
}

// post sends the request built by body. The token is read on every attempt
// so that a refresh by the retry ladder takes effect.
func (s *Sender) post(ctx context.Context, op string, body func(token, message string) string, text string) error {
	charset := s.session.Charset()
	message := urlenc.Encode(text, charset, false)

	return s.session.Recover(ctx, op, func(ctx context.Context) error {
		token := urlenc.Encode(s.session.Token(), charset, false)
		resp, err := s.session.PostRaw(ctx, session.PathPostEdit, body(token, message))
		if err != nil {
			s.logger.Warn("Posting failed, dropping message", "op", op, "error", err)
			return session.Permanent(err)
		}
		if len(resp) != 0 {
			return fmt.Errorf("%w: %d bytes", errUnexpectedResponse, len(resp))
		}
		return nil
	})
}

// Escape makes text post literally, using the forum's current smilies.
func (s *Sender) Escape(text string) string {
	return EscapeOutgoingText(text, s.session.Smilies())
}

// FilterCombiningMarkClusters drops nonspacing marks beyond maxMarks in a
// row. Format characters are kept and do not end a run.
func FilterCombiningMarkClusters(text string, maxMarks int) string {
	var b strings.Builder
	b.Grow(len(text))
	marks := 0

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Mn, r):
			marks++
			if marks <= maxMarks {
				b.WriteRune(r)
			}
		case unicode.Is(unicode.Cf, r):
			b.WriteRune(r)
		default:
			marks = 0
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SubstituteCustomSmileys replaces each custom code with an icon tag pointing
// at its image. Longer codes win over their prefixes.
func SubstituteCustomSmileys(text string, custom []bbcode.SmileyDef) string {
	r := customReplacer(custom)
	if r == nil {
		return text
	}
	return r.Replace(text)
}

func customReplacer(custom []bbcode.SmileyDef) *strings.Replacer {
	urls := make(map[string]string, len(custom))
	codes := make([]string, 0, len(custom))
	for _, d := range custom {
		if d.Code == "" {
			continue
		}
		if _, dup := urls[d.Code]; !dup {
			codes = append(codes, d.Code)
		}
		urls[d.Code] = d.URL
	}
	if len(codes) == 0 {
		return nil
	}
	bbcode.SortLongestFirst(codes)

	pairs := make([]string, 0, 2*len(codes))
	for _, code := range codes {
		pairs = append(pairs, code, "[icon]"+urls[code]+"[/icon]")
	}
	return strings.NewReplacer(pairs...)
}

// EscapeOutgoingText wraps opening brackets and smiley codes in noparse tags
// so the forum shows text exactly as given.
func EscapeOutgoingText(text string, smilies *bbcode.Smilies) string {
	return smilies.Pattern().ReplaceAllStringFunc(text, func(match string) string {
		if strings.HasPrefix(match, "[") && strings.Trim(match, "[") == "" {
			return bbcode.EscapeBrackets(match)
		}
		return "[noparse]" + match + "[/noparse]"
	})
}
