// Package poll watches the chatbox and reports new and edited messages.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"vbcb-bot/pkg/chatbox"
	"vbcb-bot/scraper"
	"vbcb-bot/session"
	"vbcb-bot/urlenc"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultInterval = 5 * time.Second

// Session is the forum connection the monitor polls through.
type Session interface {
	Get(ctx context.Context, path string) (string, error)
	PostForm(ctx context.Context, path string, form urlenc.Form) (string, error)
	Recover(ctx context.Context, op string, call func(ctx context.Context) error) error
	RememberUser(nickname string, userID int64)
}

// Dispatcher receives every new or edited message.
type Dispatcher interface {
	Distribute(ctx context.Context, msg chatbox.Distribution)
}

// Config tunes the monitor.
type Config struct {
	// Interval is the pause between two polls when all is well.
	Interval time.Duration
	// MaxPenalty caps the backoff multiplier; 0 leaves it uncapped.
	MaxPenalty int
	// DSTMinute is the minute of each UTC hour from which the daylight
	// saving check may run.
	DSTMinute int
	// BannedUsers are nicknames whose messages are flagged, case-insensitively.
	BannedUsers []string
	// Location is the forum's display time zone. Nil means time.Local.
	Location *time.Location
}

// Status summarizes the monitor's recent activity.
type Status struct {
	LastPoll      time.Time `json:"last_poll"`
	LastError     string    `json:"last_error,omitempty"`
	LastMessageID int64     `json:"last_message_id"`
	Penalty       int       `json:"penalty"`
	Cycles        int64     `json:"cycles"`
}

// Monitor polls the chatbox and hands changes to a Dispatcher.
type Monitor struct {
	session    Session
	dispatcher Dispatcher
	decompiler chatbox.Decompiler
	logger     *slog.Logger

	interval   time.Duration
	maxPenalty int
	dstMinute  int
	banned     map[string]struct{}
	loc        *time.Location

	now         func() time.Time
	localOffset func(time.Time) float64

	// dispatchMu keeps a cycle's distribution and injected messages from
	// interleaving.
	dispatchMu sync.Mutex

	// mu guards the diff state. Handlers run without it.
	mu            sync.Mutex
	history       map[int64]string
	lastMessageID int64
	initialSalvo  bool
	lastDSTHour   int

	statusMu sync.RWMutex
	status   Status
}

// New creates a monitor. Nothing is fetched until FetchNewMessages or Run.
func New(sess Session, dispatcher Dispatcher, decompiler chatbox.Decompiler, cfg Config, logger *slog.Logger) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	banned := make(map[string]struct{}, len(cfg.BannedUsers))
	for _, name := range cfg.BannedUsers {
		banned[strings.ToLower(name)] = struct{}{}
	}

	return &Monitor{
		session:       sess,
		dispatcher:    dispatcher,
		decompiler:    decompiler,
		logger:        logger,
		interval:      interval,
		maxPenalty:    cfg.MaxPenalty,
		dstMinute:     cfg.DSTMinute,
		banned:        banned,
		loc:           loc,
		now:           time.Now,
		localOffset:   utcOffsetHours,
		history:       make(map[int64]string),
		lastMessageID: -1,
		initialSalvo:  true,
		lastDSTHour:   -1,
		status:        Status{Penalty: 1, LastMessageID: -1},
	}
}

func utcOffsetHours(t time.Time) float64 {
	_, offset := t.Local().Zone()
	return float64(offset) / 3600
}

// LastMessageID is the highest message ID seen so far, -1 before the first
// successful poll.
func (m *Monitor) LastMessageID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMessageID
}

// Status returns a snapshot of the monitor's state.
func (m *Monitor) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

func (m *Monitor) isBanned(nick string) bool {
	_, ok := m.banned[strings.ToLower(nick)]
	return ok
}

// FetchNewMessages polls the chatbox once and distributes every message that
// is new or whose body changed since the previous poll, oldest first.
func (m *Monitor) FetchNewMessages(ctx context.Context) error {
	cycleID := uuid.NewString()
	logger := m.logger.With("cycle_id", cycleID)

	var messages []*chatbox.Message
	err := m.session.Recover(ctx, "fetch messages", func(ctx context.Context) error {
		page, err := m.session.Get(ctx, session.PathMessages)
		if err != nil {
			return err
		}
		parsed, err := scraper.ParseMessages(strings.NewReader(page), m.decompiler, m.loc, m.now())
		if err != nil {
			logger.Warn("Failed to parse messages page", "error", err)
			return err
		}
		messages = parsed
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	highWater := m.lastMessageID
	visible := make(map[int64]string, len(messages))
	var pending []chatbox.Distribution

	for _, msg := range messages {
		if msg.ID > highWater {
			highWater = msg.ID
		}

		nick := msg.UserName()
		m.session.RememberUser(nick, msg.UserID)

		body := msg.BodyHTML()
		visible[msg.ID] = body

		old, seen := m.history[msg.ID]
		if seen && old == body {
			continue
		}
		pending = append(pending, chatbox.Distribution{
			Message:        msg,
			IsInitialSalvo: m.initialSalvo,
			IsEdited:       seen,
			IsBanned:       m.isBanned(nick),
		})
	}
	m.history = visible
	initialSalvo := m.initialSalvo
	m.initialSalvo = false
	m.lastMessageID = highWater
	m.mu.Unlock()

	logger.Debug("Chatbox polled",
		"visible", len(messages),
		"changed", len(pending),
		"initial_salvo", initialSalvo,
		"last_message_id", highWater)

	// The page lists newest first.
	for i := len(pending) - 1; i >= 0; i-- {
		d := pending[i]
		logger.Info("Distributing message",
			"message_id", d.Message.ID,
			"user_id", d.Message.UserID,
			"edited", d.IsEdited,
			"banned", d.IsBanned,
			"initial_salvo", d.IsInitialSalvo)
		m.dispatcher.Distribute(ctx, d)
	}
	return nil
}

// Inject distributes a message that was not scraped from the chatbox, such
// as one relayed from another channel. It gets the ID after the highest one
// seen. Inject must not be called from within a handler.
func (m *Monitor) Inject(ctx context.Context, nickname string, userID int64, bodyHTML string) (*chatbox.Message, error) {
	body, err := chatbox.ParseFragment(bodyHTML)
	if err != nil {
		return nil, fmt.Errorf("inject message: %w", err)
	}
	nick := &html.Node{Type: html.ElementNode, Data: "span", DataAtom: atom.Span}
	nick.AppendChild(&html.Node{Type: html.TextNode, Data: nickname})

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	m.lastMessageID++
	id := m.lastMessageID
	m.mu.Unlock()

	msg := chatbox.NewMessage(id, userID, nick, body, m.now(), m.decompiler)
	m.logger.Info("Injecting message", "message_id", msg.ID, "user_id", userID)
	m.dispatcher.Distribute(ctx, chatbox.Distribution{Message: msg})
	return msg, nil
}

var errNoDSTOffset = errors.New("forum time zone offset not found")

// PotentialDSTFix tells the forum about a daylight saving change when it asks
// for one. It checks at most once per UTC hour, and only once the hour is
// past the configured minute.
func (m *Monitor) PotentialDSTFix(ctx context.Context) error {
	now := m.now()
	utc := now.UTC()

	m.mu.Lock()
	if utc.Hour() == m.lastDSTHour || utc.Minute() < m.dstMinute {
		m.mu.Unlock()
		return nil
	}
	m.lastDSTHour = utc.Hour()
	m.mu.Unlock()

	m.logger.Debug("Checking for DST update")

	page, err := m.session.Get(ctx, session.PathCheap)
	if err != nil {
		return fmt.Errorf("fetch dst prompt: %w", err)
	}
	form, err := scraper.ParseDSTForm(page)
	if err != nil {
		return fmt.Errorf("parse dst prompt: %w", err)
	}
	if form == nil {
		return nil
	}
	if !form.HasOffset {
		return errNoDSTOffset
	}

	local := m.localOffset(now)
	if math.Abs(math.Abs(form.ForumOffset-local)-1) < 0.01 {
		m.logger.Info("DST already correct", "forum_offset", form.ForumOffset, "local_offset", local)
		return nil
	}
	if !form.HasS {
		return errors.New("dst form lacks the session field")
	}

	_, err = m.session.PostForm(ctx, session.PathDST, urlenc.Form{
		{Key: "s", Value: form.S},
		{Key: "securitytoken", Value: form.SecurityToken},
		{Key: "do", Value: "dst"},
	})
	if err != nil {
		return fmt.Errorf("post dst update: %w", err)
	}
	m.logger.Info("DST updated", "forum_offset", form.ForumOffset, "local_offset", local)
	return nil
}

// Run polls until ctx is cancelled. A failed poll stretches the pause before
// the next one by one more interval; a successful poll resets it.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting chatbox monitor", "interval", m.interval.String(), "max_penalty", m.maxPenalty)
	penalty := 1

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping monitor", "error", ctx.Err())
			return nil
		default:
		}

		// Let an in-flight cycle finish even when shutdown begins.
		cycleCtx := context.WithoutCancel(ctx)

		err := m.FetchNewMessages(cycleCtx)
		if err != nil {
			m.logger.Warn("Polling chatbox failed", "penalty", penalty, "error", err)
		}
		penalty = nextPenalty(penalty, err == nil, m.maxPenalty)

		if dstErr := m.PotentialDSTFix(cycleCtx); dstErr != nil {
			m.logger.Warn("Potential DST fix failed", "error", dstErr)
		}

		m.recordCycle(err, penalty)

		timer := time.NewTimer(m.interval * time.Duration(penalty))
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Context cancelled, stopping monitor", "error", ctx.Err())
			return nil
		case <-timer.C:
		}
	}
}

func nextPenalty(penalty int, ok bool, maxPenalty int) int {
	if ok {
		return 1
	}
	penalty++
	if maxPenalty > 0 && penalty > maxPenalty {
		penalty = maxPenalty
	}
	return penalty
}

func (m *Monitor) recordCycle(err error, penalty int) {
	last := m.LastMessageID()

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status.LastPoll = m.now()
	m.status.LastMessageID = last
	m.status.Penalty = penalty
	m.status.Cycles++
	m.status.LastError = ""
	if err != nil {
		m.status.LastError = err.Error()
	}
}
