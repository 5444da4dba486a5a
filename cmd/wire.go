package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"vbcb-bot/config"
	"vbcb-bot/decompiler"
	"vbcb-bot/dispatch"
	"vbcb-bot/outbound"
	"vbcb-bot/pkg/chatbox"
	"vbcb-bot/poll"
	"vbcb-bot/server"
	"vbcb-bot/session"
)

type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	session    *session.Session
	dispatcher *dispatch.Dispatcher
	monitor    *poll.Monitor
	sender     *outbound.Sender
	server     *server.Server
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func wireApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	charset, err := cfg.Charset()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	sess, err := session.New(session.Config{
		BaseURL:       cfg.Forum.URL,
		Username:      cfg.Forum.Username,
		Password:      cfg.Forum.Password,
		Timeout:       cfg.Forum.Timeout,
		Charset:       charset,
		CustomSmilies: cfg.Smilies,
		RetryDelay:    cfg.Forum.RetryDelay,
	}, logger.With("component", "session"))
	if err != nil {
		return nil, fmt.Errorf("wire session: %w", err)
	}

	dec := decompiler.New(sess, cfg.TexPrefix, logger.With("component", "decompiler"))
	dispatcher := dispatch.New(logger.With("component", "dispatch"))
	monitor := poll.New(sess, dispatcher, dec, poll.Config{
		Interval:    cfg.Poll.Interval,
		MaxPenalty:  cfg.Poll.MaxPenalty,
		DSTMinute:   cfg.Poll.DSTMinute,
		BannedUsers: cfg.Poll.BannedUsers,
		Location:    loc,
	}, logger.With("component", "poll"))
	sender := outbound.New(sess, cfg.Smilies, logger.With("component", "outbound"))

	a := &app{
		cfg:        cfg,
		logger:     logger,
		session:    sess,
		dispatcher: dispatcher,
		monitor:    monitor,
		sender:     sender,
		server: server.New(&server.Config{
			Monitor: monitor,
			Quieter: sender,
			Logger:  logger.With("component", "server"),
		}),
	}
	dispatcher.Subscribe("log", dispatch.SkipInitialSalvo(a.logMessage))
	return a, nil
}

// logMessage records live chat traffic.
func (a *app) logMessage(_ context.Context, msg *chatbox.Message, _, isEdited, isBanned bool) error {
	a.logger.Info("Chat message",
		"message_id", msg.ID,
		"user", msg.UserName(),
		"user_id", msg.UserID,
		"edited", isEdited,
		"banned", isBanned,
		"body", msg.BodyBBCode())
	return nil
}
