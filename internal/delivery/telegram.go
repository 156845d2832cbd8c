package delivery

import (
	"context"
	"path"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"artifactd/internal/schedule"
	logx "artifactd/pkg/logx"
)

// TelegramConfig configures the Telegram sender.
type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
}

// TelegramSender posts the artifact as a document to a chat. The target
// address is the numeric chat ID.
type TelegramSender struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegramSender(cfg TelegramConfig, log logx.Logger) (*TelegramSender, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramSender{bot: b, log: log}, nil
}

func (s *TelegramSender) Type() schedule.TargetType { return schedule.TargetTelegram }

func (s *TelegramSender) Send(ctx context.Context, req Request) error {
	chatID, err := strconv.ParseInt(req.Target.Address, 10, 64)
	if err != nil {
		return schedule.MarkPermanent(errors.Newf("telegram target %q is not a chat ID", req.Target.Address))
	}

	rc, err := req.Open()
	if err != nil {
		return errNoPayload
	}
	defer rc.Close()

	doc := &tele.Document{
		File:     tele.FromReader(rc),
		FileName: path.Base(req.Artifact.Location),
		Caption:  req.Schedule.Name,
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(tele.ChatID(chatID), doc)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return schedule.MarkTransient(err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Debug("telegram document sent",
		logx.Int64("chat", chatID),
		logx.String("artifact", req.Artifact.ID))
	return nil
}
