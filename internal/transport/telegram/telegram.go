// Package telegram implements platform.Adapter on the Telegram Bot API.
//
// Mapping notes:
//   - "channels" are forum topics inside the configured home chat
//   - "calendar events" are managed announcement messages in the
//     schedule channel (edited and deleted as the stream changes)
//   - listings are plain-text messages, optionally pinned
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"streambot/internal/platform"
	"streambot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Home is the chat where per-stream topics are created.
	Home platform.ChannelRef
	// Announce is where calendar announcement messages are posted.
	Announce platform.ChannelRef
}

const updateBuffer = 128

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out chan platform.Update

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Home.ChatID == 0 {
		return nil, errors.New("telegram home chat is required")
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
	return &Adapter{
		cfg: cfg,
		log: log,
		bot: b,
		out: make(chan platform.Update, updateBuffer),
	}, nil
}

func (a *Adapter) Updates() <-chan platform.Update { return a.out }

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		up := platform.Update{Message: toIncoming(m)}
		select {
		case a.out <- up:
		default:
			a.dropped.Add(1)
		}
		return nil
	})

	// Periodic summary instead of per-update drop logs.
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("incoming updates dropped (consumer slow)", logx.Any("count", n))
				}
			}
		}
	}()

	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("telegram polling started")
		a.bot.Start()
	}()

	return nil
}

// Stop halts polling and closes the update channel. Bounded by a small
// grace window so a hanging long-poll never stalls shutdown.
func (a *Adapter) Stop() {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.log.Info("telegram polling stopped")
	case <-time.After(2 * time.Second):
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
	close(a.out)
}

func toIncoming(m *tele.Message) *platform.IncomingMessage {
	msg := &platform.IncomingMessage{
		Channel:      platform.ChannelRef{ChatID: m.Chat.ID, ThreadID: int64(m.ThreadID)},
		MessageID:    int64(m.ID),
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
	}
	if r := m.ReplyTo; r != nil {
		msg.ReplyTo = platform.MessageRef{
			Channel:   platform.ChannelRef{ChatID: r.Chat.ID, ThreadID: int64(r.ThreadID)},
			MessageID: int64(r.ID),
		}
	}
	return msg
}

// ---- platform.Client ----

func (a *Adapter) Notify(ctx context.Context, ch platform.ChannelRef, n platform.Notice) error {
	if ch.IsZero() {
		return errors.New("no channel")
	}
	_, err := a.send(ch, renderNotice(n))
	return err
}

func (a *Adapter) NotifyMember(ctx context.Context, memberID int64, n platform.Notice) error {
	_, err := a.bot.Send(&tele.User{ID: memberID}, renderNotice(n))
	return err
}

func (a *Adapter) CreateChannel(ctx context.Context, name string) (platform.ChannelRef, error) {
	topic, err := a.bot.CreateTopic(&tele.Chat{ID: a.cfg.Home.ChatID}, &tele.Topic{Name: name})
	if err != nil {
		return platform.ChannelRef{}, fmt.Errorf("create topic: %w", err)
	}
	return platform.ChannelRef{ChatID: a.cfg.Home.ChatID, ThreadID: int64(topic.ThreadID)}, nil
}

func (a *Adapter) DeleteChannel(ctx context.Context, ch platform.ChannelRef) error {
	return a.bot.DeleteTopic(&tele.Chat{ID: ch.ChatID}, &tele.Topic{ThreadID: int(ch.ThreadID)})
}

func (a *Adapter) CreateCalendarEvent(ctx context.Context, e platform.CalendarEntry) (platform.EventRef, error) {
	if a.cfg.Announce.IsZero() {
		return platform.EventRef{}, errors.New("no announce channel configured")
	}
	msg, err := a.send(a.cfg.Announce, renderCalendar(e))
	if err != nil {
		return platform.EventRef{}, err
	}
	return platform.EventRef{ID: int64(msg.ID)}, nil
}

func (a *Adapter) UpdateCalendarEvent(ctx context.Context, ref platform.EventRef, e platform.CalendarEntry) error {
	_, err := a.bot.Edit(stored(a.cfg.Announce, ref.ID), renderCalendar(e))
	return err
}

func (a *Adapter) DeleteCalendarEvent(ctx context.Context, ref platform.EventRef) error {
	return a.bot.Delete(stored(a.cfg.Announce, ref.ID))
}

func (a *Adapter) ResolveMember(ctx context.Context, memberID int64) (platform.Member, bool, error) {
	cm, err := a.bot.ChatMemberOf(&tele.Chat{ID: a.cfg.Home.ChatID}, &tele.User{ID: memberID})
	if err != nil {
		return platform.Member{}, false, err
	}
	if cm == nil || cm.User == nil {
		return platform.Member{}, false, nil
	}
	name := cm.User.Username
	if name == "" {
		name = strings.TrimSpace(cm.User.FirstName + " " + cm.User.LastName)
	}
	return platform.Member{ID: memberID, Username: name}, true, nil
}

func (a *Adapter) RenderList(ctx context.Context, ch platform.ChannelRef, title string, items []platform.ListItem, opt platform.RenderOptions) (platform.MessageRef, error) {
	text := renderList(title, items, opt.Mention)

	if !opt.Replace.IsZero() {
		_, err := a.bot.Edit(stored(opt.Replace.Channel, opt.Replace.MessageID), text)
		if err != nil {
			return platform.MessageRef{}, err
		}
		return opt.Replace, nil
	}

	msg, err := a.send(ch, text)
	if err != nil {
		return platform.MessageRef{}, err
	}
	ref := platform.MessageRef{Channel: ch, MessageID: int64(msg.ID)}
	if opt.Pin {
		if err := a.bot.Pin(stored(ch, ref.MessageID)); err != nil {
			a.log.Warn("pin failed", logx.Int64("message", ref.MessageID), logx.Err(err))
		}
	}
	return ref, nil
}

func (a *Adapter) send(ch platform.ChannelRef, text string) (*tele.Message, error) {
	return a.bot.Send(&tele.Chat{ID: ch.ChatID}, text, &tele.SendOptions{
		ThreadID:              int(ch.ThreadID),
		DisableWebPagePreview: true,
	})
}

func stored(ch platform.ChannelRef, messageID int64) tele.StoredMessage {
	return tele.StoredMessage{
		ChatID:    ch.ChatID,
		MessageID: strconv.FormatInt(messageID, 10),
	}
}

func renderNotice(n platform.Notice) string {
	var b strings.Builder
	switch n.Severity {
	case platform.SeverityWarn:
		b.WriteString("⚠️ ")
	case platform.SeverityError:
		b.WriteString("\U0001f6d1 ")
	}
	if n.Title != "" {
		b.WriteString(n.Title)
		if n.Body != "" {
			b.WriteString("\n")
		}
	}
	b.WriteString(n.Body)
	return b.String()
}

func renderCalendar(e platform.CalendarEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\U0001f4c5 %s\n%s", e.Title, e.Start.Format("Mon, Jan 2 15:04 MST"))
	if !e.End.IsZero() {
		fmt.Fprintf(&b, " to %s", e.End.Format("15:04 MST"))
	}
	if e.Location != "" {
		fmt.Fprintf(&b, "\n%s", e.Location)
	}
	return b.String()
}

func renderList(title string, items []platform.ListItem, mention string) string {
	var b strings.Builder
	if mention != "" {
		b.WriteString(mention)
		b.WriteString("\n")
	}
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	for _, it := range items {
		b.WriteString("\n")
		b.WriteString(it.Name)
		if it.Value != "" {
			b.WriteString("\n")
			b.WriteString(it.Value)
		}
		b.WriteString("\n")
	}
	return b.String()
}
