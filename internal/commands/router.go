// Package commands routes chat commands to the rotation service. The
// router consumes the adapter's update stream sequentially; domain
// serialization lives in the service, not here.
package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"streambot/internal/audit"
	"streambot/internal/errs"
	"streambot/internal/platform"
	"streambot/internal/rotation"
	"streambot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Usage       string
	// HostOnly restricts the command to configured hosts.
	HostOnly bool
	Handle   HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Msg   platform.IncomingMessage
	Args  []string
	ReqID string
	Log   logx.Logger

	router *Router
}

// Reply sends an informational response to the channel the command came
// from. Best-effort.
func (r *Request) Reply(ctx context.Context, body string) {
	r.router.reply(ctx, r.Msg.Channel, platform.Notice{Body: body})
}

// Fail replies with a warning and returns a Warning error so the router
// logs the rejection at low severity without reporting it twice.
func (r *Request) Fail(ctx context.Context, body string) error {
	r.router.reply(ctx, r.Msg.Channel, platform.Notice{Body: body, Severity: platform.SeverityWarn})
	return errs.Warn(body)
}

type Router struct {
	log    logx.Logger
	client platform.Client
	svc    *rotation.Service
	audits audit.Log

	cmds  map[string]Command
	order []string
}

func NewRouter(svc *rotation.Service, client platform.Client, audits audit.Log, log logx.Logger) *Router {
	r := &Router{
		log:    log,
		client: client,
		svc:    svc,
		audits: audits,
		cmds:   map[string]Command{},
	}
	r.registerAll()
	return r
}

func (r *Router) register(c Command) {
	r.cmds[c.Name] = c
	r.order = append(r.order, c.Name)
}

// Run consumes updates until the channel closes or ctx is cancelled.
func (r *Router) Run(ctx context.Context, updates <-chan platform.Update) {
	r.log.Info("command router started", logx.Int("commands", len(r.cmds)))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("command router stopped")
			return
		case up, ok := <-updates:
			if !ok {
				r.log.Info("command router stopped (updates closed)")
				return
			}
			if up.Message != nil {
				r.dispatch(ctx, *up.Message)
			}
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg platform.IncomingMessage) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	// strip the @botname suffix Telegram appends in groups
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	cmd, ok := r.cmds[word]
	if !ok {
		return
	}

	req := &Request{
		Msg:    msg,
		Args:   parts[1:],
		ReqID:  uuid.NewString(),
		router: r,
	}
	req.Log = r.log.With(
		logx.String("rid", req.ReqID),
		logx.String("cmd", cmd.Name),
		logx.Int64("from", msg.FromID),
	)

	if cmd.HostOnly && !r.svc.IsHost(msg.FromID) {
		req.Log.Warn("command denied (not a host)")
		r.reply(ctx, msg.Channel, platform.Notice{Body: "Only approved hosts can do that.", Severity: platform.SeverityWarn})
		return
	}

	start := time.Now()
	err := r.runSafely(ctx, cmd, req)
	took := time.Since(start)

	switch {
	case err == nil:
		req.Log.Info("command done", logx.Duration("took", took))
	case errs.IsWarning(err):
		req.Log.Warn("command rejected", logx.Err(err), logx.Duration("took", took))
	default:
		req.Log.Error("command failed", logx.Err(err), logx.Duration("took", took))
		r.reply(ctx, msg.Channel, platform.Notice{Body: "Something went wrong, please try again.", Severity: platform.SeverityError})
	}

	entry := audit.Entry{
		ID:            req.ReqID,
		ActorID:       msg.FromID,
		ActorUsername: msg.FromUsername,
		Action:        cmd.Name,
		TookMS:        took.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if aerr := r.audits.Append(ctx, entry); aerr != nil {
		req.Log.Warn("audit append failed", logx.Err(aerr))
	}
}

func (r *Router) runSafely(ctx context.Context, cmd Command, req *Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			req.Log.Error("panic in command handler",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return cmd.Handle(ctx, req)
}

func (r *Router) reply(ctx context.Context, ch platform.ChannelRef, n platform.Notice) {
	if err := r.client.Notify(ctx, ch, n); err != nil {
		r.log.Warn("reply failed", logx.Err(err))
	}
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range r.order {
		c := r.cmds[name]
		fmt.Fprintf(&b, "%s", c.Usage)
		if c.Description != "" {
			fmt.Fprintf(&b, " - %s", c.Description)
		}
		if c.HostOnly {
			b.WriteString(" (hosts)")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
