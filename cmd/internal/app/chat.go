package app

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/wsclient"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
)

// ErrNoName is returned when stdin ends before a display name was entered.
var ErrNoName = errors.New("chat: no name entered")

// ChatConfig configures the terminal chat client.
type ChatConfig struct {
	URL      string
	Origin   string
	AuthURL  string
	ClientID string
	Channel  string
	LogLevel string
	Color    bool
}

// LoadChatConfig reads HUDDLE_CHAT_* env vars; flags in args override them.
func LoadChatConfig(args []string) (ChatConfig, error) {
	cfg := ChatConfig{
		URL:      EnvString("HUDDLE_CHAT_URL", "ws://127.0.0.1:8080/ws"),
		Origin:   EnvString("HUDDLE_CHAT_ORIGIN", "http://localhost"),
		AuthURL:  EnvString("HUDDLE_CHAT_AUTH_URL", ""),
		ClientID: EnvString("HUDDLE_CHAT_CLIENT_ID", ""),
		Channel:  EnvString("HUDDLE_CHAT_CHANNEL", chat.DefaultChannel),
		LogLevel: EnvString("HUDDLE_LOG_LEVEL", "warn"),
		Color:    EnvBool("HUDDLE_CHAT_COLOR", !color.NoColor),
	}

	fs := flag.NewFlagSet("huddle-chat", flag.ContinueOnError)
	fs.StringVar(&cfg.URL, "url", cfg.URL, "WebSocket URL of the huddle server")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "Origin header sent on the handshake")
	fs.StringVar(&cfg.AuthURL, "auth-url", cfg.AuthURL, "token endpoint (empty: anonymous)")
	fs.StringVar(&cfg.ClientID, "name", cfg.ClientID, "display name (prompted when empty)")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "channel to join")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level for stderr")
	fs.BoolVar(&cfg.Color, "color", cfg.Color, "colored output")
	if err := fs.Parse(args); err != nil {
		return ChatConfig{}, err
	}
	return cfg, nil
}

// RunChat is the CLI entrypoint used by cmd/huddle-chat.
func RunChat(args []string) error {
	cfg, err := LoadChatConfig(args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return runChat(ctx, cfg, os.Stdin, os.Stdout, os.Stderr)
}

// chatInput is the part of a chat session the terminal drives.
type chatInput interface {
	PublishMessage(text string)
	SendTypingNotification(typing bool)
	Disconnect()
	Reconnect()
}

func runChat(ctx context.Context, cfg ChatConfig, stdin io.Reader, stdout, stderr io.Writer) error {
	sc := bufio.NewScanner(stdin)

	name := strings.TrimSpace(cfg.ClientID)
	if name == "" {
		n, err := promptName(sc, stdout)
		if err != nil {
			return err
		}
		name = n
	}

	log := slog.New(newHandler(stderr, cfg.LogLevel, "pretty", cfg.Color))

	loop := wsclient.NewLoop()
	provider, err := wsclient.NewProvider(loop, wsclient.Options{
		URL:    cfg.URL,
		Origin: cfg.Origin,
		Logger: log,
	})
	if err != nil {
		return err
	}

	obs := newTerminalObserver(stdout, name, cfg.Color)
	session, err := chat.NewSession(
		chat.SessionConfig{ClientID: name, AuthURL: cfg.AuthURL, Channel: cfg.Channel, LogLevel: cfg.LogLevel},
		provider,
		chat.WithLogger(log),
		chat.WithObserver(obs),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	loop.Post(session.Connect)
	obs.printf("-- joined as %s; /quit to leave\n", name)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-gctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		defer cancel()

		lifecycle := lifecycleSignals()
		defer signal.Stop(lifecycle.ch)

		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-lifecycle.ch:
				switch lifecycle.action(sig) {
				case lifecycleBackground:
					loop.Post(session.Disconnect)
				case lifecycleForeground:
					loop.Post(session.Reconnect)
				}
			case line, ok := <-lines:
				if !ok || strings.TrimSpace(line) == "/quit" {
					leave(loop, session)
					return nil
				}
				loop.Post(func() { handleInput(session, line) })
			}
		}
	})

	return g.Wait()
}

// leave disconnects on the loop so the server sees a clean close before exit.
func leave(loop *wsclient.Loop, s chatInput) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = loop.Call(ctx, s.Disconnect)
}

// handleInput applies one line of terminal input. It runs on the session loop.
func handleInput(s chatInput, line string) {
	text := strings.TrimSpace(line)
	switch text {
	case "":
		return
	case "/typing":
		s.SendTypingNotification(true)
		return
	case "/idle":
		s.SendTypingNotification(false)
		return
	case "/background":
		s.Disconnect()
		return
	case "/foreground":
		s.Reconnect()
		return
	}

	s.SendTypingNotification(true)
	s.PublishMessage(text)
	s.SendTypingNotification(false)
}

func promptName(sc *bufio.Scanner, w io.Writer) (string, error) {
	for {
		fmt.Fprint(w, "Your name: ")
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", ErrNoName
		}
		if name := strings.TrimSpace(sc.Text()); name != "" {
			return name, nil
		}
	}
}

// ---- observer ----

// terminalObserver prints session events. It is only called on the session loop.
type terminalObserver struct {
	w       io.Writer
	self    string
	colored bool

	typing string
}

func newTerminalObserver(w io.Writer, self string, colored bool) *terminalObserver {
	return &terminalObserver{w: w, self: self, colored: colored}
}

func (o *terminalObserver) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(o.w, format, args...)
}

func (o *terminalObserver) ConnectionStateChanged(change chat.ConnectionStateChange) {
	line := "-- connection: " + colorizeConnState(change.Current.String(), o.colored)
	if change.Reason != nil {
		line += " (" + change.Reason.Error() + ")"
	}
	o.printf("%s\n", line)
}

func (o *terminalObserver) HistoryLoading() {
	o.printf("%s\n", applyDim("-- loading history", o.colored))
}

func (o *terminalObserver) HistoryLoaded(items []chat.HistoryItem) {
	o.printf("%s\n", applyDim(fmt.Sprintf("-- history (%d)", len(items)), o.colored))
	for _, it := range items {
		switch v := it.(type) {
		case chat.Message:
			o.printf("%s\n", o.formatMessage(v))
		case chat.PresenceMessage:
			o.printf("%s\n", applyDim(o.formatPresence(v), o.colored))
		}
	}
}

func (o *terminalObserver) MessageSendFinished() {}

func (o *terminalObserver) MessageReceived(msg chat.Message) {
	o.printf("%s\n", o.formatMessage(msg))
}

func (o *terminalObserver) Error(err error) {
	o.printf("%s\n", paint("!! "+err.Error(), o.colored, color.FgRed))
}

func (o *terminalObserver) MembersUpdated(members []chat.PresenceMessage, trigger chat.PresenceMessage) {
	switch trigger.Action {
	case chat.PresenceEnter, chat.PresenceLeave:
		if trigger.ClientID != o.self {
			o.printf("%s\n", applyDim(o.formatPresence(trigger), o.colored))
		}
	}

	typing := typingLine(members, o.self)
	if typing != o.typing {
		o.typing = typing
		if typing != "" {
			o.printf("%s\n", paint("-- "+typing, o.colored, color.Italic))
		}
	}
}

func (o *terminalObserver) formatMessage(m chat.Message) string {
	who := m.Name
	if who == "" {
		who = m.ClientID
	}
	attr := color.FgCyan
	if who == o.self {
		attr = color.FgGreen
	}
	return fmt.Sprintf("[%s] %s: %s", clock(m.Timestamp), paint(who, o.colored, attr, color.Bold), m.Text)
}

func (o *terminalObserver) formatPresence(p chat.PresenceMessage) string {
	verb := "updated"
	switch p.Action {
	case chat.PresenceEnter:
		verb = "entered"
	case chat.PresenceLeave:
		verb = "left"
	case chat.PresencePresent:
		verb = "is here"
	}
	return fmt.Sprintf("[%s] %s %s", clock(p.Timestamp), p.ClientID, verb)
}

// typingLine names the other members currently typing, or returns "".
func typingLine(members []chat.PresenceMessage, self string) string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range members {
		if !m.Data.IsTyping || m.ClientID == self || seen[m.ClientID] {
			continue
		}
		seen[m.ClientID] = true
		names = append(names, m.ClientID)
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	default:
		return strings.Join(names, ", ") + " are typing"
	}
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}
