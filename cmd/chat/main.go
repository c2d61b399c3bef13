// Command chat is a terminal client for the chat gateway. It drives the
// session controller through a line-based REPL: plain input starts a
// streamed exchange, slash commands manage sessions and messages.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/purposechat/purposechat/internal/api"
	"github.com/purposechat/purposechat/internal/session"
	"github.com/purposechat/purposechat/internal/suggest"
)

const sideRequestWait = 20 * time.Second

func main() {
	cfgPath := flag.String("config", "chat.yaml", "path to the client config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.LogPath != "" {
		logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal(fmt.Errorf("error opening log file: %w", err))
		}
		defer logFile.Close()
		logger = slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	token := func() string { return cfg.Token }

	client := api.New(cfg.ServerURL, token, logger)

	ctrl := session.New(client, session.Options{
		Token:   token,
		Purpose: cfg.Purpose,
		OnEvent: printEvent,
		Logger:  logger,
	})

	ctx := context.Background()
	if err := ctrl.Load(ctx); err != nil {
		log.Fatal(fmt.Errorf("error loading sessions: %w", err))
	}

	sideRequests := suggest.NewService(client, logger)
	defer sideRequests.Close()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)

	repl{
		ctrl:         ctrl,
		sideRequests: sideRequests,
		interrupts:   interrupts,
	}.run(ctx)
}

func printEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventChunk:
		fmt.Print(ev.Text)
	case session.EventWarning:
		fmt.Fprintln(os.Stderr, "! "+ev.Text)
	}
}

type repl struct {
	ctrl         *session.Controller
	sideRequests *suggest.Service
	interrupts   chan os.Signal
}

func (r repl) run(ctx context.Context) {
	fmt.Println("purposechat - type a message, or /help for commands")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print(r.prompt())
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !r.dispatch(ctx, line) {
				return
			}
			continue
		}

		r.ctrl.Send(ctx, line)
		r.waitForStream()
	}
}

func (r repl) prompt() string {
	if active, ok := r.ctrl.ActiveSession(); ok {
		return fmt.Sprintf("[%s] > ", active.Title)
	}
	return "> "
}

// dispatch runs a slash command and reports whether the REPL should keep
// going.
func (r repl) dispatch(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return false

	case "/help":
		printHelp()

	case "/sessions":
		for i, s := range r.ctrl.Sessions() {
			fmt.Printf("%3d  %s  (%s)\n", i+1, s.Title, s.ID)
		}

	case "/open":
		id, ok := r.resolveSession(arg)
		if !ok {
			break
		}
		if err := r.ctrl.SelectSession(ctx, id); err != nil {
			fmt.Fprintln(os.Stderr, "! "+err.Error())
		}

	case "/new":
		r.ctrl.NewSession()

	case "/rename":
		active, ok := r.ctrl.ActiveSession()
		if !ok || arg == "" {
			fmt.Fprintln(os.Stderr, "! usage: /rename <title> (with an open session)")
			break
		}
		if err := r.ctrl.RenameSession(ctx, active.ID, arg); err != nil {
			fmt.Fprintln(os.Stderr, "! "+err.Error())
		}

	case "/delete":
		id, ok := r.resolveSession(arg)
		if !ok {
			break
		}
		if err := r.ctrl.DeleteSession(ctx, id); err != nil {
			fmt.Fprintln(os.Stderr, "! "+err.Error())
		}

	case "/system":
		active, ok := r.ctrl.ActiveSession()
		if !ok {
			fmt.Fprintln(os.Stderr, "! no open session")
			break
		}
		if err := r.ctrl.SetSystemPrompt(ctx, active.ID, arg); err != nil {
			fmt.Fprintln(os.Stderr, "! "+err.Error())
		}

	case "/purpose":
		r.ctrl.SetPurpose(arg)

	case "/messages":
		for i, m := range r.ctrl.Messages() {
			fmt.Printf("%3d  %-9s  %s\n", i+1, m.Role, m.Content)
		}

	case "/edit":
		numStr, text, _ := strings.Cut(arg, " ")
		id, ok := r.resolveMessage(numStr)
		if !ok {
			break
		}
		r.ctrl.EditMessage(ctx, id, strings.TrimSpace(text))
		r.waitForStream()

	case "/regen":
		id, ok := r.resolveMessage(arg)
		if !ok {
			break
		}
		r.ctrl.Regenerate(ctx, id)
		r.waitForStream()

	case "/stop":
		r.ctrl.Cancel()

	case "/suggest":
		delivered := make(chan []string, 1)
		r.sideRequests.InputChanged(arg, func(suggestions []string) { delivered <- suggestions })
		select {
		case suggestions := <-delivered:
			for _, s := range suggestions {
				fmt.Println("  - " + s)
			}
		case <-time.After(sideRequestWait):
			fmt.Fprintln(os.Stderr, "! no suggestions")
		}

	case "/improve":
		delivered := make(chan string, 1)
		r.sideRequests.PreviewImprovement(arg, func(improved string) { delivered <- improved })
		select {
		case improved := <-delivered:
			fmt.Println(improved)
		case <-time.After(sideRequestWait):
			fmt.Fprintln(os.Stderr, "! no improvement")
		}

	default:
		fmt.Fprintln(os.Stderr, "! unknown command, try /help")
	}

	return true
}

// waitForStream blocks until the active stream settles. An interrupt while
// streaming cancels the stream instead of exiting the program.
func (r repl) waitForStream() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for r.ctrl.Streaming() {
		select {
		case <-r.interrupts:
			r.ctrl.Cancel()
		case <-ticker.C:
		}
	}
	fmt.Println()
}

// resolveSession turns a 1-based list index or a raw id into a session id.
func (r repl) resolveSession(arg string) (string, bool) {
	if arg == "" {
		fmt.Fprintln(os.Stderr, "! expected a session number or id")
		return "", false
	}
	sessions := r.ctrl.Sessions()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(sessions) {
			fmt.Fprintln(os.Stderr, "! no such session")
			return "", false
		}
		return sessions[n-1].ID, true
	}
	return arg, true
}

// resolveMessage turns a 1-based history index or a raw id into a message id.
func (r repl) resolveMessage(arg string) (string, bool) {
	if arg == "" {
		fmt.Fprintln(os.Stderr, "! expected a message number or id")
		return "", false
	}
	messages := r.ctrl.Messages()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(messages) {
			fmt.Fprintln(os.Stderr, "! no such message")
			return "", false
		}
		return messages[n-1].ID, true
	}
	return arg, true
}

func printHelp() {
	fmt.Print(`commands:
  /sessions            list sessions
  /open <n|id>         open a session
  /new                 start a fresh session (created on first exchange)
  /rename <title>      rename the open session
  /delete <n|id>       delete a session
  /system <prompt>     set the open session's system prompt
  /purpose <text>      set the purpose for new sessions
  /messages            show the open session's history
  /edit <n> <text>     edit a user message (regenerates the reply)
  /regen <n>           regenerate an assistant message
  /stop                cancel the active stream
  /suggest <partial>   fetch input suggestions
  /improve <draft>     preview an improved prompt
  /quit                exit
`)
}
