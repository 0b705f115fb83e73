package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/exam-proctor/backend/internal/logging"
	"github.com/exam-proctor/backend/internal/watch"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8080/ws", "observer websocket URL of the proctor server")
	token := flag.String("token", "", "admin token (see -email/-password to obtain one)")
	email := flag.String("email", "", "admin email used to log in when no token is given")
	password := flag.String("password", os.Getenv("PROCTOR_ADMIN_PASSWORD"), "admin password (default $PROCTOR_ADMIN_PASSWORD)")
	logFile := flag.String("log", "", "write debug logs to this file")
	flag.Parse()

	if err := run(*wsURL, *token, *email, *password, *logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(wsURL, token, email, password, logFile string) error {
	// The terminal belongs to the UI; logs go to a file or nowhere.
	var out io.Writer = io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}
	log := logging.New(logging.Config{Level: slog.LevelDebug, Output: out, Component: "watch"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if token == "" && email != "" {
		base, err := watch.HTTPBase(wsURL)
		if err != nil {
			return fmt.Errorf("parse url: %w", err)
		}
		token, err = watch.Login(ctx, base, email, password)
		if err != nil {
			return err
		}
		log.Info("admin login succeeded", "email", email)
	}

	client, err := watch.NewClient(wsURL, token, log)
	if err != nil {
		return err
	}
	defer client.Close()

	p := tea.NewProgram(watch.New(client, ctx), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
