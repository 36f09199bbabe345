// amachat is a terminal client for the AMA gateway: an interactive chat over
// the UI stream and a voice participant simulator over the voice socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
)

const usage = `usage: amachat <command>

commands:
  chat    interactive chat over the UI stream
  voice   join as a voice participant; each input line is sent as a transcript

environment:
  AMA_SERVER_URL   gateway base URL (default http://localhost:8000)
  AMA_SESSION_KEY  visitor session id
  AMA_SMB_KEY      business id
  AMA_IDENTITY     voice participant identity (default amachat)
`

type clientConfig struct {
	ServerURL  string
	SessionKey string
	SMBKey     string
	Identity   string
}

func loadClientConfig() clientConfig {
	return clientConfig{
		ServerURL:  strings.TrimRight(getEnv("AMA_SERVER_URL", "http://localhost:8000"), "/"),
		SessionKey: os.Getenv("AMA_SESSION_KEY"),
		SMBKey:     os.Getenv("AMA_SMB_KEY"),
		Identity:   getEnv("AMA_IDENTITY", "amachat"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadClientConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx, cfg)
	case "voice":
		err = runVoice(ctx, cfg, os.Stdin, os.Stdout)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "amachat:", err)
		os.Exit(1)
	}
}
