// Package main provides acpctl, a terminal client for ACP agent hosts.
package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/shsh-acp/internal/acp"
	"github.com/ashureev/shsh-acp/internal/config"
)

type options struct {
	url        string
	token      string
	agent      string
	sessionID  string
	maxRetries int
	heartbeat  time.Duration
	debug      bool
}

func main() {
	_ = godotenv.Load()
	defaults := config.LoadACP()

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "acpctl",
		Short: "Talk to an ACP agent host over WebSocket",
		Long: `acpctl opens an ACP session against an agent host and drives it from
the terminal. Flags default to the ACP_* environment variables (a .env file
in the working directory is honoured).

Examples:
  acpctl chat --url wss://host/agent/ws --agent claude-code
  acpctl probe --url wss://host/agent/ws --timeout 5s`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			if opts.sessionID == "" {
				opts.sessionID = uuid.NewString()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.url, "url", defaults.HostURL, "agent host WebSocket url (ACP_HOST_URL)")
	flags.StringVar(&opts.token, "token", defaults.Token, "token appended as ?token= (ACP_TOKEN)")
	flags.StringVarP(&opts.agent, "agent", "a", defaults.DefaultAgent, "agent type to select (ACP_DEFAULT_AGENT)")
	flags.StringVarP(&opts.sessionID, "session", "s", "", "session id (default: random uuid)")
	flags.IntVar(&opts.maxRetries, "max-retries", defaults.MaxReconnectAttempts, "reconnect attempts before giving up")
	flags.DurationVar(&opts.heartbeat, "heartbeat", defaults.HeartbeatInterval, "keepalive ping interval, 0 disables")
	flags.BoolVar(&opts.debug, "debug", false, "log transport and state details to stderr")

	rootCmd.AddCommand(
		chatCmd(opts),
		probeCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newSession builds a session from the command-line options.
func newSession(opts *options) (*acp.Session, error) {
	if opts.url == "" {
		return nil, fmt.Errorf("no agent host url: pass --url or set ACP_HOST_URL")
	}
	endpoint, err := withToken(opts.url, opts.token)
	if err != nil {
		return nil, err
	}
	retries := opts.maxRetries
	if retries <= 0 {
		retries = -1
	}
	acpCfg := config.LoadACP()
	return acp.NewSession(acp.SessionConfig{
		SessionID:         opts.sessionID,
		AgentType:         opts.agent,
		URL:               endpoint,
		Dialer:            &acp.WebSocketDialer{SendBuffer: acpCfg.SendBuffer},
		Backoff:           acp.Backoff{Base: acpCfg.ReconnectBaseDelay, Max: acpCfg.ReconnectMaxDelay},
		MaxRetries:        retries,
		HeartbeatInterval: opts.heartbeat,
		HeartbeatTimeout:  acpCfg.HeartbeatTimeout,
	})
}

func withToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("url must use ws:// or wss://")
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
