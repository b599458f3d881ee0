package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashureev/shsh-acp/internal/acp"
)

const chatHelp = `commands:
  /agent <type>   switch agent
  /cancel         cancel the running prompt
  /retry          reconnect now
  /usage          show token usage
  /quit           exit
anything else is sent as a prompt`

func chatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive prompt loop against an agent",
		Long:  "chat connects, then sends each stdin line as a prompt and streams the reply.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, s, os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// runChat drives s from in until EOF, /quit, or ctx is done.
func runChat(ctx context.Context, s *acp.Session, in io.Reader, out, status io.Writer) error {
	states := make(chan acp.Snapshot, 16)
	updates := make(chan struct{}, 1)
	s.OnStateChange(func(snap acp.Snapshot) {
		select {
		case states <- snap:
		default:
		}
	})
	s.OnMessage(func(acp.Message) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	if err := s.Connect(); err != nil {
		return err
	}

	p := &printer{out: out}
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-states:
			printState(status, snap)
		case <-updates:
			p.flush(s.Messages().Snapshot().Conversation)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(s, strings.TrimSpace(line), status); quit {
				return nil
			}
		}
	}
}

func handleLine(s *acp.Session, line string, status io.Writer) (quit bool) {
	var err error
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/exit":
		return true
	case line == "/help":
		fmt.Fprintln(status, chatHelp)
	case line == "/cancel":
		err = s.CancelPrompt()
	case line == "/retry":
		err = s.Retry()
	case line == "/usage":
		u := s.Messages().Snapshot().Usage
		fmt.Fprintf(status, "tokens: in=%d out=%d cache_read=%d cache_write=%d\n",
			u.InputTokens, u.OutputTokens, u.CachedReadTokens, u.CachedWriteTokens)
	case strings.HasPrefix(line, "/agent"):
		err = s.SwitchAgent(strings.TrimSpace(strings.TrimPrefix(line, "/agent")))
	default:
		err = s.SendPrompt(line)
	}
	if err != nil {
		fmt.Fprintf(status, "! %v (state %s)\n", err, s.State())
	}
	return false
}

func printState(w io.Writer, snap acp.Snapshot) {
	switch {
	case snap.LastError != nil && (snap.State == acp.StateError || snap.State == acp.StateReconnecting):
		fmt.Fprintf(w, "[%s] %s: %s (retry %d)\n", snap.State, snap.LastError.Code, snap.LastError.UserMessage, snap.RetryCount)
	case snap.PromptError != nil && snap.State == acp.StateReady:
		fmt.Fprintf(w, "[%s] prompt failed: %s\n", snap.State, snap.PromptError.UserMessage)
	case snap.AgentType != "":
		fmt.Fprintf(w, "[%s] %s\n", snap.State, snap.AgentType)
	default:
		fmt.Fprintf(w, "[%s]\n", snap.State)
	}
}

// printer writes conversation text incrementally. It remembers how much of
// each entry has been printed so merged chunks stream without repeats.
type printer struct {
	out     io.Writer
	entries int
	printed int
}

func (p *printer) flush(conv []acp.ConversationEntry) {
	if len(conv) < p.entries {
		// Replay reset the conversation.
		p.entries, p.printed = 0, 0
	}
	for i := max(p.entries-1, 0); i < len(conv); i++ {
		e := conv[i]
		if i >= p.entries {
			if p.entries > 0 {
				fmt.Fprintln(p.out)
			}
			p.entries = i + 1
			p.printed = 0
			if e.Role == acp.RoleUser {
				// Prompts were typed locally.
				p.printed = len(e.Text)
				continue
			}
			if e.Role == acp.RoleTool {
				fmt.Fprintf(p.out, "~ %s [%s]", e.Title, e.Status)
				p.printed = len(e.Text)
				continue
			}
			if e.Role == acp.RoleThought {
				fmt.Fprint(p.out, "(thinking) ")
			}
		}
		if len(e.Text) > p.printed {
			fmt.Fprint(p.out, e.Text[p.printed:])
			p.printed = len(e.Text)
		}
	}
}
