package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/usecase"
	"github.com/urfave/cli/v3"
)

func cmdChat() *cli.Command {
	var appCfg appConfig
	var conversationID string
	var message string

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "conversation-id",
			Usage:       "Continue an existing conversation (a new one is started when empty)",
			Destination: &conversationID,
		},
		&cli.StringFlag{
			Name:        "message",
			Aliases:     []string{"m"},
			Usage:       "Send one message and exit instead of starting an interactive session",
			Destination: &message,
		},
	}
	flags = append(flags, appCfg.Flags()...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Talk to the assistant from the terminal",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := appCfg.Build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if conversationID == "" {
				conversationID = uuid.NewString()
			}
			id := model.ConversationID(conversationID)

			if message != "" {
				return sendMessage(ctx, a.useCases.Chat, id, message, os.Stdout)
			}
			return chatLoop(ctx, a.useCases.Chat, id, os.Stdin, os.Stdout)
		},
	}
}

type chatHandler interface {
	Handle(ctx context.Context, id model.ConversationID, text string) (*usecase.ChatReply, error)
}

func chatLoop(ctx context.Context, chat chatHandler, id model.ConversationID, in io.Reader, out io.Writer) error {
	prompt := color.New(color.FgCyan, color.Bold)
	_, _ = fmt.Fprintf(out, "conversation %s (empty line or \"exit\" to quit)\n", id)

	scanner := bufio.NewScanner(in)
	for {
		_, _ = prompt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text == "exit" {
			break
		}
		if err := sendMessage(ctx, chat, id, text, out); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return goerr.Wrap(err, "failed to read input")
	}
	return nil
}

func sendMessage(ctx context.Context, chat chatHandler, id model.ConversationID, text string, out io.Writer) error {
	reply, err := chat.Handle(ctx, id, text)
	if err != nil {
		return goerr.Wrap(err, "chat turn failed", goerr.V(model.ConversationIDKey, id))
	}
	printReply(out, reply)
	return nil
}

func printReply(out io.Writer, reply *usecase.ChatReply) {
	toolLine := color.New(color.FgYellow)
	warn := color.New(color.FgRed)
	faint := color.New(color.Faint)

	for _, r := range reply.ToolResults {
		if r.OK() {
			_, _ = toolLine.Fprintf(out, "[%s] ok\n", r.Name)
		} else {
			_, _ = toolLine.Fprintf(out, "[%s] %s\n", r.Name, r.Error)
		}
	}

	_, _ = fmt.Fprintln(out, reply.Reply)

	seen := make(map[string]bool)
	for _, c := range reply.Citations {
		if seen[c.SourceName] {
			continue
		}
		seen[c.SourceName] = true
		_, _ = faint.Fprintf(out, "  source: %s\n", c.SourceName)
	}
	if reply.Limitation != "" {
		_, _ = warn.Fprintf(out, "note: %s\n", reply.Limitation)
	}
}
