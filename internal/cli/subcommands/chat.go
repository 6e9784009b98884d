package subcommands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"Mokpell/internal/attach"
	"Mokpell/internal/session"
)

// ChatOptions capture per-invocation controls beyond the configuration.
type ChatOptions struct {
	Message   string
	System    string
	Attach    []string
	MaxBytes  int
	Render    bool
	ShowStats bool
}

// NewChatCmd builds the one-shot chat command.
func NewChatCmd(app *App) *cobra.Command {
	var opts ChatOptions
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run a single prompt against the configured model",
		Example: "  mokpell chat \"Why is the sky blue?\"\n" +
			"  mokpell chat --attach notes.pdf \"Summarize this\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Message == "" {
				opts.Message = strings.Join(args, " ")
			}
			if strings.TrimSpace(opts.Message) == "" {
				return fmt.Errorf("chat requires a message (--message) or positional argument")
			}
			return RunChat(cmd.Context(), app, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Message, "message", "m", "", "prompt to send")
	f.StringVar(&opts.System, "system", "", "system message (overrides session.system_message)")
	f.StringSliceVarP(&opts.Attach, "attach", "a", nil, "text, markdown or PDF file to include in the prompt (repeatable)")
	f.IntVar(&opts.MaxBytes, "attach-max-bytes", attach.DefaultMaxBytes, "per-attachment size limit")
	f.BoolVar(&opts.Render, "render", false, "render the reply as markdown once complete")
	f.BoolVar(&opts.ShowStats, "stats", false, "print token counts and throughput")
	return cmd
}

// RunChat executes one prompt and writes the reply to app.Out.
func RunChat(ctx context.Context, app *App, opts ChatOptions) error {
	prompt, err := buildPrompt(opts.Message, opts.Attach, opts.MaxBytes)
	if err != nil {
		return err
	}
	if opts.System != "" {
		app.Cfg.Session.SystemMessage = opts.System
	}

	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer app.CloseSession(s)

	msgs := app.Conversation([]session.Message{{Role: "user", Content: prompt}})

	var onToken func(string) error
	if !opts.Render {
		onToken = func(frag string) error {
			_, err := io.WriteString(app.Out, frag)
			return err
		}
	}
	reply, err := Generate(ctx, s, msgs, onToken)
	if err != nil {
		return err
	}

	if opts.Render {
		out, rerr := renderMarkdown(reply.Text, 100)
		if rerr != nil {
			app.Log.Warn().Err(rerr).Msg("markdown rendering failed")
			out = reply.Text
		}
		fmt.Fprint(app.Out, out)
	}
	fmt.Fprintln(app.Out)

	if opts.ShowStats {
		fmt.Fprintln(app.Err, statsLine(reply))
	}
	app.Log.Info().
		Int("prompt_tokens", reply.Stats.PromptTokens).
		Int("generated_tokens", reply.Stats.GeneratedTokens).
		Str("reason", string(reply.Reason)).
		Dur("took", reply.Duration.Truncate(10*time.Millisecond)).
		Msg("chat completed")
	return nil
}

// buildPrompt loads attachments and folds them into the question.
func buildPrompt(question string, paths []string, maxBytes int) (string, error) {
	if len(paths) == 0 {
		return question, nil
	}
	docs := make([]attach.Document, 0, len(paths))
	for _, p := range paths {
		doc, err := attach.Load(p, maxBytes)
		if err != nil {
			return "", err
		}
		docs = append(docs, doc)
	}
	return attach.Prompt(question, docs...), nil
}

func renderMarkdown(text string, width int) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	return r.Render(text)
}
