package subcommands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"Mokpell/client"
	"Mokpell/internal/session"
)

// RemoteOptions address a running "serve --tcp-port" instance.
type RemoteOptions struct {
	Addr      string
	Message   string
	System    string
	ShowStats bool
}

// NewRemoteCmd builds the command that sends one prompt to a TCP server.
func NewRemoteCmd(app *App) *cobra.Command {
	var opts RemoteOptions
	cmd := &cobra.Command{
		Use:     "remote [message]",
		Short:   "Send a prompt to a running server over the TCP line protocol",
		Example: "  mokpell remote --addr 127.0.0.1:42067 \"Hello\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Message == "" {
				opts.Message = strings.Join(args, " ")
			}
			if strings.TrimSpace(opts.Message) == "" {
				return fmt.Errorf("remote requires a message (--message) or positional argument")
			}
			return RunRemote(cmd.Context(), app, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Addr, "addr", "127.0.0.1:42067", "server address (host:port)")
	f.StringVarP(&opts.Message, "message", "m", "", "prompt to send")
	f.StringVar(&opts.System, "system", "", "system message")
	f.BoolVar(&opts.ShowStats, "stats", false, "print token counts")
	return cmd
}

// RunRemote streams the server's reply to app.Out.
func RunRemote(ctx context.Context, app *App, opts RemoteOptions) error {
	c := client.NewTCPClient(opts.Addr)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", opts.Addr, err)
	}
	defer c.Close()

	var msgs []session.Message
	if sys := strings.TrimSpace(opts.System); sys != "" {
		msgs = append(msgs, session.Message{Role: "system", Content: sys})
	}
	msgs = append(msgs, session.Message{Role: "user", Content: opts.Message})

	res, err := c.Complete(ctx, msgs, func(frag string) {
		_, _ = io.WriteString(app.Out, frag)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(app.Out)
	if opts.ShowStats {
		fmt.Fprintf(app.Err, "prompt=%d gen=%d reason=%s\n", res.PromptTokens, res.GeneratedTokens, res.Reason)
	}
	return nil
}
