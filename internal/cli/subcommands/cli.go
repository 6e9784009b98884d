package subcommands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"Mokpell/internal/attach"
	"Mokpell/internal/session"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorBlue   = "\033[34m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

const logo = `
 █▀▄▀█ █▀█ █▄▀ █▀█ █▀▀ █   █
 █ ▀ █ █▄█ █ █ █▀▀ ██▄ █▄▄ █▄▄
`

// CliOptions capture per-invocation controls of the interactive mode.
type CliOptions struct {
	Stream    bool
	ShowStats bool
}

// NewCliCmd builds the line-oriented interactive mode.
func NewCliCmd(app *App) *cobra.Command {
	var noStream bool
	opts := CliOptions{}
	cmd := &cobra.Command{
		Use:   "cli",
		Short: "Interactive conversation mode (plain terminal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Stream = !noStream
			return RunCli(cmd.Context(), app, opts)
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "print replies only once complete")
	cmd.Flags().BoolVar(&opts.ShowStats, "stats", false, "print statistics after each reply")
	return cmd
}

// repl holds the conversation of one interactive run.
type repl struct {
	app     *App
	sess    *session.Session
	opts    CliOptions
	out     io.Writer
	history []session.Message
	docs    []attach.Document
}

// RunCli executes the interactive mode until EOF or /exit.
func RunCli(ctx context.Context, app *App, opts CliOptions) error {
	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer app.CloseSession(s)

	r := &repl{app: app, sess: s, opts: opts, out: app.Out}
	fmt.Fprint(r.out, colorCyan+logo+colorReset+"\n")
	fmt.Fprintf(r.out, "%sMokpell Interactive Mode%s\n", colorBold, colorReset)
	fmt.Fprintf(r.out, "%sType 'exit' to quit | '/help' for commands%s\n", colorGray, colorReset)
	fmt.Fprintf(r.out, "%sModel: %s (%s)%s\n\n", colorGray, s.ModelDescription(), app.Cfg.Runtime.Backend, colorReset)

	reader := bufio.NewReader(app.In)
	for {
		fmt.Fprintf(r.out, "%sYou: %s", colorBlue+colorBold, colorReset)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return fmt.Errorf("input error: %w", err)
		}

		message := strings.TrimSpace(line)
		// A trailing backslash continues the message on the next line.
		for strings.HasSuffix(message, "\\") {
			message = strings.TrimSuffix(message, "\\")
			fmt.Fprintf(r.out, "%s...  %s", colorGray, colorReset)
			next, _ := reader.ReadString('\n')
			message += "\n" + strings.TrimSpace(next)
		}
		if message == "" {
			continue
		}

		switch strings.ToLower(message) {
		case "exit", "quit", "/exit", "/quit", "/bye":
			fmt.Fprintf(r.out, "\n%sGoodbye!%s\n", colorCyan, colorReset)
			return nil
		}
		if strings.HasPrefix(message, "/") {
			r.command(message)
			continue
		}

		if err := r.turn(ctx, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(r.out, "\r%serror: %v%s\n", colorRed, err, colorReset)
		}
	}
}

// turn sends one user message and records the reply in the history.
func (r *repl) turn(ctx context.Context, message string) error {
	content := message
	if len(r.docs) > 0 {
		content = attach.Prompt(message, r.docs...)
		r.docs = nil
	}
	msgs := append(append([]session.Message(nil), r.history...), session.Message{Role: "user", Content: content})

	var (
		onToken func(string) error
		spin    *spinner
	)
	if r.opts.Stream {
		fmt.Fprintf(r.out, "%sMokpell: %s", colorGreen+colorBold, colorReset)
		onToken = func(frag string) error {
			_, err := io.WriteString(r.out, frag)
			return err
		}
	} else {
		spin = startSpinner(r.out, "Thinking")
	}

	reply, err := Generate(ctx, r.sess, r.app.Conversation(msgs), onToken)
	if spin != nil {
		spin.stop()
	}
	if err != nil {
		return err
	}
	if !r.opts.Stream {
		fmt.Fprintf(r.out, "%sMokpell: %s%s", colorGreen+colorBold, colorReset, reply.Text)
	}
	fmt.Fprintln(r.out)

	r.history = append(msgs, session.Message{Role: "assistant", Content: reply.Text})
	if r.opts.ShowStats {
		fmt.Fprintf(r.out, "  %s%s%s\n", colorGray, statsLine(reply), colorReset)
	}
	fmt.Fprintln(r.out)
	return nil
}

// command handles a slash command. Unknown commands print a hint.
func (r *repl) command(raw string) {
	low := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(low, "/attach "):
		path := strings.TrimSpace(raw[len("/attach "):])
		doc, err := attach.Load(path, attach.DefaultMaxBytes)
		if err != nil {
			fmt.Fprintf(r.out, colorRed+"attach failed: %v"+colorReset+"\n", err)
			return
		}
		r.docs = append(r.docs, doc)
		note := ""
		if doc.Truncated {
			note = " (truncated)"
		}
		fmt.Fprintf(r.out, colorCyan+"Attached %s%s (pending: %d)"+colorReset+"\n", doc.Name, note, len(r.docs))

	case strings.HasPrefix(low, "/set "):
		parts := strings.Fields(raw[len("/set "):])
		if len(parts) != 2 {
			fmt.Fprintln(r.out, "Usage: /set <stream|stats> <on|off>")
			return
		}
		r.set(parts[0], parts[1])

	case low == "/help":
		r.help()

	case low == "/config":
		c := r.app.Cfg
		fmt.Fprintf(r.out, "\n%s--- Session ---%s\n", colorBold, colorReset)
		fmt.Fprintf(r.out, "  %sBackend:%s      %s\n", colorCyan, colorReset, c.Runtime.Backend)
		fmt.Fprintf(r.out, "  %sModel:%s        %s\n", colorCyan, colorReset, c.Runtime.ModelPath)
		fmt.Fprintf(r.out, "  %sn_ctx:%s        %d\n", colorCyan, colorReset, c.Session.NCtx)
		fmt.Fprintf(r.out, "  %sMax tokens:%s   %d\n", colorCyan, colorReset, c.Session.MaxTokens)
		fmt.Fprintf(r.out, "  %sStream:%s       %v\n", colorCyan, colorReset, r.opts.Stream)
		fmt.Fprintf(r.out, "  %sShow stats:%s   %v\n", colorCyan, colorReset, r.opts.ShowStats)

	case low == "/docs":
		if len(r.docs) == 0 {
			fmt.Fprintln(r.out, "No documents attached.")
			return
		}
		for i, d := range r.docs {
			fmt.Fprintf(r.out, "  %d. %s (%d bytes)\n", i+1, d.Name, len(d.Text))
		}

	case low == "/clear-docs":
		n := len(r.docs)
		r.docs = nil
		fmt.Fprintf(r.out, "Cleared %d document(s).\n", n)

	case low == "/reset":
		r.history = nil
		fmt.Fprintln(r.out, colorCyan+"Conversation cleared."+colorReset)

	case low == "/clear":
		fmt.Fprint(r.out, "\033[H\033[2J")

	default:
		fmt.Fprintf(r.out, colorYellow+"Unknown command: %s (type /help for available commands)"+colorReset+"\n", raw)
	}
}

func (r *repl) set(param, value string) {
	var on bool
	switch strings.ToLower(value) {
	case "true", "on", "1", "yes":
		on = true
	case "false", "off", "0", "no":
	default:
		fmt.Fprintf(r.out, colorYellow+"Invalid value: %s"+colorReset+"\n", value)
		return
	}
	switch strings.ToLower(param) {
	case "stream":
		r.opts.Stream = on
	case "stats":
		r.opts.ShowStats = on
	default:
		fmt.Fprintf(r.out, colorYellow+"Unknown parameter: %s"+colorReset+"\n", param)
		return
	}
	fmt.Fprintf(r.out, "Param %s%s%s set to %v\n", colorCyan, param, colorReset, on)
}

func (r *repl) help() {
	fmt.Fprintf(r.out, "\n%sAvailable Commands:%s\n", colorBold, colorReset)
	for _, c := range [][2]string{
		{"/help", "Show this help message"},
		{"/config", "Show session configuration"},
		{"/set <p> <v>", "Set stream or stats (e.g. /set stream off)"},
		{"/attach <path>", "Attach a text, markdown or PDF file to the next message"},
		{"/docs", "List pending attachments"},
		{"/clear-docs", "Drop pending attachments"},
		{"/reset", "Forget the conversation so far"},
		{"/clear", "Clear the terminal screen"},
		{"/exit, /quit", "Exit the CLI"},
	} {
		fmt.Fprintf(r.out, "  %s%-16s%s %s\n", colorCyan, c[0], colorReset, c[1])
	}
	fmt.Fprintln(r.out)
}

// spinner animates a waiting message until stop is called.
type spinner struct {
	done chan struct{}
	wg   sync.WaitGroup
	out  io.Writer
}

func startSpinner(out io.Writer, message string) *spinner {
	s := &spinner{done: make(chan struct{}), out: out}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for i := 0; ; i = (i + 1) % len(frames) {
			fmt.Fprintf(out, "\r%s%s %s...%s", colorCyan, frames[i], message, colorReset)
			select {
			case <-s.done:
				return
			case <-tick.C:
			}
		}
	}()
	return s
}

// stop ends the animation and clears its line.
func (s *spinner) stop() {
	close(s.done)
	s.wg.Wait()
	fmt.Fprint(s.out, "\r\033[K")
}
