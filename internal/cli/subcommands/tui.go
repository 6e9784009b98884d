package subcommands

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	bspinner "github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"Mokpell/internal/attach"
	"Mokpell/internal/session"
)

// Styles define the UI theme
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D9FF")).
			Background(lipgloss.Color("#1a1a2e")).
			Padding(0, 2)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			PaddingLeft(1)

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")).
			PaddingLeft(1)

	systemStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFE66D")).
			PaddingLeft(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3d3d5c"))

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#00D9FF"))

	suggestionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#00D9FF")).
			Padding(0, 1)

	normalSuggestionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666680")).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4a4a6a")).
			PaddingLeft(1)

	streamingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4")).
			Italic(true)
)

var placeholders = []string{
	"What's on your mind?",
	"Ask me anything...",
	"Type /help to see available commands",
	"Attach a file with /attach <path>",
}

var availableCommands = []string{
	"/help", "/stats", "/config", "/attach", "/docs", "/clear", "/exit", "/quit",
}

const (
	roleUser   = "User"
	roleBot    = "Mokpell"
	roleSystem = "System"
)

type chatLine struct {
	role  string
	text  string
	reply *Reply
}

type tuiModel struct {
	app  *App
	sess *session.Session
	ctx  context.Context

	history []session.Message
	lines   []chatLine
	docs    []attach.Document

	viewport viewport.Model
	textarea textarea.Model
	spinner  bspinner.Model
	renderer *glamour.TermRenderer
	program  *tea.Program
	ready    bool
	loading  bool
	width    int
	height   int

	suggestions     []string
	suggestionIdx   int
	showSuggestions bool
}

func newTuiModel(ctx context.Context, app *App, s *session.Session) *tuiModel {
	ta := textarea.New()
	ta.Placeholder = placeholders[rand.IntN(len(placeholders))]
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 10000
	ta.SetWidth(80)
	ta.SetHeight(5)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	sp := bspinner.New()
	sp.Spinner = bspinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ECDC4"))

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return &tuiModel{
		app:      app,
		sess:     s,
		ctx:      ctx,
		textarea: ta,
		spinner:  sp,
		renderer: renderer,
		viewport: viewport.New(80, 20),
	}
}

type streamToken struct{ text string }

type replyDone struct {
	reply Reply
	err   error
	msgs  []session.Message
}

func (m *tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSuggestions {
			switch msg.Type {
			case tea.KeyUp:
				m.suggestionIdx = (m.suggestionIdx - 1 + len(m.suggestions)) % len(m.suggestions)
				return m, nil
			case tea.KeyDown:
				m.suggestionIdx = (m.suggestionIdx + 1) % len(m.suggestions)
				return m, nil
			case tea.KeyEnter, tea.KeyTab:
				m.textarea.SetValue(m.suggestions[m.suggestionIdx] + " ")
				m.textarea.CursorEnd()
				m.showSuggestions = false
				return m, nil
			case tea.KeyEsc:
				m.showSuggestions = false
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.sess.Cancel()
			return m, tea.Quit

		case tea.KeyCtrlX:
			if m.loading {
				m.sess.Cancel()
			}
			return m, nil

		case tea.KeyCtrlS:
			if m.loading {
				return m, nil
			}
			input := m.textarea.Value()
			if strings.TrimSpace(input) == "" {
				return m, nil
			}
			m.textarea.Reset()
			if handled, cmd := m.handleLocalCommand(strings.TrimSpace(input)); handled {
				return m, cmd
			}
			return m, m.send(input)
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case streamToken:
		if len(m.lines) > 0 {
			m.lines[len(m.lines)-1].text += msg.text
		}
		m.updateViewport()
		return m, nil

	case replyDone:
		m.loading = false
		last := &m.lines[len(m.lines)-1]
		if msg.err != nil {
			if last.text == "" {
				last.text = "Error: " + msg.err.Error()
			}
		} else {
			last.text = msg.reply.Text
			last.reply = &msg.reply
			m.history = append(msg.msgs, session.Message{Role: "assistant", Content: msg.reply.Text})
		}
		m.updateViewport()
		return m, nil

	case bspinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateViewport()
		return m, cmd
	}

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	m.suggest(m.textarea.Value())
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(taCmd, vpCmd)
}

func (m *tuiModel) resize(w, h int) {
	m.width, m.height = w, h
	const headerHeight, inputHeight = 2, 5
	m.viewport.Width = w - 4
	m.viewport.Height = h - headerHeight - inputHeight - 4
	m.viewport.YPosition = headerHeight
	m.textarea.SetWidth(w - 6)
	if r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.viewport.Width-4),
	); err == nil {
		m.renderer = r
	}
	m.ready = true
	m.updateViewport()
}

// suggest filters slash commands matching the current input.
func (m *tuiModel) suggest(val string) {
	m.showSuggestions = false
	if !strings.HasPrefix(val, "/") || strings.Contains(val, " ") {
		return
	}
	m.suggestions = m.suggestions[:0]
	for _, c := range availableCommands {
		if strings.HasPrefix(c, val) {
			m.suggestions = append(m.suggestions, c)
		}
	}
	if len(m.suggestions) > 0 {
		m.showSuggestions = true
		if m.suggestionIdx >= len(m.suggestions) {
			m.suggestionIdx = 0
		}
	}
}

// send starts a generation for input and streams fragments back into the
// program.
func (m *tuiModel) send(input string) tea.Cmd {
	content := input
	if len(m.docs) > 0 {
		content = attach.Prompt(input, m.docs...)
		m.docs = nil
	}
	msgs := append(append([]session.Message(nil), m.history...), session.Message{Role: "user", Content: content})

	m.lines = append(m.lines, chatLine{role: roleUser, text: input}, chatLine{role: roleBot})
	m.loading = true
	m.updateViewport()

	prog, ctx, s, conv := m.program, m.ctx, m.sess, m.app.Conversation(msgs)
	run := func() tea.Msg {
		reply, err := Generate(ctx, s, conv, func(frag string) error {
			if prog != nil {
				prog.Send(streamToken{text: frag})
			}
			return nil
		})
		return replyDone{reply: reply, err: err, msgs: msgs}
	}
	return tea.Batch(m.spinner.Tick, run)
}

func (m *tuiModel) system(text string) {
	m.lines = append(m.lines, chatLine{role: roleSystem, text: text})
	m.updateViewport()
}

func (m *tuiModel) handleLocalCommand(raw string) (bool, tea.Cmd) {
	low := strings.ToLower(raw)
	if !strings.HasPrefix(low, "/") {
		if low == "exit" || low == "quit" {
			return true, tea.Quit
		}
		return false, nil
	}

	switch {
	case low == "/clear":
		m.lines = nil
		m.history = nil
		m.viewport.SetContent("")

	case low == "/help":
		m.system(`
### Available Commands
- **/help**: Show this help message
- **/stats**: Show statistics of the last reply
- **/config**: Show the session configuration
- **/attach <path>**: Attach a text, markdown or PDF file to the next message
- **/docs**: List pending attachments
- **/clear**: Clear the conversation
- **Ctrl+X**: Stop the running generation
- **/exit**: Close the application
`)

	case low == "/stats":
		st := m.sess.Stats()
		m.system(fmt.Sprintf("- **Prompt tokens**: %d\n- **Generated tokens**: %d\n- **Prefill**: %s\n- **Generate**: %s\n- **Stop reason**: %s\n",
			st.PromptTokens, st.GeneratedTokens,
			st.Prefill.Truncate(time.Millisecond), st.Generate.Truncate(time.Millisecond), st.Reason))

	case low == "/config":
		c := m.app.Cfg
		m.system(fmt.Sprintf(`
### Session Configuration
- **Backend**: %s
- **Model**: %s
- **n_ctx**: %d
- **n_batch**: %d
- **Max tokens**: %d
- **Overflow**: %s
`, c.Runtime.Backend, m.sess.ModelDescription(), c.Session.NCtx, c.Session.NBatch, c.Session.MaxTokens, c.Session.Overflow))

	case strings.HasPrefix(low, "/attach"):
		path := strings.TrimSpace(raw[len("/attach"):])
		if path == "" {
			m.system("Usage: /attach <path>")
			break
		}
		doc, err := attach.Load(path, attach.DefaultMaxBytes)
		if err != nil {
			m.system("Error: " + err.Error())
			break
		}
		m.docs = append(m.docs, doc)
		m.system(fmt.Sprintf("Attached %s (pending: %d)", doc.Name, len(m.docs)))

	case low == "/docs":
		if len(m.docs) == 0 {
			m.system("No documents attached.")
			break
		}
		var sb strings.Builder
		for i, d := range m.docs {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, d.Name)
		}
		m.system(sb.String())

	case low == "/exit" || low == "/quit":
		return true, tea.Quit

	default:
		m.system("Unknown command: " + raw)
	}
	return true, nil
}

func (m *tuiModel) updateViewport() {
	var sb strings.Builder
	for i, line := range m.lines {
		switch line.role {
		case roleSystem:
			sb.WriteString(systemStyle.Render("SYSTEM") + "\n")
			sb.WriteString(m.render(line.text))
		case roleUser:
			sb.WriteString(userStyle.Render("YOU") + "\n")
			sb.WriteString(line.text + "\n\n")
		case roleBot:
			sb.WriteString(botStyle.Render("MOKPELL") + "\n")
			if i == len(m.lines)-1 && m.loading {
				sb.WriteString(line.text + "\n")
			} else {
				sb.WriteString(m.render(line.text))
			}
			if line.reply != nil {
				sb.WriteString(statsStyle.Render(statsLine(*line.reply)) + "\n")
			}
			sb.WriteString("\n")
		}
	}
	if m.loading {
		sb.WriteString("\n" + m.spinner.View() + streamingStyle.Render(" Generating... (Ctrl+X to stop)"))
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m *tuiModel) render(text string) string {
	if text == "" || m.renderer == nil {
		return text + "\n"
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func (m *tuiModel) View() string {
	if !m.ready {
		return "\n  Initializing Mokpell..."
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render(" Mokpell "),
		subtitleStyle.Render(m.sess.ModelDescription()),
	)
	body := borderStyle.Render(m.viewport.View())

	inputArea := m.textarea.View()
	if m.showSuggestions && len(m.suggestions) > 0 {
		var sb strings.Builder
		for i, s := range m.suggestions {
			if i == m.suggestionIdx {
				sb.WriteString(suggestionStyle.Render(s) + "\n")
			} else {
				sb.WriteString(normalSuggestionStyle.Render(s) + "\n")
			}
		}
		inputArea = lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#00D9FF")).
				Padding(0, 1).
				Render(sb.String()),
			inputArea,
		)
	}
	input := inputBorderStyle.Render(inputArea)

	help := helpStyle.Render(fmt.Sprintf("Ctrl+S Send | Ctrl+X Stop | /help Commands | Docs: %d", len(m.docs)))
	return fmt.Sprintf("%s\n%s\n%s\n%s", header, body, input, help)
}

// NewTuiCmd builds the full-screen chat command.
func NewTuiCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "tui",
		Short:       "Full-screen chat interface",
		Annotations: map[string]string{AnnotationLogToFile: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunTui(cmd.Context(), app)
		},
	}
}

// AnnotationLogToFile marks commands whose logs must not reach the terminal.
const AnnotationLogToFile = "log-to-file"

// RunTui executes the Charm TUI mode.
func RunTui(ctx context.Context, app *App) error {
	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer app.CloseSession(s)

	m := newTuiModel(ctx, app, s)
	p := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	m.program = p
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
