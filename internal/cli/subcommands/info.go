package subcommands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// NewInfoCmd builds the command describing the configured model.
func NewInfoCmd(app *App) *cobra.Command {
	var backendsOnly bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Describe the configured model and the compiled-in backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(app.Out, "backends: %s\n", strings.Join(app.Registry.Names(), ", "))
			if backendsOnly {
				return nil
			}
			s, err := app.OpenSession()
			if err != nil {
				return err
			}
			defer app.CloseSession(s)

			m := s.Model()
			tmpl := "embedded"
			switch {
			case app.Cfg.Session.ChatTemplate != "":
				tmpl = "override"
			case m.ChatTemplate() == "":
				tmpl = "none"
			}
			cfg := s.Config()
			rows := [][]string{
				{"model", m.Description()},
				{"path", app.Cfg.Runtime.ModelPath},
				{"backend", s.Backend().Name()},
				{"device", s.Backend().Device()},
				{"size", fmt.Sprintf("%.2f MiB", float64(m.Size())/1024/1024)},
				{"params", strconv.FormatUint(m.NParams(), 10)},
				{"vocab", strconv.Itoa(int(m.Vocab().NTokens()))},
				{"chat template", tmpl},
				{"n_ctx", strconv.Itoa(cfg.NCtx)},
				{"n_batch", strconv.Itoa(cfg.NBatch)},
				{"max_tokens", strconv.Itoa(cfg.MaxTokens)},
			}
			fmt.Fprintln(app.Out, table.New().
				Border(lipgloss.RoundedBorder()).
				Rows(rows...).
				Render())
			return nil
		},
	}
	cmd.Flags().BoolVar(&backendsOnly, "backends", false, "only list the registered backends")
	return cmd
}
