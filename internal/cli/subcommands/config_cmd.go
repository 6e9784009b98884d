package subcommands

import (
	"fmt"

	"github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd builds the command that prints the resolved configuration.
func NewConfigCmd(app *App) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Display the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			switch format {
			case "yaml", "yml":
				data, err = yaml.Marshal(app.Cfg)
			case "toml":
				data, err = toml.Marshal(app.Cfg)
			case "json":
				data, err = json.MarshalIndent(app.Cfg, "", "  ")
				data = append(data, '\n')
			default:
				return fmt.Errorf("unsupported format %q (yaml, toml or json)", format)
			}
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = app.Out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml, toml or json")
	return cmd
}
