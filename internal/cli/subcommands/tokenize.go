package subcommands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"Mokpell/internal/backend"
)

// NewTokenizeCmd builds the tokenize command.
func NewTokenizeCmd(app *App) *cobra.Command {
	var addBOS, pieces, asJSON bool
	cmd := &cobra.Command{
		Use:   "tokenize <text>",
		Short: "Print the token ids of text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.OpenSession()
			if err != nil {
				return err
			}
			defer app.CloseSession(s)

			toks, err := s.Tokenize(strings.Join(args, " "), addBOS)
			if err != nil {
				return err
			}
			switch {
			case asJSON:
				data, err := json.Marshal(map[string]any{"tokens": toks})
				if err != nil {
					return err
				}
				fmt.Fprintln(app.Out, string(data))
			case pieces:
				for _, t := range toks {
					fmt.Fprintf(app.Out, "%6d -> %q\n", t, s.Detokenize([]backend.Token{t}))
				}
			default:
				fmt.Fprintln(app.Out, joinTokens(toks))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&addBOS, "bos", false, "prepend the BOS token")
	cmd.Flags().BoolVar(&pieces, "pieces", false, "print each token with its text piece")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON object")
	return cmd
}

// NewDetokenizeCmd builds the detokenize command.
func NewDetokenizeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "detokenize <id>...",
		Short: "Print the text of token ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toks, err := parseTokens(args)
			if err != nil {
				return err
			}
			s, err := app.OpenSession()
			if err != nil {
				return err
			}
			defer app.CloseSession(s)

			fmt.Fprintln(app.Out, s.Detokenize(toks))
			return nil
		},
	}
}

// parseTokens accepts ids separated by spaces or commas.
func parseTokens(args []string) ([]backend.Token, error) {
	var toks []backend.Token
	for _, a := range args {
		for _, f := range strings.FieldsFunc(a, func(r rune) bool { return r == ',' || r == ' ' }) {
			n, err := strconv.ParseInt(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid token id %q", f)
			}
			toks = append(toks, backend.Token(n))
		}
	}
	return toks, nil
}

func joinTokens(toks []backend.Token) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = strconv.Itoa(int(t))
	}
	return strings.Join(parts, " ")
}
