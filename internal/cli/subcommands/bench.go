package subcommands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"Mokpell/internal/inferbench"
	"Mokpell/internal/store"
)

// BenchOptions control one benchmark invocation.
type BenchOptions struct {
	Params    inferbench.Params
	Output    string
	JSON      bool
	NoHistory bool
}

// NewBenchCmd builds the throughput benchmark command and its history view.
func NewBenchCmd(app *App) *cobra.Command {
	var opts BenchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure prompt and generation throughput",
		Example: "  mokpell bench --pp 512 --tg 128 --nr 3\n" +
			"  mokpell bench history --limit 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := app.Cfg.BenchParams()
			f := cmd.Flags()
			if f.Changed("pp") {
				p.PP = opts.Params.PP
			}
			if f.Changed("tg") {
				p.TG = opts.Params.TG
			}
			if f.Changed("pl") {
				p.PL = opts.Params.PL
			}
			if f.Changed("nr") {
				p.NR = opts.Params.NR
			}
			opts.Params = p
			return RunBench(cmd.Context(), app, opts)
		},
	}
	d := inferbench.DefaultParams()
	f := cmd.Flags()
	f.IntVar(&opts.Params.PP, "pp", d.PP, "prompt tokens decoded in one batch")
	f.IntVar(&opts.Params.TG, "tg", d.TG, "sequential generation decodes")
	f.IntVar(&opts.Params.PL, "pl", d.PL, "parallel sequences per generation decode")
	f.IntVar(&opts.Params.NR, "nr", d.NR, "repetitions")
	f.StringVarP(&opts.Output, "output", "o", "", "write the JSON report to this path")
	f.BoolVar(&opts.JSON, "json", false, "print the JSON report instead of the table")
	f.BoolVar(&opts.NoHistory, "no-history", false, "do not record the run in the history database")

	cmd.AddCommand(newBenchHistoryCmd(app))
	return cmd
}

// RunBench runs the benchmark on a fresh session and reports the result.
func RunBench(ctx context.Context, app *App, opts BenchOptions) error {
	s, err := app.OpenSession()
	if err != nil {
		return err
	}
	defer app.CloseSession(s)

	app.Log.Info().
		Int("pp", opts.Params.PP).
		Int("tg", opts.Params.TG).
		Int("pl", opts.Params.PL).
		Int("nr", opts.Params.NR).
		Msg("benchmark started")

	res, err := s.Bench(ctx, opts.Params)
	if err != nil {
		return fmt.Errorf("benchmark failed: %w", err)
	}

	if opts.JSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(app.Out, string(data))
	} else {
		fmt.Fprint(app.Out, res.Table())
	}

	output := opts.Output
	if output == "" && app.Cfg.Bench.ReportDir != "" {
		output = filepath.Join(app.Cfg.Bench.ReportDir, fmt.Sprintf("bench-%s.json", res.ID))
	}
	if output != "" {
		if err := inferbench.SaveReport(res, output); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		fmt.Fprintf(app.Err, "report saved to %s\n", output)
	}

	if !opts.NoHistory && app.Cfg.History.Path != "" {
		h, err := store.Open(app.Cfg.History.Driver, app.Cfg.History.Path)
		if err != nil {
			app.Log.Warn().Err(err).Msg("bench history unavailable")
			return nil
		}
		defer h.Close()
		if err := h.Save(ctx, res); err != nil {
			app.Log.Warn().Err(err).Str("run", res.ID).Msg("bench history not saved")
		}
	}
	return nil
}

func newBenchHistoryCmd(app *App) *cobra.Command {
	var (
		limit int
		id    string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded benchmark runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Cfg.History.Path == "" {
				return errors.New("bench history is not configured (history.path)")
			}
			h, err := store.Open(app.Cfg.History.Driver, app.Cfg.History.Path)
			if err != nil {
				return err
			}
			defer h.Close()

			if id != "" {
				run, err := h.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprint(app.Out, run.Result.Table())
				return nil
			}
			runs, err := h.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(app.Out, "no benchmark runs recorded")
				return nil
			}
			fmt.Fprintln(app.Out, historyTable(runs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list")
	cmd.Flags().StringVar(&id, "id", "", "show the full table of one run")
	return cmd
}

func historyTable(runs []store.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.CreatedAt.Local().Format(time.DateTime),
			r.Model,
			r.Device,
			fmt.Sprintf("pp%d tg%d pl%d nr%d", r.Params.PP, r.Params.TG, r.Params.PL, r.Params.NR),
			strconv.FormatFloat(r.PPMean, 'f', 2, 64),
			strconv.FormatFloat(r.TGMean, 'f', 2, 64),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("id", "when", "model", "device", "shape", "pp t/s", "tg t/s").
		Rows(rows...).
		Render()
}
