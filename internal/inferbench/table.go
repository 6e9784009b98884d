package inferbench

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var tableHeaders = []string{"model", "size", "params", "backend", "test", "t/s"}

// Rows returns the pp and tg rows of the result table.
func (r Result) Rows() [][]string {
	size := fmt.Sprintf("%.2f GiB", float64(r.Model.SizeBytes)/1024/1024/1024)
	params := fmt.Sprintf("%.2f B", float64(r.Model.NParams)/1e9)
	row := func(ph Phase) []string {
		return []string{
			r.Model.Description,
			size,
			params,
			r.Model.Device,
			ph.Label,
			fmt.Sprintf("%.2f ± %.2f", ph.Mean, ph.Std),
		}
	}
	return [][]string{row(r.PP), row(r.TG)}
}

// Table renders the result as a markdown table.
func (r Result) Table() string {
	t := table.New().
		Border(lipgloss.MarkdownBorder()).
		BorderTop(false).
		BorderBottom(false).
		Headers(tableHeaders...).
		Rows(r.Rows()...)
	return t.Render() + "\n"
}
