package export

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/terralode/jointinv/internal/inversion"
)

// WriteConvergenceChart renders the residual trajectory across major
// iterations as a standalone HTML line chart.
func WriteConvergenceChart(path string, history []inversion.MajorStats) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Convergence history"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "major iteration"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "residual", Type: "log"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	xAxis := make([]string, len(history))
	residual := make([]opts.LineData, len(history))
	crossGrad := make([]opts.LineData, 0, len(history))
	haveCG := false
	for i, h := range history {
		xAxis[i] = fmt.Sprintf("%d", h.Major)
		residual[i] = opts.LineData{Value: h.ResidualNorm}
		if h.CrossGradientNorm > 0 {
			haveCG = true
		}
		crossGrad = append(crossGrad, opts.LineData{Value: h.CrossGradientNorm})
	}

	line.SetXAxis(xAxis).
		AddSeries("data residual", residual)
	if haveCG {
		line.AddSeries("cross-gradient norm", crossGrad)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()
	if err := line.Render(f); err != nil {
		return fmt.Errorf("export: render convergence chart: %w", err)
	}
	return nil
}
