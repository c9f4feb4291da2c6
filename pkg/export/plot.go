package export

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/itohio/rcexp/pkg/experiment"
	"github.com/itohio/rcexp/pkg/fit"
	"github.com/itohio/rcexp/pkg/sample"
)

// MaxPlotPoints bounds the points drawn per series.
const MaxPlotPoints = 2000

// Chart builds a line chart of the measured samples and, when present, the fitted curve.
func Chart(res *experiment.Result) *charts.Line {
	points := sample.Downsample(nil, res.Samples, MaxPlotPoints)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("rcexp %s run", res.Kind),
			Width:     "1200px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    title(res),
			Subtitle: subtitle(res),
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(true),
			Top:  "bottom",
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Name: "Time (s)",
			Type: "value",
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:  "Voltage (V)",
			Type:  "value",
			Scale: opts.Bool(true),
		}),
	)

	measured := make([]opts.LineData, len(points))
	for i, s := range points {
		measured[i] = opts.LineData{Value: []float64{s.Time, s.Voltage}}
	}
	line.AddSeries("measured", measured,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	if window := smoothingWindow(res); window > 1 {
		avg := sample.Downsample(nil, sample.MovingAverage(nil, res.Samples, window), MaxPlotPoints)
		smoothed := make([]opts.LineData, len(avg))
		for i, s := range avg {
			smoothed[i] = opts.LineData{Value: []float64{s.Time, s.Voltage}}
		}
		line.AddSeries("average", smoothed,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		)
	}

	if res.Fit != nil {
		model := res.Kind.Model()
		fitted := make([]opts.LineData, len(points))
		for i, s := range points {
			fitted[i] = opts.LineData{Value: []float64{s.Time, fit.Curve(model, *res.Fit, s.Time)}}
		}
		line.AddSeries("fit", fitted,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false), Smooth: opts.Bool(true)}),
		)
	}

	return line
}

// smoothingWindow returns the number of samples in one pulse period, or zero
// for runs that are not pulse captures.
func smoothingWindow(res *experiment.Result) int {
	n := len(res.Samples)
	if res.Kind != experiment.PulseCapture || n < 2 || res.Params.PulseDurationMs <= 0 {
		return 0
	}
	step := res.Samples[n-1].Time / float64(n-1)
	if step <= 0 {
		return 0
	}
	return int(math.Round(float64(res.Params.PulseDurationMs) / 1000 / step))
}

// WritePlot renders res as a standalone HTML page.
func WritePlot(w io.Writer, res *experiment.Result) error {
	if res == nil || len(res.Samples) == 0 {
		return ErrNoSamples
	}
	if err := Chart(res).Render(w); err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	return nil
}

// SavePlot writes the plot next to path with an .html extension and returns the path written.
func SavePlot(path string, res *experiment.Result) (string, error) {
	if res == nil || len(res.Samples) == 0 {
		return "", ErrNoSamples
	}

	path = withExt(path, ".html")
	if err := writeFile(path, func(w io.Writer) error {
		return WritePlot(w, res)
	}); err != nil {
		return "", err
	}

	log.Printf("Saved plot to %s", path)
	return path, nil
}

func title(res *experiment.Result) string {
	return fmt.Sprintf("%s: R=%.0f Ohm, C=%.3g uF", res.Kind, res.Params.ResistanceOhms, res.Params.CapacitanceFarads*1e6)
}

func subtitle(res *experiment.Result) string {
	switch {
	case res.Fit != nil:
		return fmt.Sprintf("fit: tau=%.4g s (RC=%.4g s), Vcc=%.3f V, rms=%.3g V",
			res.Fit.TimeConstant, res.Params.TimeConstant(), res.Fit.SupplyVoltage, res.Fit.RMS)
	case res.Pulse != nil:
		return fmt.Sprintf("steady state: mean=%.3f V, ripple=%.3f V", res.Pulse.Mean, res.Pulse.Ripple)
	case res.FitError != "":
		return "no fit: " + res.FitError
	default:
		return fmt.Sprintf("%d samples", len(res.Samples))
	}
}
