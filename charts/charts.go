// Package charts renders the interpretation artifacts as PNG files:
// feature importance bars, diverging local explanation bars, attribution
// summaries and training curves.
package charts

import (
	"image/color"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/senslab/faultclass/explain"
	"github.com/senslab/faultclass/pkg/errors"
)

var (
	positiveColor = color.RGBA{R: 34, G: 139, B: 34, A: 255}
	negativeColor = color.RGBA{R: 178, G: 34, B: 34, A: 255}
	neutralColor  = color.RGBA{R: 70, G: 130, B: 180, A: 255}
)

// ImportanceBars writes a horizontal bar chart of feature importances,
// largest at the top.
func ImportanceBars(importances []float64, names []string, title, path string) error {
	if len(importances) == 0 {
		return errors.NewModelError("charts.ImportanceBars", "no importances", errors.ErrEmptyData)
	}
	if len(names) != len(importances) {
		return errors.NewDimensionError("charts.ImportanceBars", len(importances), len(names), 1)
	}

	type pair struct {
		name  string
		value float64
	}
	pairs := make([]pair, len(importances))
	for j := range importances {
		pairs[j] = pair{name: names[j], value: importances[j]}
	}
	// Ascending so the largest bar renders at the top of the axis.
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].value < pairs[b].value })

	values := make(plotter.Values, len(pairs))
	labels := make([]string, len(pairs))
	for i, pr := range pairs {
		values[i] = pr.value
		labels[i] = pr.name
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "importance"

	bars, err := plotter.NewBarChart(values, vg.Points(14))
	if err != nil {
		return errors.Wrap(err, "building importance bars")
	}
	bars.Horizontal = true
	bars.Color = neutralColor
	bars.LineStyle.Width = 0

	p.Add(bars)
	p.NominalY(labels...)

	if err := p.Save(6*vg.Inch, chartHeight(len(labels)), path); err != nil {
		return errors.Wrap(err, "saving importance chart")
	}
	return nil
}

// ExplanationBars writes a diverging horizontal bar chart for one local
// explanation: contributions pushing toward the class in green, away in
// red, strongest at the top.
func ExplanationBars(exp *explain.Explanation, title, path string) error {
	if exp == nil || len(exp.Contributions) == 0 {
		return errors.NewModelError("charts.ExplanationBars", "no contributions", errors.ErrEmptyData)
	}

	// Contributions arrive strongest-first; reverse for top-down rendering.
	n := len(exp.Contributions)
	positives := make(plotter.Values, n)
	negatives := make(plotter.Values, n)
	labels := make([]string, n)
	for i, c := range exp.Contributions {
		at := n - 1 - i
		labels[at] = c.Name
		if c.Weight >= 0 {
			positives[at] = c.Weight
		} else {
			negatives[at] = c.Weight
		}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "contribution"

	posBars, err := plotter.NewBarChart(positives, vg.Points(14))
	if err != nil {
		return errors.Wrap(err, "building positive bars")
	}
	posBars.Horizontal = true
	posBars.Color = positiveColor
	posBars.LineStyle.Width = 0

	negBars, err := plotter.NewBarChart(negatives, vg.Points(14))
	if err != nil {
		return errors.Wrap(err, "building negative bars")
	}
	negBars.Horizontal = true
	negBars.Color = negativeColor
	negBars.LineStyle.Width = 0

	p.Add(posBars, negBars)
	p.NominalY(labels...)

	if err := p.Save(6*vg.Inch, chartHeight(n), path); err != nil {
		return errors.Wrap(err, "saving explanation chart")
	}
	return nil
}

// AttributionSummary writes a horizontal bar chart of mean absolute
// attributions, the global view of the per-row attributions.
func AttributionSummary(impacts []explain.FeatureImpact, title, path string) error {
	if len(impacts) == 0 {
		return errors.NewModelError("charts.AttributionSummary", "no impacts", errors.ErrEmptyData)
	}

	names := make([]string, len(impacts))
	values := make([]float64, len(impacts))
	for i, impact := range impacts {
		names[i] = impact.Name
		values[i] = impact.MeanAbs
	}
	return ImportanceBars(values, names, title, path)
}

// TrainingCurves writes the per-epoch loss and validation accuracy lines.
func TrainingCurves(losses, valAccuracies []float64, title, path string) error {
	if len(losses) == 0 {
		return errors.NewModelError("charts.TrainingCurves", "no epochs", errors.ErrEmptyData)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"

	lossPts := make(plotter.XYs, len(losses))
	for i, v := range losses {
		lossPts[i] = plotter.XY{X: float64(i), Y: v}
	}
	lossLine, err := plotter.NewLine(lossPts)
	if err != nil {
		return errors.Wrap(err, "building loss line")
	}
	lossLine.Color = negativeColor
	p.Add(lossLine)
	p.Legend.Add("loss", lossLine)

	if len(valAccuracies) == len(losses) {
		accPts := make(plotter.XYs, len(valAccuracies))
		for i, v := range valAccuracies {
			accPts[i] = plotter.XY{X: float64(i), Y: v}
		}
		accLine, err := plotter.NewLine(accPts)
		if err != nil {
			return errors.Wrap(err, "building accuracy line")
		}
		accLine.Color = positiveColor
		p.Add(accLine)
		p.Legend.Add("val accuracy", accLine)
	}

	p.Legend.Top = true
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrap(err, "saving training curves")
	}
	return nil
}

func chartHeight(bars int) vg.Length {
	h := vg.Points(float64(bars)*22 + 80)
	if h < 3*vg.Inch {
		h = 3 * vg.Inch
	}
	return h
}
