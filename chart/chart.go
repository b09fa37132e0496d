// Package chart renders progress and summary plots of sweep runs as PNG files
package chart

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/fetlab/fetbench/sweep"
)

// Kind selects what a progress plot shows
type Kind int

const (
	// Difference plots the change of |VDL - VDR|
	Difference Kind = iota + 1
	// LeftRight plots the change of VDL and VDR separately
	LeftRight
	// Combined plots all three
	Combined
)

// String satisfies fmt.Stringer
func (k Kind) String() string {
	switch k {
	case Difference:
		return "difference"
	case LeftRight:
		return "leftright"
	case Combined:
		return "combined"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of String, case insensitive
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "difference", "diff":
		return Difference, nil
	case "leftright", "left-right", "lr":
		return LeftRight, nil
	case "combined", "both":
		return Combined, nil
	}
	return 0, fmt.Errorf("unknown plot kind %q", s)
}

func (k Kind) diff() bool {
	return k == Difference || k == Combined
}

func (k Kind) sides() bool {
	return k == LeftRight || k == Combined
}

// ErrNothingToPlot is generated when a plot is requested of no data
var ErrNothingToPlot = errors.New("nothing to plot")

// Plotter writes plots into Dir
type Plotter struct {
	Dir string

	// Width and Height of the image, zero means 15x5 inches
	Width, Height vg.Length
}

func (p *Plotter) size() (vg.Length, vg.Length) {
	w, h := p.Width, p.Height
	if w == 0 {
		w = 15 * vg.Inch
	}
	if h == 0 {
		h = 5 * vg.Inch
	}
	return w, h
}

// ProgressFile is the file a progress plot is written to
func (p *Plotter) ProgressFile(device, testType string, step int) string {
	return filepath.Join(p.Dir, fmt.Sprintf("plotmaxvalues-%s-%s-step%03d.png", device, testType, step))
}

func last(r sweep.Record, ch string) (float64, bool) {
	s, ok := r.Series(ch)
	if !ok || len(s) == 0 {
		return math.NaN(), false
	}
	return s[len(s)-1], true
}

// PlotProgress plots the final sample of every sweep relative to the first
// sweep, in mV.  The history is split evenly between labels, one series each;
// with no labels the whole history is one series named after the device.
func (p *Plotter) PlotProgress(history []sweep.Record, labels []string, testType string, step int, device string, kind Kind) error {
	if len(history) == 0 {
		return ErrNothingToPlot
	}
	if !kind.diff() && !kind.sides() {
		return fmt.Errorf("chart: %s", kind)
	}
	l0, okL := last(history[0], sweep.VDL)
	r0, okR := last(history[0], sweep.VDR)
	if !okL || !okR {
		return fmt.Errorf("chart: history lacks %s or %s", sweep.VDL, sweep.VDR)
	}
	d0 := math.Abs(l0 - r0)

	if len(labels) == 0 {
		labels = []string{device}
	}
	groups := len(labels)
	per := len(history) / groups
	if per == 0 {
		per = len(history)
		groups = 1
	}

	plt := plot.New()
	plt.Title.Text = "Change of max values in time"
	plt.X.Label.Text = "Index"
	plt.Y.Label.Text = "Value [mV]"
	plt.Add(plotter.NewGrid())

	for g := 0; g < groups; g++ {
		lo, hi := g*per, (g+1)*per
		if g == groups-1 {
			hi = len(history)
		}
		var diff, left, right plotter.XYs
		for i := lo; i < hi; i++ {
			l, _ := last(history[i], sweep.VDL)
			r, _ := last(history[i], sweep.VDR)
			x := float64(i)
			diff = append(diff, plotter.XY{X: x, Y: (math.Abs(l-r) - d0) * 1000})
			left = append(left, plotter.XY{X: x, Y: (l - l0) * 1000})
			right = append(right, plotter.XY{X: x, Y: (r - r0) * 1000})
		}
		if kind.diff() {
			if err := addScatter(plt, diff, labels[g], plotutil.Color(3*g)); err != nil {
				return err
			}
		}
		if kind.sides() {
			if err := addScatter(plt, left, "Left-"+labels[g], plotutil.Color(3*g+1)); err != nil {
				return err
			}
			if err := addScatter(plt, right, "Right-"+labels[g], plotutil.Color(3*g+2)); err != nil {
				return err
			}
		}
	}
	plt.Legend.Top = true

	w, h := p.size()
	return p.save(plt, w, h, p.ProgressFile(device, testType, step))
}

// save writes plt to fn, creating Dir first
func (p *Plotter) save(plt *plot.Plot, w, h vg.Length, fn string) error {
	if p.Dir != "" {
		if err := os.MkdirAll(p.Dir, 0755); err != nil {
			return err
		}
	}
	return plt.Save(w, h, fn)
}

func addScatter(plt *plot.Plot, pts plotter.XYs, name string, c color.Color) error {
	s, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	s.GlyphStyle.Color = c
	plt.Add(s)
	plt.Legend.Add(name, s)
	return nil
}

// Series is a named list of means and standard deviations, one per label
type Series struct {
	Name string
	Mean []float64
	Std  []float64
}

type errPoints struct {
	plotter.XYs
	plotter.YErrors
}

// SummaryFile is the file a mean/std plot is written to
func (p *Plotter) SummaryFile(device string) string {
	return filepath.Join(p.Dir, fmt.Sprintf("meanL_R_diff-%s.png", device))
}

// PlotMeanStd plots each series as points with std error bars against the
// labels, scaled to mV
func (p *Plotter) PlotMeanStd(labels []string, series []Series, device string) error {
	if len(labels) == 0 || len(series) == 0 {
		return ErrNothingToPlot
	}
	plt := plot.New()
	plt.Title.Text = "Mean and std of DeltaV per condition"
	plt.X.Label.Text = "Condition"
	plt.Y.Label.Text = "DeltaV [mV]"
	plt.Add(plotter.NewGrid())
	plt.NominalX(labels...)

	for j, s := range series {
		if len(s.Mean) != len(labels) || len(s.Std) != len(labels) {
			return fmt.Errorf("chart: series %s has %d means and %d stds for %d labels", s.Name, len(s.Mean), len(s.Std), len(labels))
		}
		pts := errPoints{
			XYs:     make(plotter.XYs, len(labels)),
			YErrors: make(plotter.YErrors, len(labels))}
		for i := range labels {
			pts.XYs[i] = plotter.XY{X: float64(i), Y: s.Mean[i] * 1000}
			pts.YErrors[i].Low = s.Std[i] * 1000
			pts.YErrors[i].High = s.Std[i] * 1000
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = plotutil.Color(j)
		bars, err := plotter.NewYErrorBars(pts)
		if err != nil {
			return err
		}
		bars.LineStyle.Color = plotutil.Color(j)
		plt.Add(sc, bars)
		plt.Legend.Add(s.Name, sc)
	}
	plt.Legend.Top = true
	return p.save(plt, 10*vg.Inch, 8*vg.Inch, p.SummaryFile(device))
}
