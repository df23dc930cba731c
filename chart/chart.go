// Package chart renders the training curves and the prediction report as images.
package chart

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/inference"
	"github.com/maricarminate/Cats-vs-Dogs/model"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	trainingDPI   = 300
	predictionDPI = 150
)

var (
	catColor   = color.RGBA{R: 255, G: 165, A: 255}
	dogColor   = color.RGBA{R: 165, G: 42, B: 42, A: 255}
	edgeColor  = color.Black
	trainColor = plotutil.Color(0)
	validColor = plotutil.Color(1)
)

func newPlot(title, xLabel, yLabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.Title.TextStyle.Font.Size = vg.Points(14)
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	return p
}

func epochLine(values []float64, c color.Color) (*plotter.Line, *plotter.Scatter, error) {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X, pts[i].Y = float64(i+1), v
	}
	l, s, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, nil, err
	}
	l.Width = vg.Points(2)
	l.Color = c
	s.Color = c
	s.Shape = draw.CircleGlyph{}
	return l, s, nil
}

func addSeries(p *plot.Plot, name string, values []float64, c color.Color) error {
	if len(values) == 0 {
		return nil
	}
	l, s, err := epochLine(values, c)
	if err != nil {
		return errors.Wrapf(err, "%s series", name)
	}
	p.Add(l, s)
	p.Legend.Add(name, l, s)
	return nil
}

// TrainingCurves writes accuracy and loss per epoch, train against validation, side by side
func TrainingCurves(h model.History, file string) error {
	if h.Epochs() == 0 {
		return errors.New("empty training history")
	}

	acc := newPlot("Model accuracy", "Epoch", "Accuracy")
	if err := addSeries(acc, "Train", h.Accuracy, trainColor); err != nil {
		return err
	}
	if err := addSeries(acc, "Validation", h.ValAccuracy, validColor); err != nil {
		return err
	}
	acc.Y.Min, acc.Y.Max = 0, 1

	loss := newPlot("Model loss", "Epoch", "Loss")
	if err := addSeries(loss, "Train", h.Loss, trainColor); err != nil {
		return err
	}
	if err := addSeries(loss, "Validation", h.ValLoss, validColor); err != nil {
		return err
	}

	_, err := save([][]*plot.Plot{{acc, loss}}, 14*vg.Inch, 5*vg.Inch, trainingDPI, file)
	return err
}

// OutputName file name of the prediction report for an input image: the prefix and the base name,
// taking both slash kinds as separators
func OutputName(imagePath string) string {
	name := imagePath
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return constants.PredictionPrefix + name
}

// Prediction writes the input image beside a bar chart of both class probabilities.
// It returns the file written, which has a .png extension when the requested one is not png or jpeg.
func Prediction(img image.Image, pred inference.Prediction, file string) (string, error) {
	b := img.Bounds()
	original := newPlot("Original image", "", "")
	original.Legend.Top = false
	original.Add(plotter.NewImage(img, 0, 0, float64(b.Dx()), float64(b.Dy())))
	original.HideAxes()

	probs := newPlot(fmt.Sprintf("PREDICTION: %s", strings.ToUpper(pred.Label)), "", "Probability (%)")
	cat, dog := pred.Probabilities()
	var pts plotter.XYs
	var labels []string
	for i, bar := range []struct {
		value float64
		color color.Color
	}{
		{cat, catColor},
		{dog, dogColor},
	} {
		bc, err := plotter.NewBarChart(plotter.Values{bar.value}, vg.Points(60))
		if err != nil {
			return "", errors.Wrap(err, "probability bars")
		}
		bc.XMin = float64(i)
		bc.Color = bar.color
		bc.LineStyle.Color = edgeColor
		probs.Add(bc)

		pts = append(pts, plotter.XY{X: float64(i), Y: bar.value})
		labels = append(labels, fmt.Sprintf("%.1f%%", bar.value))
	}
	values, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
	if err != nil {
		return "", errors.Wrap(err, "probability labels")
	}
	for i := range values.TextStyle {
		values.TextStyle[i].XAlign = text.XCenter
		values.TextStyle[i].YAlign = text.YBottom
	}
	probs.Add(values)
	probs.NominalX("Cat", "Dog")
	probs.Y.Min, probs.Y.Max = 0, 100

	return save([][]*plot.Plot{{original, probs}}, 10*vg.Inch, 6*vg.Inch, predictionDPI, file)
}

// save draws the plots as a grid on one canvas and encodes it according to the file extension
func save(plots [][]*plot.Plot, w, h vg.Length, dpi int, file string) (string, error) {
	c := vgimg.NewWith(vgimg.UseWH(w, h), vgimg.UseDPI(dpi))
	dc := draw.New(c)

	t := draw.Tiles{
		Rows:      len(plots),
		Cols:      len(plots[0]),
		PadX:      5 * vg.Millimeter,
		PadY:      5 * vg.Millimeter,
		PadTop:    2 * vg.Millimeter,
		PadBottom: 2 * vg.Millimeter,
		PadLeft:   2 * vg.Millimeter,
		PadRight:  2 * vg.Millimeter,
	}
	canvases := plot.Align(plots, t, dc)
	for j := range plots {
		for i, p := range plots[j] {
			p.Draw(canvases[j][i])
		}
	}

	var writer io.WriterTo
	switch strings.ToLower(filepath.Ext(file)) {
	case ".png":
		writer = vgimg.PngCanvas{Canvas: c}
	case ".jpg", ".jpeg":
		writer = vgimg.JpegCanvas{Canvas: c}
	default:
		file = strings.TrimSuffix(file, filepath.Ext(file)) + ".png"
		writer = vgimg.PngCanvas{Canvas: c}
	}

	f, err := os.Create(file)
	if err != nil {
		return "", errors.Wrap(err, "create chart")
	}
	if _, err := writer.WriteTo(f); err != nil {
		f.Close()
		return "", errors.Wrapf(err, "write %s", file)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "write %s", file)
	}

	return file, nil
}
