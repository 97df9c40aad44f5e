package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"crypto-price-alerts/internal/aggregate"
)

// HourlyOptions configure the hourly command.
type HourlyOptions struct {
	Symbol  string
	At      time.Time
	CSVPath string
	PNGPath string
}

// Hourly prints the last 24 hourly closing prices and optionally exports them.
func (a *App) Hourly(ctx context.Context, opts HourlyOptions) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	view, err := a.newService(st, nil).FetchHourly(ctx, opts.Symbol, opts.At)
	if err != nil {
		return err
	}

	if err := writeHourlyTable(a.Out, view); err != nil {
		return err
	}
	if opts.CSVPath != "" {
		if err := writeHourlyCSV(opts.CSVPath, view); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.CSVPath).Msg("hourly prices written as csv")
	}
	if opts.PNGPath != "" {
		if err := writeHourlyPNG(opts.PNGPath, view); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.PNGPath).Msg("hourly chart rendered")
	}
	return nil
}

func writeHourlyTable(out io.Writer, view aggregate.HourlyView) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "%s (%s)\t%s - %s\n", view.Symbol.Name(), view.Symbol,
		view.WindowStart.UTC().Format(time.RFC3339), view.WindowEnd.UTC().Format(time.RFC3339))
	fmt.Fprintln(writer, "Hour end (UTC)\tClose (USD)")
	for _, bucket := range view.Buckets {
		fmt.Fprintf(writer, "%s\t%s\n", bucket.End.UTC().Format(time.RFC3339), bucketPrice(bucket))
	}
	return writer.Flush()
}

func bucketPrice(b aggregate.Bucket) string {
	if b.Price == nil {
		return "-"
	}
	return b.Price.StringFixed(2)
}

func writeHourlyCSV(path string, view aggregate.HourlyView) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"symbol", "hour_end", "usd_price"}); err != nil {
		return err
	}
	for _, bucket := range view.Buckets {
		price := ""
		if bucket.Price != nil {
			price = bucket.Price.String()
		}
		if err := writer.Write([]string{string(view.Symbol), bucket.End.UTC().Format(time.RFC3339), price}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeHourlyPNG(path string, view aggregate.HourlyView) error {
	var x []time.Time
	var y []float64
	for _, bucket := range view.Buckets {
		if bucket.Price == nil {
			continue
		}
		x = append(x, bucket.End)
		y = append(y, bucket.Price.InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("need at least two hourly prices to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Title:  fmt.Sprintf("%s (%s) hourly close", view.Symbol.Name(), view.Symbol),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeHourValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "USD",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    string(view.Symbol),
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
