package processor

import (
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"

	"github.com/edisonguo/jet"
)

// DefaultSeriesTemplate renders a series as CSV.
const DefaultSeriesTemplate = `date,{{ .Band }}
{{range i, p := .Points}}{{ p.Date }},{{ p.Value }}
{{end}}`

type SeriesRow struct {
	Date        string
	CompositeID string
	Value       string
}

type SeriesView struct {
	Band   string
	Points []SeriesRow
}

type SeriesRenderer struct {
	set  *jet.Set
	tmpl *jet.Template
}

// NewSeriesRenderer loads the jet template at templatePath, or the
// built-in CSV template when templatePath is empty.
func NewSeriesRenderer(templatePath string) (*SeriesRenderer, error) {
	set := jet.NewSet(jet.SafeWriter(func(w io.Writer, b []byte) {
		w.Write(b)
	}))

	name := "series.csv"
	content := DefaultSeriesTemplate
	if len(templatePath) > 0 {
		b, err := ioutil.ReadFile(templatePath)
		if err != nil {
			return nil, fmt.Errorf("error trying to read %s file: %w", templatePath, err)
		}
		name = filepath.Base(templatePath)
		content = string(b)
	}

	tmpl, err := set.LoadTemplate(name, content)
	if err != nil {
		return nil, fmt.Errorf("error trying to parse template document: %w", err)
	}
	return &SeriesRenderer{set: set, tmpl: tmpl}, nil
}

func (sr *SeriesRenderer) Render(w io.Writer, band string, points []SeriesPoint) error {
	view := SeriesView{Band: band}
	for _, p := range points {
		view.Points = append(view.Points, SeriesRow{
			Date:        p.ISODate(),
			CompositeID: p.CompositeID,
			Value:       p.FormatValue(),
		})
	}

	vars := make(jet.VarMap)
	if err := sr.tmpl.Execute(w, vars, view); err != nil {
		return fmt.Errorf("error executing template: %w", err)
	}
	return nil
}
