package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/nci/gsky-s2/processor"
)

// SeriesRecord is one CSV row of a point time series. Value is empty when
// the point holds no data on that date.
type SeriesRecord struct {
	Date        string `csv:"date" json:"date"`
	CompositeID string `csv:"composite_id" json:"composite_id"`
	Band        string `csv:"band" json:"band"`
	Value       string `csv:"value" json:"value"`
}

func SeriesRecords(band string, points []processor.SeriesPoint) []*SeriesRecord {
	records := make([]*SeriesRecord, len(points))
	for i, p := range points {
		records[i] = &SeriesRecord{
			Date:        p.ISODate(),
			CompositeID: p.CompositeID,
			Band:        band,
			Value:       p.FormatValue(),
		}
	}
	return records
}

func WriteSeriesCSV(w io.Writer, band string, points []processor.SeriesPoint) error {
	records := SeriesRecords(band, points)
	if err := gocsv.Marshal(&records, w); err != nil {
		return fmt.Errorf("writing series: %w", err)
	}
	return nil
}

// SaveSeriesCSV writes the series to path, creating its directory.
func SaveSeriesCSV(path string, band string, points []processor.SeriesPoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	records := SeriesRecords(band, points)
	if err := gocsv.MarshalFile(&records, f); err != nil {
		f.Close()
		return fmt.Errorf("writing series %s: %w", path, err)
	}
	return f.Close()
}

// ReadSeriesCSV parses a series written by WriteSeriesCSV.
func ReadSeriesCSV(r io.Reader) ([]*SeriesRecord, error) {
	var records []*SeriesRecord
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("reading series: %w", err)
	}
	return records, nil
}
