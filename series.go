package main

import (
	"context"
	"fmt"

	"github.com/nci/gsky-s2/export"
	"github.com/nci/gsky-s2/metrics"
	"github.com/nci/gsky-s2/processor"
	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultPointCRS = "EPSG:4326"

func newSeriesCommand() *cobra.Command {
	var x, y float64
	var band, pointCRS, out string
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Print the time series of one index at one point",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			if len(band) == 0 {
				band = config.Series.Band
			}

			logger, closeLogger, err := newMetricsLogger(config)
			if err != nil {
				return err
			}
			defer closeLogger()
			mc := metrics.NewMetricsCollector(logger)
			mc.Info.Command = "series"
			mc.Info.ConfigFile = configFile
			defer mc.Log()

			res, err := processCollection(cmd.Context(), config, mc)
			if res == nil {
				return err
			}
			if err != nil {
				log.Warnf("series has gaps, some composites failed: %v", err)
			}

			points, err := seriesAt(res.IndexSets, orb.Point{x, y}, pointCRS, band)
			if err != nil {
				return err
			}

			if len(out) > 0 {
				if err := export.SaveSeriesCSV(out, band, points); err != nil {
					return err
				}
				log.Infof("wrote %d points to %s", len(points), out)
				return nil
			}

			renderer, err := processor.NewSeriesRenderer(config.Series.Template)
			if err != nil {
				return err
			}
			return renderer.Render(cmd.OutOrStdout(), band, points)
		},
	}
	cmd.Flags().Float64Var(&x, "x", 0, "Point x coordinate (longitude by default).")
	cmd.Flags().Float64Var(&y, "y", 0, "Point y coordinate (latitude by default).")
	cmd.Flags().StringVar(&pointCRS, "crs", defaultPointCRS, "CRS of the point.")
	cmd.Flags().StringVar(&band, "band", "", "Index band, defaults to series.band of the config.")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the series as CSV to this file instead of stdout.")
	cmd.MarkFlagRequired("x")
	cmd.MarkFlagRequired("y")
	return cmd
}

// seriesAt samples band at point, reprojected to the grid of the index
// sets.
func seriesAt(sets []*processor.IndexSet, point orb.Point, pointCRS string, band string) ([]processor.SeriesPoint, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("no index sets to sample")
	}
	p, err := utils.TransformPoint(point, pointCRS, sets[0].Geo.CRS)
	if err != nil {
		return nil, err
	}
	log.Debugf("series point %v %s is %v %s", point, pointCRS, p, sets[0].Geo.CRS)
	return processor.SampleSeries(sets, p, band)
}

// seriesCache holds the index sets of the current config so repeated
// series requests do not rerun the pipeline.
type seriesCache struct {
	config *utils.Config
	sets   []*processor.IndexSet
}

func (c *seriesCache) valid(config *utils.Config) bool {
	return c != nil && c.config == config
}

func computeIndexSets(ctx context.Context, config *utils.Config) (*seriesCache, error) {
	mc := metrics.NewMetricsCollector(metrics.NewStdoutLogger())
	mc.Info.Command = "serve"
	mc.Info.ConfigFile = configFile
	defer mc.Log()

	res, err := processCollection(ctx, config, mc)
	if res == nil {
		return nil, err
	}
	if err != nil {
		log.Warnf("serving partial series: %v", err)
	}
	return &seriesCache{config: config, sets: res.IndexSets}, nil
}
