package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/nci/gsky-s2/export"
	"github.com/nci/gsky-s2/processor"
	"github.com/nci/gsky-s2/utils"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/singleflight"
)

func newServeCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve point time series over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				config.ServiceConfig.Port = port
			}
			holder := utils.NewConfigHolder(config)
			utils.WatchConfig(configFile, holder)
			return serve(cmd.Context(), holder)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Server listening port, defaults to service_config.port.")
	return cmd
}

type seriesServer struct {
	ctx    context.Context
	holder *utils.ConfigHolder
	group  singleflight.Group

	mu    sync.Mutex
	cache *seriesCache
}

// indexSets returns the index sets of the current config, running the
// pipeline once per config. Concurrent callers share the run.
func (s *seriesServer) indexSets() ([]*processor.IndexSet, error) {
	config := s.holder.Get()
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if cache.valid(config) {
		return cache.sets, nil
	}

	v, err, _ := s.group.Do(fmt.Sprintf("%p", config), func() (interface{}, error) {
		c, err := computeIndexSets(s.ctx, config)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache = c
		s.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*seriesCache).sets, nil
}

// Spit out a simple JSON-formatted error message for Content-Type: application/json
func httpJSONError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, fmt.Sprintf(`{ "error": %q }`, err.Error()), status)
}

func parseFloatParam(r *http.Request, name string) (float64, error) {
	v := r.FormValue(name)
	if len(v) == 0 {
		return 0, fmt.Errorf("missing parameter: %s", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid parameter %s: %v", name, err)
	}
	return f, nil
}

func (s *seriesServer) handleSeries(w http.ResponseWriter, r *http.Request) {
	x, err := parseFloatParam(r, "x")
	if err != nil {
		httpJSONError(w, err, http.StatusBadRequest)
		return
	}
	y, err := parseFloatParam(r, "y")
	if err != nil {
		httpJSONError(w, err, http.StatusBadRequest)
		return
	}

	config := s.holder.Get()
	band := r.FormValue("band")
	if len(band) == 0 {
		band = config.Series.Band
	}
	pointCRS := r.FormValue("crs")
	if len(pointCRS) == 0 {
		pointCRS = defaultPointCRS
	}

	sets, err := s.indexSets()
	if err != nil {
		log.Errorf("series: %v", err)
		httpJSONError(w, err, http.StatusInternalServerError)
		return
	}
	points, err := seriesAt(sets, orb.Point{x, y}, pointCRS, band)
	if err != nil {
		httpJSONError(w, err, http.StatusBadRequest)
		return
	}

	switch r.FormValue("format") {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(export.SeriesRecords(band, points)); err != nil {
			log.Errorf("series: %v", err)
		}
	case "", "csv":
		renderer, err := processor.NewSeriesRenderer(config.Series.Template)
		if err != nil {
			httpJSONError(w, err, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		if err := renderer.Render(w, band, points); err != nil {
			log.Errorf("series: %v", err)
		}
	default:
		httpJSONError(w, fmt.Errorf("unknown format: %s", r.FormValue("format")), http.StatusBadRequest)
	}
}

func serve(ctx context.Context, holder *utils.ConfigHolder) error {
	config := holder.Get()
	s := &seriesServer{ctx: ctx, holder: holder}

	mux := http.NewServeMux()
	mux.HandleFunc("/series", s.handleSeries)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("0.0.0.0:%d", config.ServiceConfig.Port)
	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, config.ServiceConfig.MaxConnections)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 30 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("serving series on %s (max %d connections)", addr, config.ServiceConfig.MaxConnections)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
