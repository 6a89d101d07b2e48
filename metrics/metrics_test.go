package metrics

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	infos []*MetricsInfo
}

func (c *captureLogger) Log(info *MetricsInfo) {
	c.infos = append(c.infos, info)
}

func TestToJSONRegion(t *testing.T) {
	collector := NewMetricsCollector(nil)
	collector.Info.Indexer.Region = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{20, 10}}
	collector.Info.Indexer.NumIndexSets = 2

	out, err := collector.Info.ToJSON()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	indexer := decoded["indexer"].(map[string]interface{})
	assert.Equal(t, "POLYGON((0 0,20 0,20 10,0 10,0 0))", indexer["geometry"])
	assert.InDelta(t, 200.0, indexer["geometry_area"], 1e-9)
	assert.EqualValues(t, 2, indexer["num_index_sets"])
	assert.NotContains(t, indexer, "Region")
}

func TestToJSONWholeRaster(t *testing.T) {
	info := NewMetricsCollector(nil).Info
	out, err := info.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, out, `"geometry":"POLYGON EMPTY"`)
	assert.NotContains(t, out, "errors")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestCollectorLog(t *testing.T) {
	logger := &captureLogger{}
	collector := NewMetricsCollector(logger)
	collector.Info.Command = "run"
	collector.Log()

	require.Len(t, logger.infos, 1)
	assert.Equal(t, "run", logger.infos[0].Command)
	assert.True(t, logger.infos[0].RunDuration >= 0)
	assert.NotEmpty(t, logger.infos[0].RunTime)
}

func TestFileLoggerWrites(t *testing.T) {
	dir, err := ioutil.TempDir("", "metrics")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	logger, err := NewFileLogger(dir, 0, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		info := NewMetricsCollector(nil).Info
		info.Command = fmt.Sprintf("run%d", i)
		logger.Log(info)
	}
	logger.Close()
	logger.Close()

	data, err := ioutil.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"command":"run2"`)
}

func TestFileLoggerRotation(t *testing.T) {
	dir, err := ioutil.TempDir("", "metrics")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	// every record exceeds the size limit so each write after the first rotates
	logger, err := NewFileLogger(dir, 1, 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		logger.Log(NewMetricsCollector(nil).Info)
	}
	logger.Close()

	files, err := filepath.Glob(filepath.Join(dir, logFileName+"*"))
	require.NoError(t, err)
	assert.Len(t, files, 3)

	_, err = os.Stat(filepath.Join(dir, logFileName+".0"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, logFileName+".1"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, logFileName+".2"))
	assert.True(t, os.IsNotExist(err))
}
