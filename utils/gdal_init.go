package utils

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/airbusgeo/godal"
)

var gdalOnce sync.Once

// InitGdal sets the GDAL configuration defaults and registers the drivers.
// It is safe to call more than once.
func InitGdal() {
	gdalOnce.Do(func() {
		setDefaultEnv("GDAL_PAM_ENABLED", "NO")
		setDefaultEnv("GDAL_DISABLE_READDIR_ON_OPEN", "EMPTY_DIR")
		setDefaultEnv("GDAL_MAX_DATASET_POOL_SIZE", "10")
		setDefaultEnv("CPL_VSIL_CURL_ALLOWED_EXTENSIONS", ".tif,.TIF,.jp2,.JP2,.vrt")

		exeFilePath, err := os.Executable()
		if err == nil {
			setDefaultEnv("GDAL_DRIVER_PATH", filepath.Dir(exeFilePath))
		}

		godal.RegisterAll()
	})
}
