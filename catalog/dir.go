package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gammazero/workerpool"
	log "github.com/sirupsen/logrus"
)

const sceneMetadataSuffix = ".scene.yaml"

// Dir is a catalog backed by a directory tree of scene metadata documents.
// Every file ending in .scene.yaml below Root describes one scene.
type Dir struct {
	Root    string
	Workers int
}

func NewDir(root string) *Dir {
	return &Dir{Root: root, Workers: 8}
}

func (d *Dir) metadataFiles(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.Walk(d.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), sceneMetadataSuffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog directory %s: %w", d.Root, err)
	}
	return files, nil
}

func (d *Dir) Search(ctx context.Context, q *Query) ([]*SceneRecord, error) {
	files, err := d.metadataFiles(ctx)
	if err != nil {
		return nil, err
	}

	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	wp := workerpool.New(workers)

	var mu sync.Mutex
	var recs []*SceneRecord
	var errs []error
	for _, file := range files {
		file := file
		wp.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			rec, err := ExtractSceneYaml(file)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", file, err))
				return
			}
			if q.Matches(rec) {
				recs = append(recs, rec)
			}
		})
	}
	wp.StopWait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}

	SortRecords(recs)
	log.Debugf("catalog %s: %d of %d scenes match %v", d.Root, len(recs), len(files), q)
	return recs, nil
}
