package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Logger interface {
	Log(info *MetricsInfo)
}

type StdoutLogger struct{}

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{}
}

func (l *StdoutLogger) Log(info *MetricsInfo) {
	infoStr, err := info.ToJSON()
	if err != nil {
		log.Errorf("StdoutLogger: error: %v", err)
		return
	}
	log.WithField("metrics", true).Info(strings.TrimSpace(infoStr))
}

const defaultQueueSize = 256
const defaultMaxLogFileSize = 64 * 1024 * 1024
const defaultMaxLogFiles = 10
const logFileName = "metrics.log"

// FileLogger appends metrics as JSON lines to LogDir/metrics.log, rotating
// to metrics.log.N once the file reaches MaxLogFileSize. When MaxLogFiles
// rotated files exist the oldest is overwritten.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int
	done           chan struct{}
	closeOnce      sync.Once
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int) (*FileLogger, error) {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("FileLogger: %w", err)
	}

	logger := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		done:           make(chan struct{}),
	}
	go logger.startLogWriter()
	return logger, nil
}

func (l *FileLogger) Log(info *MetricsInfo) {
	l.MetricsQueue <- info
}

// Close flushes the queued metrics and stops the writer.
func (l *FileLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.MetricsQueue)
		<-l.done
	})
}

func (l *FileLogger) logFilePath() string {
	return filepath.Join(l.LogDir, logFileName)
}

func (l *FileLogger) startLogWriter() {
	defer close(l.done)

	f, err := l.openLogFile()
	if err != nil {
		log.Errorf("FileLogger: log open error: %v", err)
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Errorf("FileLogger: info.ToJSON() error: %v", err)
			continue
		}

		f, err = l.tryRotateLogFile(f)
		if err != nil {
			log.Errorf("FileLogger: %v", err)
			continue
		}

		if _, err := f.WriteString(infoStr); err != nil {
			log.Errorf("FileLogger: write error: %v", err)
			continue
		}
		f.Sync()
	}
}

func (l *FileLogger) openLogFile() (*os.File, error) {
	return os.OpenFile(l.logFilePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// nextRotatedPath returns the first free metrics.log.N slot, or the oldest
// rotated file once all slots are taken.
func (l *FileLogger) nextRotatedPath() string {
	var oldest string
	var oldestTime time.Time
	for i := 0; i < l.MaxLogFiles; i++ {
		p := fmt.Sprintf("%s.%d", l.logFilePath(), i)
		st, err := os.Stat(p)
		if os.IsNotExist(err) {
			return p
		}
		if err != nil {
			continue
		}
		if len(oldest) == 0 || st.ModTime().Before(oldestTime) {
			oldest = p
			oldestTime = st.ModTime()
		}
	}
	if len(oldest) == 0 {
		oldest = fmt.Sprintf("%s.%d", l.logFilePath(), 0)
	}
	return oldest
}

func (l *FileLogger) tryRotateLogFile(curr *os.File) (*os.File, error) {
	if curr == nil {
		return l.openLogFile()
	}

	info, err := curr.Stat()
	if err != nil {
		log.Warnf("FileLogger: log rotation error: %v", err)
		return curr, nil
	}
	if info.Size() < l.MaxLogFileSize {
		return curr, nil
	}

	rotated := l.nextRotatedPath()
	if _, err := os.Stat(rotated); err == nil {
		log.Debugf("FileLogger: maximum number of log files reached, overwriting %s", rotated)
		if err := os.Remove(rotated); err != nil {
			log.Warnf("FileLogger: log rotation error: %v", err)
			return curr, nil
		}
	}

	curr.Close()
	if err := os.Rename(l.logFilePath(), rotated); err != nil {
		log.Warnf("FileLogger: log rotation error: %v", err)
	} else {
		log.Debugf("FileLogger: log file rotated: %v", rotated)
	}
	return l.openLogFile()
}
