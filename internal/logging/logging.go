package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"anthropic-relay/internal/config"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// Formatter renders log entries as "[time] [level] message" lines.
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")
	buffer.WriteString(fmt.Sprintf("[%s] [%s] %s", timestamp, entry.Level, message))

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buffer.WriteString(fmt.Sprintf(" %s=%v", k, entry.Data[k]))
		}
	}

	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// Setup configures the shared logrus instance from configuration. It is safe
// to call multiple times; base initialization happens only once.
func Setup(cfg config.LoggingConfig) error {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetFormatter(&Formatter{})
		log.RegisterExitHandler(closeLogOutput)
	})

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("logging: parse level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	return configureOutput(cfg)
}

// configureOutput switches the log destination between rotating files and stdout.
func configureOutput(cfg config.LoggingConfig) error {
	writerMu.Lock()
	defer writerMu.Unlock()

	if !cfg.ToFile {
		if logWriter != nil {
			_ = logWriter.Close()
			logWriter = nil
		}
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	if logWriter != nil {
		_ = logWriter.Close()
	}
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "relay.log"),
		MaxSize:    10,
		MaxBackups: 3,
	}
	log.SetOutput(logWriter)
	return nil
}

func closeLogOutput() {
	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
}
