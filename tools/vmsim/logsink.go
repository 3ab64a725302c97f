package main

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"
)

// logSink is an io.Writer that turns kernel console output into log entries.
// Output is split into lines; a leading "[module]" tag becomes the module
// field of the entry.
type logSink struct {
	log     logrus.FieldLogger
	partial []byte
}

func newLogSink(log logrus.FieldLogger) *logSink {
	return &logSink{log: log}
}

// Write implements io.Writer.
func (s *logSink) Write(p []byte) (int, error) {
	s.partial = append(s.partial, p...)
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		s.emit(string(s.partial[:idx]))
		s.partial = s.partial[idx+1:]
	}
	return len(p), nil
}

// Flush emits any buffered text that was not terminated by a newline.
func (s *logSink) Flush() {
	if len(s.partial) != 0 {
		s.emit(string(s.partial))
		s.partial = s.partial[:0]
	}
}

func (s *logSink) emit(line string) {
	line = strings.TrimRight(line, " \r")
	if line == "" {
		return
	}

	module := "kernel"
	if strings.HasPrefix(line, "[") {
		if end := strings.IndexByte(line, ']'); end > 1 {
			module = line[1:end]
			line = strings.TrimLeft(line[end+1:], " ")
		}
	}

	s.log.WithField("module", module).Info(line)
}
