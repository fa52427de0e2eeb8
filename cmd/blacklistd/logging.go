package main

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the daemon logger, writing JSON lines either to w, or
// to the configured rotating log file, which must be closed via the
// returned closer.
func newLogger(s *Settings, w io.Writer) (*logiface.Logger[logiface.Event], io.Closer) {
	var closer io.Closer = nopCloser{}
	if s.LogFile != `` {
		f := &lumberjack.Logger{
			Filename:   s.LogFile,
			MaxSize:    s.LogMaxSize, // megabytes
			MaxBackups: s.LogMaxBackups,
			MaxAge:     s.LogMaxAge,
			Compress:   s.LogCompress,
		}
		w = f
		closer = f
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(`time`),
		),
		stumpy.L.WithLevel(s.LogLevel),
	)

	return logger.Logger(), closer
}
