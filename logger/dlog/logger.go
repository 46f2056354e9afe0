package dlog

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/robfig/cron/v3"
	slogmulti "github.com/samber/slog-multi"
)

var (
	Log      *slog.Logger
	setupper sync.Once
	archiver = &Archiver{}
	console  = os.Stdout
)

// UseStderr routes console log output to stderr instead of stdout. It must
// run before the first Setup. Processes whose stdout carries protocol
// traffic use it so log lines never interleave with the protocol stream.
func UseStderr() {
	console = os.Stderr
}

// Setup builds the package logger. With LOG_DIR unset everything goes to a
// single pretty handler on stdout; with LOG_DIR set the logger fans out to
// pretty, text and json handlers backed by files under that directory, and a
// cron entry (ARCHIVE_CRON, default midnight) rotates them daily.
func Setup() {
	setupper.Do(func() {
		opts := &slog.HandlerOptions{AddSource: true}

		dir := os.Getenv("LOG_DIR")
		if dir == "" {
			Log = slog.New(NewPrettyHandler(DualWriter{Stdout: console}, opts))
			return
		}
		archiver.dir = dir

		if err := os.MkdirAll(filepath.Join(dir, "buffered"), os.ModePerm); err != nil {
			panic(err)
		}

		Log = slog.New(slogmulti.Fanout(
			prettyHandler(dir, opts),
			textHandler(dir, opts),
			jsonHandler(dir, opts),
		))

		spec := os.Getenv("ARCHIVE_CRON")
		if spec == "" {
			spec = "0 0 * * *"
		}
		c := cron.New()
		entryID, err := c.AddFunc(spec, archiver.process)
		if err != nil {
			panic(err)
		}
		c.Start()
		Log.Info("Created archive cron", "entryID", entryID)
	})
}

func Info(msg string, args ...any) {
	Setup()
	Log.Info(msg, args...)
}

func Error(msg string, args ...any) {
	Setup()
	Log.Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Setup()
	Log.Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Setup()
	Log.Debug(msg, args...)
}

func jsonHandler(dir string, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewJSONHandler(bufferedFile(dir, "default.json"), opts)
}

func textHandler(dir string, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewTextHandler(bufferedFile(dir, "default.txt"), opts)
}

func prettyHandler(dir string, opts *slog.HandlerOptions) slog.Handler {
	return NewPrettyHandler(DualWriter{
		Stdout: console,
		File:   bufferedFile(dir, "pretty.log"),
	}, opts)
}

func bufferedFile(dir, name string) *BufferedFile {
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		panic(err)
	}
	buffer, err := os.OpenFile(filepath.Join(dir, "buffered", name), os.O_APPEND|os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		panic(err)
	}
	return &BufferedFile{
		Archiver:   archiver,
		File:       file,
		BufferFile: buffer,
	}
}
