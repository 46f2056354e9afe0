package dlog

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Archiver moves yesterday's log files into a dated directory. While a run is
// in flight writers buffer into their side file instead of the live log.
type Archiver struct {
	dir        string
	processing bool
}

func (a *Archiver) process() {
	Log.Info("Started archive run")
	a.processing = true
	defer func() { a.processing = false }()

	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	archiveDir := filepath.Join(a.dir, yesterday)

	tmp := archiveDir
	counter := 1
	err := os.Mkdir(archiveDir, 0755)
	for os.IsExist(err) {
		archiveDir = tmp + "-" + strconv.Itoa(counter)
		counter++
		err = os.Mkdir(archiveDir, 0755)
	}
	if err != nil {
		Log.Error("Failed to create archive directory", "error", err)
		return
	}

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		Log.Error("Failed to read log directory", "error", err)
		return
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		src := filepath.Join(a.dir, entry.Name())
		old, err := os.Open(src)
		if err != nil {
			Log.Error("Failed to open file", "fileName", src, "err", err)
			return
		}
		archived, err := os.OpenFile(filepath.Join(archiveDir, entry.Name()), os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			Log.Error("Failed to open file", "fileName", entry.Name(), "err", err)
			return
		}
		written, err := io.Copy(archived, old)
		old.Close()
		archived.Close()
		if err != nil {
			Log.Error("Failed to write archived log", "fileName", entry.Name(), "error", err)
			return
		}
		Log.Info("Copied log", "fileName", entry.Name(), "written", written)

		if err = os.Truncate(src, 0); err != nil {
			Log.Error("Failed to truncate file", "fileName", src, "err", err)
			return
		}
	}
}

// BufferedFile is the write target of the file-backed handlers. Writes go to
// File except while the archiver is processing, during which they land in
// BufferFile and are replayed afterwards.
type BufferedFile struct {
	Archiver   *Archiver
	File       *os.File
	BufferFile *os.File
	buffered   bool
}

func (b *BufferedFile) Write(p []byte) (n int, err error) {
	if b.Archiver.processing {
		b.buffered = true
		if _, err := b.BufferFile.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if b.buffered {
		b.buffered = false
		if _, err := b.BufferFile.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		if _, err := io.Copy(b.File, b.BufferFile); err != nil {
			return 0, err
		}
		if err := b.BufferFile.Truncate(0); err != nil {
			return 0, err
		}
	}
	return b.File.Write(p)
}
