package logging

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Archive packs the log at path into <dir>/logs-<timestamp>.tar.gz next
// to it and truncates the original. It returns the archive path.
func Archive(path string, now time.Time) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", err
	}

	target := filepath.Join(filepath.Dir(path), fmt.Sprintf("logs-%s.tar.gz", now.Format("20060102-150405")))
	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return "", err
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return "", err
	}
	if _, err := io.Copy(tw, src); err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gw.Close(); err != nil {
		return "", err
	}

	if err := os.Truncate(path, 0); err != nil {
		return target, err
	}
	return target, nil
}
