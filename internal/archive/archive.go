// Package archive packages a finished capture into a single tar.gz artifact.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Normalized ownership written into every header, so archives never reveal the worker host.
const (
	ownerName  = "user"
	groupName  = "group"
	ownerID    = 0
	groupID    = 0
	defaultSSL = "openssl"
)

// Stats summarizes a packaged archive.
type Stats struct {
	Files        int
	InputBytes   int64
	ArchiveBytes int64
}

// Archiver normalizes certificates and builds archives.
type Archiver struct {
	// OpenSSL is the binary used to render certificates as text.
	OpenSSL string
	logger  *zap.Logger
}

// New returns an Archiver using the openssl found on PATH.
func New(logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{OpenSSL: defaultSSL, logger: logger.Named("archive")}
}

// Package writes root as a gzip-compressed tar to dest. Entries live under a top-level
// directory named stem. dest must not be inside root.
func (a *Archiver) Package(ctx context.Context, root, stem, dest string) (Stats, error) {
	if stem == "" || strings.ContainsAny(stem, `/\`) {
		return Stats{}, fmt.Errorf("invalid archive stem %q", stem)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Stats{}, fmt.Errorf("resolve root: %w", err)
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return Stats{}, fmt.Errorf("resolve destination: %w", err)
	}
	if strings.HasPrefix(absDest, absRoot+string(filepath.Separator)) {
		return Stats{}, fmt.Errorf("archive destination %s is inside %s", dest, root)
	}

	// #nosec G304 -- destination is chosen by the worker.
	out, err := os.Create(absDest)
	if err != nil {
		return Stats{}, fmt.Errorf("create archive: %w", err)
	}
	stats, err := write(ctx, out, absRoot, stem)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close archive: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(absDest)
		return Stats{}, err
	}
	info, err := os.Stat(absDest)
	if err != nil {
		return Stats{}, fmt.Errorf("stat archive: %w", err)
	}
	stats.ArchiveBytes = info.Size()
	a.logger.Info("archive written",
		zap.String("path", absDest),
		zap.Int("files", stats.Files),
		zap.Int64("job_mb", stats.InputBytes>>20),
		zap.Int64("archive_mb", stats.ArchiveBytes>>20),
	)
	return stats, nil
}

func write(ctx context.Context, w io.Writer, root, stem string) (Stats, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	var stats Stats

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := stem
		if rel != "." {
			name = stem + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = ownerName, groupName
		hdr.Uid, hdr.Gid = ownerID, groupID
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		// #nosec G304 -- path comes from walking the job root.
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		stats.Files++
		stats.InputBytes += n
		return nil
	})
	if walkErr != nil {
		return Stats{}, fmt.Errorf("archive %s: %w", root, walkErr)
	}
	if err := tw.Close(); err != nil {
		return Stats{}, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Stats{}, fmt.Errorf("close gzip: %w", err)
	}
	return stats, nil
}
