package builder

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// archivePacket bundles a finished packet directory into a single archive
// file alongside it, for transports that want one blob rather than a
// directory tree (spec §4.1 phase 7, optional).
func archivePacket(destPath string, format ArchiveFormat) error {
	switch format {
	case ArchiveTarGz:
		return archiveTarGz(destPath, destPath+".tar.gz")
	case ArchiveZip:
		return archiveZip(destPath, destPath+".zip")
	default:
		return nil
	}
}

func archiveTarGz(srcDir, destFile string) error {
	f, err := os.Create(destFile)
	if err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to create archive file", err)
	}
	defer func() { _ = f.Close() }()

	gz := gzip.NewWriter(f)
	defer func() { _ = gz.Close() }()
	tw := tar.NewWriter(gz)
	defer func() { _ = tw.Close() }()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Base(path) == ".building" {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(tw, src)
		return err
	})
}

func archiveZip(srcDir, destFile string) error {
	f, err := os.Create(destFile)
	if err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to create archive file", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	defer func() { _ = zw.Close() }()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Base(path) == ".building" {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(w, src)
		return err
	})
}
