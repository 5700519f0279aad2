// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"archive/tar"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// saltFile is written into every workspace so two packages built from
// identical inputs never share a checksum.
const saltFile = ".salt"

const saltBytes = 32

func writeSalt(workspace string) error {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating package salt: %w", err)
	}
	return os.WriteFile(filepath.Join(workspace, saltFile), []byte(hex.EncodeToString(salt)+"\n"), 0o600)
}

// writeArchive packs workspace into a gzip-compressed tar at
// archivePath. Entries are rooted at the workspace's base name so that
// extracting into /tmp yields /tmp/<uuid>/main.py.
func writeArchive(workspace, archivePath string) (err error) {
	output, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if closeErr := output.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(archivePath)
		}
	}()

	compressor, err := gzip.NewWriterLevel(output, gzip.BestCompression)
	if err != nil {
		return err
	}
	archive := tar.NewWriter(compressor)
	root := filepath.Base(workspace)

	err = filepath.WalkDir(workspace, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(filepath.Join(root, relative))
		header.Uname, header.Gname = "", ""
		header.Uid, header.Gid = 0, 0
		if entry.IsDir() {
			header.Name += "/"
		}
		if err := archive.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(archive, file)
		return err
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", workspace, err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("finishing tar stream: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("finishing gzip stream: %w", err)
	}
	return nil
}
