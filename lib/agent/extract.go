// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// extract unpacks a gzip-compressed tar into destination and returns
// the single top-level directory every entry lives under. Entries that
// would escape destination, links, and device files are rejected.
func extract(archivePath, destination string) (string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	decompressor, err := gzip.NewReader(file)
	if err != nil {
		return "", err
	}
	defer decompressor.Close()

	reader := tar.NewReader(decompressor)
	root := ""
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		name := path.Clean(header.Name)
		if name == "." || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return "", fmt.Errorf("archive entry %q escapes the package root", header.Name)
		}
		top, _, _ := strings.Cut(name, "/")
		if root == "" {
			root = top
		} else if top != root {
			return "", fmt.Errorf("archive entry %q is outside package root %q", header.Name, root)
		}

		target := filepath.Join(destination, filepath.FromSlash(name))
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return "", err
			}
			if err := writeEntry(target, reader, header.FileInfo().Mode().Perm()); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("archive entry %q has unsupported type %q", header.Name, header.Typeflag)
		}
	}
	if root == "" {
		return "", errors.New("archive is empty")
	}
	return root, nil
}

func writeEntry(target string, source io.Reader, mode os.FileMode) error {
	output, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(output, source); err != nil {
		output.Close()
		return err
	}
	return output.Close()
}
