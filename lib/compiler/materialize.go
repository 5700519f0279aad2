// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/pkgcrypt"
)

// Source kinds for files and folders entries.
const (
	sourceTemplate = "template"
	sourceLocal    = "local"
	sourceRemote   = "remote"
)

// materializer copies entry sources into the package workspace.
type materializer struct {
	workspace string

	// localRoot anchors relative "local" sources, normally the
	// directory formulas are loaded from.
	localRoot string

	formula    *formula.Formula
	render     func(string) string
	httpClient *http.Client

	sequence int
}

// sourceKind infers the source kind when "source" is omitted.
func sourceKind(variant formula.Variant) string {
	if kind := variant.String("source"); kind != "" {
		return kind
	}
	switch {
	case variant.String("template") != "":
		return sourceTemplate
	case variant.String("url") != "":
		return sourceRemote
	case variant.String("local") != "":
		return sourceLocal
	default:
		return ""
	}
}

// file materializes a files entry and returns its package-relative
// path.
func (m *materializer) file(ctx context.Context, entryName string, variant formula.Variant) (string, error) {
	relative := m.nextPath("files", entryName)
	destination := filepath.Join(m.workspace, relative)
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", err
	}

	switch kind := sourceKind(variant); kind {
	case sourceTemplate:
		name := variant.String("template")
		if name == "" {
			name = entryName
		}
		text, ok := m.formula.Template(name)
		if !ok {
			return "", fmt.Errorf("template %q not found in formula", name)
		}
		if err := os.WriteFile(destination, []byte(m.render(text)), 0o644); err != nil {
			return "", err
		}
	case sourceLocal:
		if err := copyFile(m.localPath(variant.String("local")), destination); err != nil {
			return "", err
		}
	case sourceRemote:
		if err := m.download(ctx, variant.String("url"), destination); err != nil {
			return "", err
		}
		if expected := variant.String("checksum"); expected != "" {
			actual, err := pkgcrypt.Checksum(destination)
			if err != nil {
				return "", err
			}
			if !strings.EqualFold(actual, expected) {
				return "", fmt.Errorf("downloaded %s has checksum %s, want %s", variant.String("url"), actual, expected)
			}
		}
	case "":
		if content, ok := variant.Params["content"]; ok {
			if err := os.WriteFile(destination, []byte(m.render(fmt.Sprint(content))), 0o644); err != nil {
				return "", err
			}
			break
		}
		return "", errors.New("no source declared")
	default:
		return "", fmt.Errorf("unknown source %q", kind)
	}
	return relative, nil
}

// folder materializes a folders entry that declares a local source
// tree. Folders without a source need nothing in the package and
// return "".
func (m *materializer) folder(entryName string, variant formula.Variant) (string, error) {
	switch kind := sourceKind(variant); kind {
	case "":
		return "", nil
	case sourceLocal:
		relative := m.nextPath("folders", entryName)
		if err := copyTree(m.localPath(variant.String("local")), filepath.Join(m.workspace, relative)); err != nil {
			return "", err
		}
		return relative, nil
	default:
		return "", fmt.Errorf("folder source %q is not supported", kind)
	}
}

func (m *materializer) nextPath(directory, entryName string) string {
	m.sequence++
	return fmt.Sprintf("%s/%03d-%s", directory, m.sequence, safeName(entryName))
}

func (m *materializer) localPath(path string) string {
	if filepath.IsAbs(path) || m.localRoot == "" {
		return path
	}
	return filepath.Join(m.localRoot, path)
}

func (m *materializer) download(ctx context.Context, url, destination string) error {
	if url == "" {
		return errors.New("remote source has no url")
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	response, err := m.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: %s", url, response.Status)
	}

	output, err := os.Create(destination)
	if err != nil {
		return err
	}
	if _, err := io.Copy(output, response.Body); err != nil {
		output.Close()
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	return output.Close()
}

// safeName keeps entry names usable as a single path component.
func safeName(name string) string {
	cleaned := strings.Map(func(character rune) rune {
		switch {
		case character >= 'a' && character <= 'z',
			character >= 'A' && character <= 'Z',
			character >= '0' && character <= '9',
			character == '.', character == '-', character == '_':
			return character
		default:
			return '_'
		}
	}, filepath.Base(name))
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "entry"
	}
	return cleaned
}

func copyFile(source, destination string) error {
	input, err := os.Open(source)
	if err != nil {
		return err
	}
	defer input.Close()
	info, err := input.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", source)
	}
	output, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(output, input); err != nil {
		output.Close()
		return err
	}
	return output.Close()
}

func copyTree(source, destination string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", source)
	}
	return filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destination, relative)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}
