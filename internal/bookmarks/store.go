// Package bookmarks persists one position token per configured channel.
//
// The file is a JSON object mapping each channel's identity key
// ("<name>#<query>") to the provider's bookmark token. Writes go to a
// temporary file in the same directory which then replaces the destination,
// so a crash leaves either the previous or the new content, never a mix.
package bookmarks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oicur0t/winevt-tailer/internal/config"
	"github.com/oicur0t/winevt-tailer/internal/errs"
	"github.com/oicur0t/winevt-tailer/internal/provider"
	"github.com/oicur0t/winevt-tailer/pkg/retry"
)

// replaceFile moves src over dst. Replaced in tests to simulate a crash.
var replaceFile = os.Rename

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

// Path returns the bookmarks file of the named tailer
func Path(dir, tailerName string) string {
	return filepath.Join(dir, "bookmarks_"+tailerName+".json")
}

// Fresh returns one empty bookmark per channel
func Fresh(channels []config.ChannelConfig, codec provider.BookmarkCodec) ([]provider.Bookmark, error) {
	marks := make([]provider.Bookmark, len(channels))
	for i, ch := range channels {
		b, err := codec.NewBookmark()
		if err != nil {
			return nil, fmt.Errorf("create bookmark for %s: %w", ch.Name, err)
		}
		marks[i] = b
	}
	return marks, nil
}

// Load returns one bookmark per channel, in channel order. Channels missing
// from the file get a fresh bookmark and file entries for channels no longer
// configured are ignored. A missing file yields fresh bookmarks for all.
// An unreadable file or a token the provider rejects is a BookmarksError.
func Load(path string, channels []config.ChannelConfig, codec provider.BookmarkCodec) ([]provider.Bookmark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Fresh(channels, codec)
		}
		return nil, errs.Bookmarks("failed to read bookmarks file %s: %w", path, err)
	}

	var tokens map[string]string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, errs.Bookmarks("failed to parse bookmarks file %s: %w", path, err)
	}

	marks := make([]provider.Bookmark, len(channels))
	for i, ch := range channels {
		token, ok := tokens[ch.Key()]
		if !ok || token == "" {
			if marks[i], err = codec.NewBookmark(); err != nil {
				return nil, fmt.Errorf("create bookmark for %s: %w", ch.Name, err)
			}
			continue
		}
		if marks[i], err = codec.ParseBookmark(token); err != nil {
			return nil, errs.Bookmarks("bookmark of channel %s in %s: %w", ch.Key(), path, err)
		}
	}
	return marks, nil
}

// Store writes every channel's bookmark to path atomically
func Store(path string, marks []provider.Bookmark, channels []config.ChannelConfig, codec provider.BookmarkCodec) error {
	if len(marks) != len(channels) {
		return fmt.Errorf("store bookmarks: %d bookmarks for %d channels", len(marks), len(channels))
	}

	tokens := make(map[string]string, len(channels))
	for i, ch := range channels {
		token, err := codec.FormatBookmark(marks[i])
		if err != nil {
			return fmt.Errorf("format bookmark of %s: %w", ch.Key(), err)
		}
		tokens[ch.Key()] = lineBreaks.Replace(token)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tokens); err != nil {
		return fmt.Errorf("failed to marshal bookmarks: %w", err)
	}
	data := buf.Bytes()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create bookmarks dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp bookmarks file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp bookmarks file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp bookmarks file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp bookmarks file: %w", err)
	}

	err = retry.Do(context.Background(), retry.FileReplaceConfig(), func() error {
		err := replaceFile(tmpName, path)
		if errors.Is(err, os.ErrNotExist) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replace bookmarks file: %w", err)
	}
	committed = true
	return nil
}

// Reset deletes the bookmarks file. A missing file is not an error.
func Reset(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove bookmarks file: %w", err)
	}
	return nil
}
