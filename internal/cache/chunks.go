package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (s *Store) chunkName(key string, start, end int64) string {
	return fmt.Sprintf("%s_%d_%d%s", key, start, end, chunkExt)
}

// ChunkPath returns the file holding bytes [start, end] of url.
func (s *Store) ChunkPath(url string, start, end int64) string {
	return filepath.Join(s.chunksDir, s.chunkName(Key(url), start, end))
}

// LockChunk takes the per-key lock of one chunk file.
func (s *Store) LockChunk(url string, start, end int64) (unlock func()) {
	return s.locks.Lock(s.chunkName(Key(url), start, end))
}

// CreateChunk creates (or truncates) the chunk file for [start, end] of url.
// The caller should hold the chunk lock.
func (s *Store) CreateChunk(url string, start, end int64) (*os.File, error) {
	f, err := os.OpenFile(s.ChunkPath(url, start, end), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk file: %w", err)
	}
	return f, nil
}

// RemoveChunk deletes one chunk file.
func (s *Store) RemoveChunk(url string, start, end int64) bool {
	unlock := s.LockChunk(url, start, end)
	defer unlock()
	return s.removeFile(s.ChunkPath(url, start, end))
}

// RemoveChunks deletes every chunk file of url and returns how many were removed.
func (s *Store) RemoveChunks(url string) int {
	matches, err := filepath.Glob(filepath.Join(s.chunksDir, Key(url)+"_*"+chunkExt))
	if err != nil {
		return 0
	}
	removed := 0
	for _, m := range matches {
		if s.removeFile(m) {
			removed++
		}
	}
	return removed
}

// ChunkFiles lists the chunk files currently on disk.
func (s *Store) ChunkFiles() ([]string, error) {
	entries, err := os.ReadDir(s.chunksDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), chunkExt) {
			out = append(out, filepath.Join(s.chunksDir, e.Name()))
		}
	}
	return out, nil
}

// sweepChunks empties the chunk directory, including meta temp files left by
// a crash.
func (s *Store) sweepChunks() (int, error) {
	entries, err := os.ReadDir(s.chunksDir)
	if err != nil {
		return 0, err
	}
	if err := removeContents(s.chunksDir); err != nil {
		return 0, err
	}
	return len(entries), nil
}
