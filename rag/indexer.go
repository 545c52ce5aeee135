package rag

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Chunk is one embeddable unit of source text pulled from a working tree.
type Chunk struct {
	Path string
	Text string
}

// sourceExtensions bounds indexing to plausible source/text files, avoiding
// binary blobs and vendor/build output.
var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".ts": true, ".tsx": true, ".js": true,
	".md": true, ".json": true, ".yaml": true, ".yml": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".worktrees": true,
}

const maxChunkLines = 80

// Indexer walks a working tree and produces Chunks suitable for embedding.
type Indexer struct {
	root string
}

// NewIndexer returns an Indexer rooted at a worker's working tree.
func NewIndexer(root string) *Indexer {
	return &Indexer{root: root}
}

// Index walks the tree and returns chunks, each at most maxChunkLines long.
func (idx *Indexer) Index(ctx context.Context) ([]Chunk, error) {
	var chunks []Chunk
	err := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[filepath.Ext(path)] {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		fileChunks, err := chunkFile(path)
		if err != nil {
			return nil // unreadable file, skip rather than fail the whole index
		}
		chunks = append(chunks, fileChunks...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rag: index working tree: %w", err)
	}
	return chunks, nil
}

func chunkFile(path string) ([]Chunk, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from filepath.WalkDir over a trusted working tree
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks []Chunk
	var buf []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf = append(buf, scanner.Text())
		if len(buf) >= maxChunkLines {
			chunks = append(chunks, Chunk{Path: path, Text: strings.Join(buf, "\n")})
			buf = nil
		}
	}
	if len(buf) > 0 {
		chunks = append(chunks, Chunk{Path: path, Text: strings.Join(buf, "\n")})
	}
	return chunks, scanner.Err()
}
