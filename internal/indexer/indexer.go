// Package indexer walks a directory of documents or meeting transcripts and
// feeds each file through the ingestion pipeline.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docsearch/internal/pipeline"
	"github.com/seanblong/docsearch/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Processor is the part of the pipeline the indexer drives.
// *pipeline.Pipeline satisfies it.
type Processor interface {
	ProcessDocument(ctx context.Context, id, content string, meta map[string]string) pipeline.Result
	ProcessMeetingTranscript(ctx context.Context, meetingID, transcript string, meta map[string]string) pipeline.TranscriptResult
}

// Indexer ingests every text file under Root.
type Indexer struct {
	Processor   Processor
	Root        string
	ProjectID   string
	Transcripts bool // process files as meeting transcripts
	Workers     int
	Walker      FileSystemWalker
	FileReader  FileReader
}

// Stats summarises a Run.
type Stats struct {
	Files     int64
	Processed int64
	Failed    int64
	Chunks    int64
	Insights  int64
}

// New creates a new Indexer instance.
func New(p Processor, root, projectID string) *Indexer {
	return &Indexer{
		Processor:  p,
		Root:       root,
		ProjectID:  projectID,
		Workers:    4,
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

// workItem represents a file to be processed
type workItem struct {
	path    string
	content string
}

// processWorkItem runs one file through the pipeline. Failures are counted
// and logged; the pipeline has already marked the document failed.
func (ix *Indexer) processWorkItem(ctx context.Context, item workItem, st *Stats) {
	relPath := rel(ix.Root, item.path)
	id := documentID(relPath)
	meta := map[string]string{
		models.MetaPath:  relPath,
		models.MetaTitle: title(relPath),
	}
	if ix.ProjectID != "" {
		meta[models.MetaProjectID] = ix.ProjectID
	}

	lg := log.With().Str("path", relPath).Str("document_id", id).Logger()

	if ix.Transcripts {
		r := ix.Processor.ProcessMeetingTranscript(ctx, id, item.content, meta)
		atomic.AddInt64(&st.Chunks, int64(r.ChunkCount))
		if !r.Success {
			atomic.AddInt64(&st.Failed, 1)
			lg.Error().Str("error", r.Error).Msg("transcript failed")
			return
		}
		if r.Insights != nil {
			atomic.AddInt64(&st.Insights, int64(len(r.Insights.Insights)))
		}
		atomic.AddInt64(&st.Processed, 1)
		lg.Info().Int("chunks", r.ChunkCount).Msg("indexed transcript")
		return
	}

	r := ix.Processor.ProcessDocument(ctx, id, item.content, meta)
	if !r.Success {
		atomic.AddInt64(&st.Failed, 1)
		lg.Error().Str("error", r.Error).Msg("document failed")
		return
	}
	atomic.AddInt64(&st.Chunks, int64(r.ChunkCount))
	atomic.AddInt64(&st.Processed, 1)
	lg.Info().Int("chunks", r.ChunkCount).Msg("indexed document")
}

// Run walks Root and processes every eligible file. Per-file failures are
// reported in Stats; only walk errors and cancellation are returned.
func (ix *Indexer) Run(ctx context.Context) (Stats, error) {
	var st Stats
	numWorkers := ix.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	log.Info().Int("workers", numWorkers).Str("root", ix.Root).Bool("transcripts", ix.Transcripts).Msg("starting indexing")

	workChan := make(chan workItem, numWorkers*2)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for item := range workChan {
				ix.processWorkItem(ctx, item, &st)
			}
			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

	walkErr := ix.Walker.Walk(ix.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			// de is nil when driven by a test walker.
			if de != nil && de.IsDir() {
				if skipDir(path) {
					return godirwalk.SkipThis
				}
				return nil
			}
			if shouldSkip(path) {
				return nil
			}

			b, err := ix.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			if strings.TrimSpace(string(b)) == "" {
				log.Debug().Str("path", path).Msg("skipping empty file")
				return nil
			}
			atomic.AddInt64(&st.Files, 1)

			select {
			case workChan <- workItem{path: path, content: string(b)}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	close(workChan)
	wg.Wait()

	log.Info().
		Int64("files", st.Files).
		Int64("processed", st.Processed).
		Int64("failed", st.Failed).
		Int64("chunks", st.Chunks).
		Msg("indexing finished")
	return st, walkErr
}

var skippedDirs = []string{
	".git", "node_modules", "vendor", ".venv", "venv", "__pycache__", ".cache", ".idea", "build", "dist",
}

func skipDir(path string) bool {
	base := filepath.Base(path)
	for _, d := range skippedDirs {
		if base == d {
			return true
		}
	}
	return false
}

// textExts are the file types ingested as documents.
var textExts = map[string]bool{
	".txt": true, ".text": true, ".md": true, ".markdown": true, ".rst": true,
	".adoc": true, ".org": true, ".vtt": true, ".srt": true, ".transcript": true,
}

// shouldSkip returns true if the file at path should be skipped.
func shouldSkip(path string) bool {
	p := filepath.ToSlash(strings.ToLower(path))
	for _, d := range skippedDirs {
		if strings.Contains(p, "/"+d+"/") {
			return true
		}
	}
	return !textExts[filepath.Ext(p)]
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(r)
}

func title(relPath string) string {
	base := filepath.Base(relPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// documentID is stable per path, so re-indexing a file replaces its chunks.
func documentID(relPath string) string {
	h := sha1.Sum([]byte(relPath))
	return hex.EncodeToString(h[:])
}
