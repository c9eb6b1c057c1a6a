package parse

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/dealdocs/pipeline/engine/domain"
)

type fakeDocStore struct {
	docs map[string]domain.Document
}

func newFakeDocStore(id string) *fakeDocStore {
	return &fakeDocStore{docs: map[string]domain.Document{id: {ID: id, Status: domain.StatusPending}}}
}

func (f *fakeDocStore) GetDocument(_ context.Context, id string) (domain.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return domain.Document{}, errors.New("not found")
	}
	return d, nil
}

func (f *fakeDocStore) UpdateStatus(_ context.Context, id string, status domain.DocumentStatus) error {
	d := f.docs[id]
	d.Status = status
	f.docs[id] = d
	return nil
}

func (f *fakeDocStore) SetProcessingError(_ context.Context, id string, ce *domain.ClassifiedError) error {
	d := f.docs[id]
	d.ProcessingError = ce
	f.docs[id] = d
	return nil
}

func (f *fakeDocStore) ClearProcessingError(_ context.Context, id string) error {
	d := f.docs[id]
	d.ProcessingError = nil
	f.docs[id] = d
	return nil
}

func (f *fakeDocStore) AppendRetryHistory(_ context.Context, id string, entry domain.RetryHistoryEntry) error {
	d := f.docs[id]
	d.RetryHistory = append(d.RetryHistory, entry)
	f.docs[id] = d
	return nil
}

func (f *fakeDocStore) SetLastCompletedStage(_ context.Context, id string, stage domain.Stage) error {
	d := f.docs[id]
	d.LastCompletedStage = stage
	f.docs[id] = d
	return nil
}

type fakeChunkStore struct {
	saved []domain.Chunk
}

func (f *fakeChunkStore) SaveChunks(_ context.Context, _ string, chunks []domain.Chunk) error {
	f.saved = chunks
	return nil
}

type fakeObjectStore struct {
	path string
}

func (f *fakeObjectStore) Download(_ context.Context, _ string) (string, func(), error) {
	return f.path, func() {}, nil
}

func TestTextParser_ProducesSequentialChunks(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "doc-*.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("First sentence. Second sentence. Third one here.\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	p := NewTextParser(4, 1)
	result, err := p.Parse(context.Background(), f.Name(), "text/plain")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(result.Chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i, c := range result.Chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d, want sequential", i, c.Index)
		}
	}
}

// Run's Retry/Queue dependencies are concrete *retry.Manager/*queue.Queue
// types backed by Postgres, so Run itself is not exercised here. Here we
// test the parser and storage interactions Run delegates to directly.
func TestHandler_ParseAndSaveChunks(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "doc-*.txt")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("Some content to parse.")
	f.Close()

	docID := "doc-1"
	docs := newFakeDocStore(docID)
	chunks := &fakeChunkStore{}
	objects := &fakeObjectStore{path: f.Name()}
	parser := NewTextParser(512, 50)

	path, cleanup, err := objects.Download(context.Background(), "gs://bucket/obj")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer cleanup()

	result, err := parser.Parse(context.Background(), path, "text/plain")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := chunks.SaveChunks(context.Background(), docID, result.Chunks); err != nil {
		t.Fatalf("save chunks: %v", err)
	}
	if len(chunks.saved) == 0 {
		t.Fatal("expected chunks to be saved")
	}
	if err := docs.UpdateStatus(context.Background(), docID, domain.StatusParsed); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if docs.docs[docID].Status != domain.StatusParsed {
		t.Fatal("expected document status parsed")
	}
}

func TestTextParser_FileNotFoundIsError(t *testing.T) {
	parser := NewTextParser(512, 50)
	if _, err := parser.Parse(context.Background(), "/nonexistent/path", "text/plain"); err == nil {
		t.Fatal("expected error reading nonexistent file")
	}
}
