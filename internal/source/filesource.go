package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSource is a change source backed by plain files, for local
// development and tests. Layout under the root directory:
//
//	docs/<id>.json   one document snapshot per file
//	spool/*.json     change events; consumed (deleted) after delivery
//
// Dropping a JSON file into spool/ behaves like the source store
// emitting a notification: the file body is the notification payload.
type FileSource struct {
	root    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	subscribed bool
}

var _ Source = (*FileSource)(nil)

// docFile is the on-disk snapshot format.
type docFile struct {
	Document struct {
		ID            string `json:"id"`
		DocType       string `json:"doc_type"`
		Number        string `json:"number"`
		CustomerID    string `json:"customer_id"`
		CustomerName  string `json:"customer_name"`
		CustomerEmail string `json:"customer_email"`
	} `json:"document"`
	Fields []struct {
		Name       string `json:"name"`
		Raw        string `json:"raw"`
		Normalized string `json:"normalized"`
		Corrected  string `json:"corrected"`
	} `json:"fields"`
}

// NewFileSource creates a file source rooted at dir, creating the
// docs/ and spool/ subdirectories if needed.
func NewFileSource(dir string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{"docs", "spool"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	return &FileSource{
		root:   dir,
		logger: logger.With("component", "source"),
	}, nil
}

// SpoolDir returns the directory event files are consumed from.
func (s *FileSource) SpoolDir() string {
	return filepath.Join(s.root, "spool")
}

// DocsDir returns the directory document snapshots are read from.
func (s *FileSource) DocsDir() string {
	return filepath.Join(s.root, "docs")
}

// Subscribe drains any event files already spooled, then watches the
// spool directory. The returned channels close when ctx is cancelled.
func (s *FileSource) Subscribe(ctx context.Context) (<-chan ChangeEvent, <-chan error, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("source: already subscribed")
	}
	s.subscribed = true
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(s.SpoolDir()); err != nil {
		_ = watcher.Close()
		return nil, nil, fmt.Errorf("failed to watch spool directory: %w", err)
	}
	s.watcher = watcher

	events := make(chan ChangeEvent, eventBufferSize)
	errs := make(chan error, errorBufferSize)

	go s.processEvents(ctx, events, errs)

	return events, errs, nil
}

// processEvents replays pre-existing spool files, then converts watcher
// events until ctx is cancelled.
func (s *FileSource) processEvents(ctx context.Context, events chan<- ChangeEvent, errs chan<- error) {
	defer close(events)
	defer close(errs)
	defer func() { _ = s.watcher.Close() }()

	entries, err := os.ReadDir(s.SpoolDir())
	if err == nil {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			s.consumeSpoolFile(ctx, filepath.Join(s.SpoolDir(), name), events)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			s.consumeSpoolFile(ctx, event.Name, events)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case errs <- err:
			case <-ctx.Done():
				return
			}
		}
	}
}

// consumeSpoolFile parses one event file, delivers it, and removes the
// file. Unparseable files are left in place; a later write retries them.
func (s *FileSource) consumeSpoolFile(ctx context.Context, path string, events chan<- ChangeEvent) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	event, err := ParseNotification(ChannelFieldVerified, string(data))
	if err != nil {
		s.logger.Debug("spool file not parseable yet", "path", path, "error", err)
		return
	}

	select {
	case events <- event:
	case <-ctx.Done():
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove consumed spool file", "path", path, "error", err)
	}
}

// FetchSnapshot reads docs/<id>.json.
func (s *FileSource) FetchSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	path := filepath.Join(s.DocsDir(), documentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: document %s", ErrNotFound, documentID)
		}
		return Snapshot{}, fmt.Errorf("failed to read document file: %w", err)
	}

	var df docFile
	if err := json.Unmarshal(data, &df); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse document file %s: %w", path, err)
	}

	doc := Document{
		ID:            df.Document.ID,
		DocType:       df.Document.DocType,
		Number:        df.Document.Number,
		CustomerID:    df.Document.CustomerID,
		CustomerName:  df.Document.CustomerName,
		CustomerEmail: df.Document.CustomerEmail,
	}
	if doc.ID == "" {
		doc.ID = documentID
	}
	if doc.Number == "" {
		doc.Number = "DOC-" + doc.ID
	}

	snapshot := Snapshot{Document: doc}
	for _, f := range df.Fields {
		snapshot.Fields = append(snapshot.Fields, Field{
			DocumentID: doc.ID,
			Name:       f.Name,
			Raw:        f.Raw,
			Normalized: f.Normalized,
			Corrected:  f.Corrected,
		})
	}
	sort.Slice(snapshot.Fields, func(i, j int) bool {
		return snapshot.Fields[i].Name < snapshot.Fields[j].Name
	})

	return snapshot, nil
}

// ListDocumentIDs lists docs/*.json basenames.
func (s *FileSource) ListDocumentIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.DocsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list docs directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close stops the watcher if Subscribe started one.
func (s *FileSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
