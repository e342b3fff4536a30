package profile

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/gzip"

	"qcoord/internal/domain"
)

// Summary info keys stored with every profile.
const (
	InfoQueryID    = "Query ID"
	InfoUser       = "User"
	InfoQueryType  = "Query Type"
	InfoQueryState = "Query State"
	InfoStartTime  = "Start Time"
	InfoEndTime    = "End Time"
	InfoTotalTime  = "Total"
	InfoStatement  = "Sql Statement"
	InfoWarehouse  = "Warehouse"
)

// SummaryHeaders is the column order of profile listings.
var SummaryHeaders = []string{
	InfoQueryID, InfoUser, InfoStatement, InfoQueryType,
	InfoStartTime, InfoEndTime, InfoTotalTime, InfoQueryState, InfoWarehouse,
}

// DefaultStoreCapacity is the number of profiles kept when unconfigured.
const DefaultStoreCapacity = 500

// Element is one stored profile.
type Element struct {
	Info    map[string]string
	Content []byte // gzip-compressed rendering
}

// Row returns the summary values in SummaryHeaders order.
func (e *Element) Row() []string {
	row := make([]string, 0, len(SummaryHeaders))
	for _, h := range SummaryHeaders {
		row = append(row, e.Info[h])
	}
	return row
}

// Store keeps the most recent finished profiles. The oldest entry is
// evicted first; reads do not refresh an entry.
type Store struct {
	cache  *lru.Cache
	logger *slog.Logger
}

// NewStore returns a store holding up to capacity profiles.
func NewStore(capacity int, logger *slog.Logger) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	c, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("create profile store: %w", err)
	}
	return &Store{cache: c, logger: logger}, nil
}

// Push renders p, compresses it and stores it under the summary's query
// id. It returns the rendered text.
func (s *Store) Push(summary map[string]string, p *domain.RuntimeProfile) (string, error) {
	queryID := summary[InfoQueryID]
	if queryID == "" {
		return "", domain.ErrValidation("profile summary has no %q", InfoQueryID)
	}
	text := ""
	if p != nil {
		text = p.String()
	}
	content, err := compress(text)
	if err != nil {
		return "", fmt.Errorf("compress profile %s: %w", queryID, err)
	}
	info := make(map[string]string, len(SummaryHeaders))
	for _, h := range SummaryHeaders {
		info[h] = summary[h]
	}
	// re-adding moves the entry to the newest position
	s.cache.Remove(queryID)
	s.cache.Add(queryID, &Element{Info: info, Content: content})
	return text, nil
}

// Get returns the decompressed profile text.
func (s *Store) Get(queryID string) (string, error) {
	e, ok := s.Element(queryID)
	if !ok {
		return "", domain.ErrNotFound("profile %s not found", queryID)
	}
	text, err := decompress(e.Content)
	if err != nil {
		s.logger.Warn("decompress profile failed", "query_id", queryID, "size", len(e.Content), "error", err)
		return "", err
	}
	return text, nil
}

// Element returns the stored element without decompressing it.
func (s *Store) Element(queryID string) (*Element, bool) {
	v, ok := s.cache.Peek(queryID)
	if !ok {
		return nil, false
	}
	return v.(*Element), true
}

func (s *Store) Has(queryID string) bool { return s.cache.Contains(queryID) }

func (s *Store) Remove(queryID string) { s.cache.Remove(queryID) }

func (s *Store) Clear() { s.cache.Purge() }

func (s *Store) Len() int { return s.cache.Len() }

// List returns every element, newest first.
func (s *Store) List() []*Element {
	keys := s.cache.Keys()
	out := make([]*Element, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if e, ok := s.Element(keys[i].(string)); ok {
			out = append(out, e)
		}
	}
	return out
}

func compress(text string) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, text); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
