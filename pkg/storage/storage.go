// Package storage keeps binary upload responses in memory for the life of
// a capture session. Nothing is written to disk.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"portrait-capture/pkg/utils"
)

// DefaultMaxBytes bounds the store. Oldest items are evicted first.
const DefaultMaxBytes = 256 << 20

var ErrNotFound = errors.New("media not found")

type Item struct {
	ID        string
	Data      []byte
	MIMEType  string
	FileName  string
	CreatedAt time.Time
}

type Store struct {
	maxBytes int

	mu    sync.RWMutex
	items map[string]*Item
	order []string
	size  int
}

func New(maxBytes int) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{maxBytes: maxBytes, items: map[string]*Item{}}
}

// Put stores data and returns its handle.
func (s *Store) Put(data []byte, mimeType, fileName string) (*Item, error) {
	if len(data) > s.maxBytes {
		return nil, fmt.Errorf("media of %s exceeds the transient store", humanize.Bytes(uint64(len(data))))
	}
	it := &Item{
		ID:        uuid.NewString(),
		Data:      data,
		MIMEType:  mimeType,
		FileName:  fileName,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.size+len(data) > s.maxBytes && len(s.order) > 0 {
		s.deleteLocked(s.order[0])
	}
	s.items[it.ID] = it
	s.order = append(s.order, it.ID)
	s.size += len(data)
	utils.GetLogger().Debugf("transient media %s stored (%s, %s in use)", it.ID, humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(s.size)))

	return it, nil
}

func (s *Store) Get(id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it, nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) {
	it, ok := s.items[id]
	if !ok {
		return
	}
	delete(s.items, id)
	s.size -= len(it.Data)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Clear drops everything. The registry calls it when the next session opens.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = map[string]*Item{}
	s.order = nil
	s.size = 0
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
