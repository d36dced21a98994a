// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logstore keeps the most recent log lines of every resource in memory.
package logstore

import (
	"bytes"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/united-manufacturing-hub/apphost/pkg/constants"
	"github.com/united-manufacturing-hub/apphost/pkg/resource"
)

// Stream names the origin of a line.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	System Stream = "system"
)

// LogEntry is one captured line.
type LogEntry struct {
	// Timestamp in UTC time
	Timestamp time.Time `json:"timestamp"`
	Stream    Stream    `json:"stream"`
	Content   string    `json:"content"`
}

type ringbuffer struct {
	mu       sync.Mutex
	buf      []LogEntry
	writePos int
	count    int
}

func (rb *ringbuffer) add(e LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.writePos] = e
	rb.writePos = (rb.writePos + 1) % len(rb.buf)

	if rb.count < len(rb.buf) {
		rb.count++
	}
}

// tail returns up to n entries, oldest first. n <= 0 returns everything.
func (rb *ringbuffer) tail(n int) []LogEntry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}

	out := make([]LogEntry, 0, n)

	for i := n - 1; i >= 0; i-- {
		out = append(out, rb.buf[(rb.writePos-1-i+len(rb.buf))%len(rb.buf)])
	}

	return out
}

func (rb *ringbuffer) contains(patterns []string) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.count {
		e := rb.buf[(rb.writePos-1-i+len(rb.buf))%len(rb.buf)]
		if e.Stream == System {
			continue
		}

		line := e.Content

		for _, p := range patterns {
			if p != "" && strings.Contains(line, p) {
				return true
			}
		}
	}

	return false
}

// Store holds one bounded ring per resource. Safe for concurrent use.
type Store struct {
	rings    cmap.ConcurrentMap[string, *ringbuffer]
	capacity int
	now      func() time.Time
}

// New creates a store keeping capacity lines per resource.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = constants.DefaultLogLinesPerResource
	}

	return &Store{
		rings:    cmap.New[*ringbuffer](),
		capacity: capacity,
		now:      time.Now,
	}
}

func (s *Store) ring(name string) *ringbuffer {
	key := resource.Key(name)

	if rb, ok := s.rings.Get(key); ok {
		return rb
	}

	s.rings.SetIfAbsent(key, &ringbuffer{buf: make([]LogEntry, s.capacity)})
	rb, _ := s.rings.Get(key)

	return rb
}

// Append records one line for name, overwriting the oldest when full.
func (s *Store) Append(name string, stream Stream, content string) {
	s.ring(name).add(LogEntry{Timestamp: s.now().UTC(), Stream: stream, Content: strings.TrimRight(content, "\r\n")})
}

// Lines returns the last n lines of name, oldest first. n <= 0 returns all retained lines.
func (s *Store) Lines(name string, n int) []LogEntry {
	rb, ok := s.rings.Get(resource.Key(name))
	if !ok {
		return nil
	}

	return rb.tail(n)
}

// Contains reports whether any retained output line of name contains any of patterns.
// Matching is by case-sensitive substring; empty patterns and system lines never match.
func (s *Store) Contains(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}

	rb, ok := s.rings.Get(resource.Key(name))
	if !ok {
		return false
	}

	return rb.contains(patterns)
}

// Clear drops everything retained for name.
func (s *Store) Clear(name string) {
	s.rings.Remove(resource.Key(name))
}

// Names returns the keys of resources with retained lines.
func (s *Store) Names() []string {
	return s.rings.Keys()
}

// MaxLineBytes is the longest line a LineWriter keeps. Longer lines are split.
const MaxLineBytes = 64 * 1024

// Writer returns an io.Writer that appends every complete line written to it.
// A trailing partial line is kept until the next newline or Flush.
func (s *Store) Writer(name string, stream Stream) *LineWriter {
	return &LineWriter{store: s, name: name, stream: stream}
}

// LineWriter splits a byte stream into log lines.
type LineWriter struct {
	mu      sync.Mutex
	store   *Store
	name    string
	stream  Stream
	partial []byte
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)

	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			if len(w.partial) < MaxLineBytes {
				break
			}

			w.store.Append(w.name, w.stream, string(w.partial[:MaxLineBytes]))
			w.partial = w.partial[MaxLineBytes:]

			continue
		}

		w.store.Append(w.name, w.stream, string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}

	if len(w.partial) == 0 {
		w.partial = nil
	}

	return len(p), nil
}

// Flush appends a pending partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.partial) > 0 {
		w.store.Append(w.name, w.stream, string(w.partial))
		w.partial = nil
	}
}
