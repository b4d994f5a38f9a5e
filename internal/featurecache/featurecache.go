/*
   deacon: a native Go orchestrator for devcontainer.json environments
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package featurecache is the byte-budgeted, digest-ledgered store for
// extracted feature and template artifacts. The on-disk tree and its
// CSV ledger generalize the teacher's cachedirectory.go /
// featuredigests.go pair; the budget, TTL, and LRU eviction add the
// bounded-cache contract the teacher never needed because it only ran
// one feature install at a time.
package featurecache

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeclysm/extract/v4"
	"github.com/gocarina/gocsv"
)

// ledgerEntry is one row of the on-disk digests.csv, extended from the
// teacher's ArtifactDigestEntry with a cache timestamp (so TTL expiry
// survives process restarts) and the artifact's estimated size (so the
// byte budget does too).
type ledgerEntry struct {
	Key       string `csv:"key"`
	Digest    string `csv:"digest"`
	CachedAt  int64  `csv:"cached_at"`
	SizeBytes int64  `csv:"size_bytes"`
}

// Stats counts cache outcomes for observability.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Store is a directory-backed cache of extracted artifact trees, keyed
// by an opaque string (typically a feature or template reference).
// Reads consult the in-memory copy of the disk ledger, which is loaded
// at Open and rewritten on every change, so it is the source of truth
// across process restarts; the hot list only tracks recency.
// Total resident bytes never exceed the configured budget: a Store
// whose artifact alone would bust it is rejected outright, and
// anything smaller evicts least-recently-used entries until it fits.
type Store struct {
	dir      string
	ttl      time.Duration
	maxBytes int64

	ledgerPath string

	mu       sync.Mutex
	ledger   map[string]ledgerEntry
	lastUsed map[string]int64
	useClock int64
	hot      map[string]*list.Element
	lru      *list.List
	maxHot   int
	stats    Stats
}

type hotEntry struct {
	key  string
	path string
}

// Open prepares a Store rooted at dir (created if absent), loading its
// persisted digest ledger. ttl of zero disables expiry; maxBytes of
// zero disables the byte budget; maxHot bounds the in-memory LRU's
// resident entry count (0 defaults to 128).
func Open(dir string, ttl time.Duration, maxBytes int64, maxHot int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("featurecache: creating cache dir: %w", err)
	}
	if maxHot <= 0 {
		maxHot = 128
	}

	s := &Store{
		dir:        dir,
		ttl:        ttl,
		maxBytes:   maxBytes,
		ledgerPath: filepath.Join(dir, "digests.csv"),
		ledger:     make(map[string]ledgerEntry),
		lastUsed:   make(map[string]int64),
		hot:        make(map[string]*list.Element),
		lru:        list.New(),
		maxHot:     maxHot,
	}
	if err := s.loadLedger(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLedger() error {
	f, err := os.OpenFile(s.ledgerPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var rows []*ledgerEntry
	if err := gocsv.UnmarshalFile(f, &rows); err != nil && !errors.Is(err, gocsv.ErrEmptyCSVFile) {
		return err
	}
	for _, r := range rows {
		s.ledger[r.Key] = *r
		// Seed recency from the cache timestamp so eviction order is
		// sensible on the first run after a restart; the use clock
		// resumes past the newest seed so fresh touches always rank
		// newer.
		s.lastUsed[r.Key] = r.CachedAt
		if r.CachedAt > s.useClock {
			s.useClock = r.CachedAt
		}
	}
	return nil
}

func (s *Store) saveLedger() error {
	f, err := os.OpenFile(s.ledgerPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	rows := make([]*ledgerEntry, 0, len(s.ledger))
	for _, e := range s.ledger {
		e := e
		rows = append(rows, &e)
	}
	return gocsv.MarshalFile(&rows, f)
}

// entryDir returns the on-disk directory a key's artifact is (or
// would be) extracted into.
func (s *Store) entryDir(key string) string {
	return filepath.Join(s.dir, keyToDirName(key))
}

// Stats returns a snapshot of the hit/miss/eviction counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// CurrentSizeBytes reports the summed estimated size of every resident
// entry.
func (s *Store) CurrentSizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSizeLocked()
}

func (s *Store) currentSizeLocked() int64 {
	var total int64
	for _, e := range s.ledger {
		total += e.SizeBytes
	}
	return total
}

// Lookup returns the extracted directory for key if it's cached, its
// digest matches digest (when digest is non-empty), and it hasn't
// expired under the configured TTL. An expired entry behaves as a miss
// and is removed on the spot.
func (s *Store) Lookup(key, digest string) (path string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, present := s.ledger[key]
	if !present {
		s.stats.Misses++
		return "", false
	}
	if digest != "" && entry.Digest != digest {
		s.stats.Misses++
		return "", false
	}
	if s.ttl > 0 && time.Since(time.Unix(entry.CachedAt, 0)) > s.ttl {
		s.dropLocked(key)
		_ = s.saveLedger()
		s.stats.Misses++
		return "", false
	}

	dir := s.entryDir(key)
	if _, err := os.Stat(dir); err != nil {
		s.dropLocked(key)
		s.stats.Misses++
		return "", false
	}

	s.stats.Hits++
	s.touchLocked(key, dir)
	return dir, true
}

// Store extracts the tar stream tarball into key's cache directory and
// records digest in the ledger. An artifact whose size alone exceeds
// the byte budget is rejected before any state changes; otherwise
// least-recently-used entries are evicted until the budget holds.
func (s *Store) Store(ctx context.Context, key, digest string, tarball io.Reader) (string, error) {
	buf, err := io.ReadAll(tarball)
	if err != nil {
		return "", fmt.Errorf("featurecache: reading artifact for %s: %w", key, err)
	}
	size := int64(len(buf))
	if s.maxBytes > 0 && size > s.maxBytes {
		return "", fmt.Errorf("featurecache: artifact for %s is %d bytes, exceeding the %d-byte cache budget", key, size, s.maxBytes)
	}

	dir := s.entryDir(key)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("featurecache: clearing stale entry for %s: %w", key, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := extract.Tar(ctx, bytes.NewReader(buf), dir, nil); err != nil {
		return "", fmt.Errorf("featurecache: extracting artifact for %s: %w", key, err)
	}

	s.mu.Lock()
	s.ledger[key] = ledgerEntry{Key: key, Digest: digest, CachedAt: time.Now().Unix(), SizeBytes: size}
	s.touchLocked(key, dir)
	s.evictForBudgetLocked(key)
	if err := s.saveLedger(); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("featurecache: persisting ledger: %w", err)
	}
	s.mu.Unlock()

	return dir, nil
}

// evictForBudgetLocked removes least-recently-used entries (never
// keep, the entry being inserted) until the summed size fits the
// budget.
func (s *Store) evictForBudgetLocked(keep string) {
	if s.maxBytes <= 0 {
		return
	}
	for s.currentSizeLocked() > s.maxBytes {
		victim := ""
		var oldest int64
		for key := range s.ledger {
			if key == keep {
				continue
			}
			if used := s.lastUsed[key]; victim == "" || used < oldest {
				victim, oldest = key, used
			}
		}
		if victim == "" {
			return
		}
		s.dropLocked(victim)
		_ = os.RemoveAll(s.entryDir(victim))
		s.stats.Evictions++
	}
}

// dropLocked forgets key in the ledger and every in-memory index; the
// on-disk tree is the caller's concern.
func (s *Store) dropLocked(key string) {
	delete(s.ledger, key)
	delete(s.lastUsed, key)
	if el, ok := s.hot[key]; ok {
		s.lru.Remove(el)
		delete(s.hot, key)
	}
}

// touchLocked records key as most-recently-used, trimming the hot-set
// bookkeeping past maxHot. Hot-set trimming only drops the in-memory
// index; the on-disk artifact and ledger row are untouched.
func (s *Store) touchLocked(key, path string) {
	s.useClock++
	s.lastUsed[key] = s.useClock

	if el, ok := s.hot[key]; ok {
		s.lru.MoveToFront(el)
		return
	}

	el := s.lru.PushFront(hotEntry{key: key, path: path})
	s.hot[key] = el
	for s.lru.Len() > s.maxHot {
		tail := s.lru.Back()
		if tail == nil {
			break
		}
		s.lru.Remove(tail)
		delete(s.hot, tail.Value.(hotEntry).key)
	}
}

// Remove evicts key from both the on-disk cache and the ledger.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	s.dropLocked(key)
	err := s.saveLedger()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.RemoveAll(s.entryDir(key))
}

func keyToDirName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func mapRunes(s string, f func(rune) rune) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		out = append(out, f(r))
	}
	return string(out)
}
