package queuestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/sirupsen/logrus"

	"github.com/amitspk/blogwidget/common"
)

// ErrConflict is returned when a compare-and-set transition loses the
// race: the document revision or status changed under us.
var ErrConflict = errors.New("db_error: queue entry conflict")

// casAttempts bounds the claim loop in worker pick operations.
const casAttempts = 3

// Store is the CouchDB-backed processing queue.
type Store struct {
	client *kivik.Client
	db     *kivik.DB
	dbName string
	logger *logrus.Entry
}

// New connects to CouchDB, creates the queue database if needed and
// ensures the Mango indexes the pick and scan queries rely on.
func New(ctx context.Context, url, dbName string) (*Store, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("db_error: connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("db_error: check database %s: %w", dbName, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
			return nil, fmt.Errorf("db_error: create database %s: %w", dbName, err)
		}
	}

	s := &Store{
		client: client,
		db:     client.DB(dbName),
		dbName: dbName,
		logger: common.Logger.WithField("component", "queuestore"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		name   string
		fields []string
	}{
		{"status-created-index", []string{"status", "created_at"}},
		{"status-heartbeat-index", []string{"status", "heartbeat_at"}},
		{"publisher-status-index", []string{"publisher_id", "status"}},
		{"status-completed-index", []string{"status", "completed_at"}},
	}
	for _, idx := range indexes {
		def := map[string]interface{}{
			"index": map[string]interface{}{"fields": idx.fields},
			"name":  idx.name,
			"type":  "json",
		}
		if err := s.db.CreateIndex(ctx, "", "", def); err != nil {
			return fmt.Errorf("db_error: create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// Close closes the CouchDB connection.
func (s *Store) Close() error { return s.client.Close() }

// GetByURL retrieves the queue entry for a normalized URL.
func (s *Store) GetByURL(ctx context.Context, url string) (*Entry, error) {
	row := s.db.Get(ctx, url)

	var entry Entry
	if err := row.ScanDoc(&entry); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db_error: get queue entry: %w", err)
	}
	return &entry, nil
}

// AtomicGetOrCreate inserts a queued entry for the URL, or returns the
// existing one when a concurrent caller got there first. The returned
// bool is true when this call created the entry. Creation races resolve
// through the document ID: CouchDB rejects the second Put with 409.
func (s *Store) AtomicGetOrCreate(ctx context.Context, entry *Entry) (*Entry, bool, error) {
	now := time.Now().UTC()
	entry.ID = entry.URL
	entry.Rev = ""
	entry.Status = StatusQueued
	entry.CreatedAt = now
	entry.UpdatedAt = now

	rev, err := s.db.Put(ctx, entry.ID, entry)
	if err == nil {
		entry.Rev = rev
		s.logger.WithFields(logrus.Fields{
			"url":          entry.URL,
			"publisher_id": entry.PublisherID,
		}).Info("queue entry created")
		return entry, true, nil
	}
	if kivik.HTTPStatus(err) != http.StatusConflict {
		return nil, false, fmt.Errorf("db_error: create queue entry: %w", err)
	}

	existing, getErr := s.GetByURL(ctx, entry.URL)
	if getErr != nil {
		return nil, false, getErr
	}
	return existing, false, nil
}

// AtomicUpdateStatus moves the entry from one of fromStatuses to
// toStatus, applying mutate (may be nil) to the document under the held
// revision. Returns ErrConflict when the entry is not in an accepted
// source status, or when the revision changed between read and write.
func (s *Store) AtomicUpdateStatus(ctx context.Context, url string, fromStatuses []string, toStatus string, mutate func(*Entry)) (*Entry, error) {
	entry, err := s.GetByURL(ctx, url)
	if err != nil {
		return nil, err
	}

	if !statusIn(entry.Status, fromStatuses) {
		return nil, fmt.Errorf("%w: entry is %s, wanted one of %v", ErrConflict, entry.Status, fromStatuses)
	}

	entry.Status = toStatus
	entry.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(entry)
	}

	rev, err := s.db.Put(ctx, entry.ID, entry)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("db_error: update queue entry: %w", err)
	}
	entry.Rev = rev
	return entry, nil
}

// Update writes the entry back under its held revision.
func (s *Store) Update(ctx context.Context, entry *Entry) error {
	entry.UpdatedAt = time.Now().UTC()
	rev, err := s.db.Put(ctx, entry.ID, entry)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return ErrConflict
		}
		return fmt.Errorf("db_error: update queue entry: %w", err)
	}
	entry.Rev = rev
	return nil
}

// AtomicRequeueFailed moves a failed entry back to queued with a fresh
// attempt budget, recording the requeue in the reprocess audit fields.
// Used by the read path's auto-heal and by admin reprocess.
func (s *Store) AtomicRequeueFailed(ctx context.Context, url string) (*Entry, error) {
	return s.AtomicUpdateStatus(ctx, url, []string{StatusFailed}, StatusQueued, func(e *Entry) {
		now := time.Now().UTC()
		e.AttemptCount = 0
		e.ErrorType = ""
		e.ErrorMessage = ""
		e.SkipReason = ""
		e.WorkerID = ""
		e.CompletedAt = nil
		e.ReprocessedCount++
		e.LastReprocessedAt = &now
	})
}

// AtomicWorkerPickJob claims the oldest claimable entry for workerID.
// Candidates are found with a Mango query over {status, created_at} and
// claimed with a CAS to processing; a lost claim moves to the next
// candidate. Returns common.ErrNotFound when the queue has no work.
func (s *Store) AtomicWorkerPickJob(ctx context.Context, workerID string) (*Entry, error) {
	candidates, err := s.findClaimable(ctx, casAttempts)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		claimed, err := s.claim(ctx, candidate, workerID)
		if err == nil {
			return claimed, nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, common.ErrNotFound) {
			continue
		}
		return nil, err
	}
	return nil, common.ErrNotFound
}

// AtomicBatchPickSequential claims up to batchSize entries one at a
// time. Partial batches are normal; an empty queue ends the batch.
func (s *Store) AtomicBatchPickSequential(ctx context.Context, workerID string, batchSize int) ([]*Entry, error) {
	var picked []*Entry
	for len(picked) < batchSize {
		entry, err := s.AtomicWorkerPickJob(ctx, workerID)
		if errors.Is(err, common.ErrNotFound) {
			break
		}
		if err != nil {
			return picked, err
		}
		picked = append(picked, entry)
	}
	return picked, nil
}

// findClaimable queries each claimable status separately and merges by
// created_at. A single $in query sorted on {status, created_at} would
// rank every queued entry ahead of every retry entry and starve old
// retries behind a steady stream of fresh arrivals.
func (s *Store) findClaimable(ctx context.Context, limit int) ([]*Entry, error) {
	var entries []*Entry
	for _, status := range ActiveStatuses {
		params := map[string]interface{}{
			"sort":  []map[string]string{{"status": "asc"}, {"created_at": "asc"}},
			"limit": limit,
		}

		rows := s.db.Find(ctx, map[string]interface{}{"status": status}, kivik.Params(params))
		for rows.Next() {
			var entry Entry
			if err := rows.ScanDoc(&entry); err != nil {
				rows.Close()
				return nil, fmt.Errorf("db_error: scan queue entry: %w", err)
			}
			entries = append(entries, &entry)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("db_error: find claimable entries: %w", err)
		}
		rows.Close()
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// claim moves a candidate to processing and increments its attempt
// counter, so attempt numbering is owned by the store.
func (s *Store) claim(ctx context.Context, candidate *Entry, workerID string) (*Entry, error) {
	return s.AtomicUpdateStatus(ctx, candidate.URL, ActiveStatuses, StatusProcessing, func(e *Entry) {
		now := time.Now().UTC()
		e.AttemptCount++
		e.WorkerID = workerID
		e.ProcessingStartedAt = &now
		e.HeartbeatAt = &now
		e.ErrorType = ""
		e.ErrorMessage = ""
	})
}

// UpdateHeartbeat refreshes heartbeat_at for an entry this worker owns.
// Ownership loss (entry reassigned or transitioned) returns ErrConflict
// so the worker can abandon the job.
func (s *Store) UpdateHeartbeat(ctx context.Context, url, workerID string) error {
	entry, err := s.GetByURL(ctx, url)
	if err != nil {
		return err
	}
	if entry.Status != StatusProcessing || entry.WorkerID != workerID {
		return fmt.Errorf("%w: entry no longer owned by %s", ErrConflict, workerID)
	}

	now := time.Now().UTC()
	entry.HeartbeatAt = &now
	entry.UpdatedAt = now
	if _, err := s.db.Put(ctx, entry.ID, entry); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return ErrConflict
		}
		return fmt.Errorf("db_error: update heartbeat: %w", err)
	}
	return nil
}

// FindStalled returns processing entries whose heartbeat is older than
// cutoff. These belong to workers that died mid-job.
func (s *Store) FindStalled(ctx context.Context, cutoff time.Time, limit int) ([]*Entry, error) {
	selector := map[string]interface{}{
		"status":       StatusProcessing,
		"heartbeat_at": map[string]interface{}{"$lt": cutoff.UTC().Format(time.RFC3339Nano)},
	}
	return s.find(ctx, selector, limit)
}

// ListByPublisher returns entries for a publisher, optionally filtered
// by status.
func (s *Store) ListByPublisher(ctx context.Context, publisherID, status string, limit int) ([]*Entry, error) {
	selector := map[string]interface{}{"publisher_id": publisherID}
	if status != "" {
		selector["status"] = status
	}
	return s.find(ctx, selector, limit)
}

// CountCompletedSince counts jobs a publisher completed at or after the
// given instant. The daily usage limit is checked against this.
func (s *Store) CountCompletedSince(ctx context.Context, publisherID string, since time.Time) (int, error) {
	selector := map[string]interface{}{
		"publisher_id": publisherID,
		"status":       StatusCompleted,
		"completed_at": map[string]interface{}{"$gte": since.UTC().Format(time.RFC3339Nano)},
	}
	entries, err := s.find(ctx, selector, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DeleteByURL removes the queue entry for a URL. Missing entries are
// not an error.
func (s *Store) DeleteByURL(ctx context.Context, url string) error {
	entry, err := s.GetByURL(ctx, url)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.db.Delete(ctx, entry.ID, entry.Rev); err != nil {
		return fmt.Errorf("db_error: delete queue entry: %w", err)
	}
	return nil
}

// ReapTerminalBefore deletes completed and failed entries whose last
// update is older than cutoff. Returns the number of entries removed.
func (s *Store) ReapTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	selector := map[string]interface{}{
		"status":     map[string]interface{}{"$in": []string{StatusCompleted, StatusFailed}},
		"updated_at": map[string]interface{}{"$lt": cutoff.UTC().Format(time.RFC3339Nano)},
	}
	entries, err := s.find(ctx, selector, limit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, entry := range entries {
		if _, err := s.db.Delete(ctx, entry.ID, entry.Rev); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				continue
			}
			return reaped, fmt.Errorf("db_error: reap queue entry: %w", err)
		}
		reaped++
	}
	return reaped, nil
}

// GetStats returns the per-status census of the queue.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := map[string]*int{
		StatusQueued:     &stats.Queued,
		StatusProcessing: &stats.Processing,
		StatusCompleted:  &stats.Completed,
		StatusRetry:      &stats.Retry,
		StatusFailed:     &stats.Failed,
	}

	for status, target := range counts {
		entries, err := s.find(ctx, map[string]interface{}{"status": status}, 0)
		if err != nil {
			return nil, err
		}
		*target = len(entries)
		stats.Total += len(entries)
	}
	return stats, nil
}

func (s *Store) find(ctx context.Context, selector map[string]interface{}, limit int) ([]*Entry, error) {
	params := map[string]interface{}{}
	if limit > 0 {
		params["limit"] = limit
	}

	rows := s.db.Find(ctx, selector, kivik.Params(params))
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		if err := rows.ScanDoc(&entry); err != nil {
			return nil, fmt.Errorf("db_error: scan queue entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db_error: query queue entries: %w", err)
	}
	return entries, nil
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}
