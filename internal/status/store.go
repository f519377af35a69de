// Package status keeps the outcome of the most recent sync passes in Redis
// so operators can check pipeline health without reading logs.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/airquality-pipeline/internal/syncer"
)

const (
	KeyLastPass    = "airquality:sync:last_pass"
	KeyLastSuccess = "airquality:sync:last_success"

	statusTTL   = 7 * 24 * time.Hour
	recordLimit = 5 * time.Second
)

// PassStatus is the stored form of a pass report
type PassStatus struct {
	PassID         string    `json:"pass_id"`
	State          string    `json:"state"`
	FailedStep     string    `json:"failed_step,omitempty"`
	Error          string    `json:"error,omitempty"`
	LastVersion    int64     `json:"last_version"`
	Floor          int64     `json:"floor"`
	CurrentVersion int64     `json:"current_version"`
	Clamped        bool      `json:"clamped"`
	EventCount     int       `json:"event_count"`
	SummaryID      string    `json:"summary_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Succeeded reports whether the pass committed its checkpoint
func (s *PassStatus) Succeeded() bool {
	return s.State != string(syncer.StateFailed)
}

// NewPassStatus converts a pass report
func NewPassStatus(report *syncer.PassReport) *PassStatus {
	st := &PassStatus{
		PassID:         report.ID.String(),
		State:          string(report.State),
		FailedStep:     string(report.FailedStep),
		LastVersion:    report.LastVersion,
		Floor:          report.Floor,
		CurrentVersion: report.CurrentVersion,
		Clamped:        report.Clamped,
		EventCount:     report.EventCount,
		StartedAt:      report.StartedAt,
		FinishedAt:     report.FinishedAt,
	}
	if report.Err != nil {
		st.Error = report.Err.Error()
	}
	if report.Summary != nil {
		st.SummaryID = report.Summary.ID.String()
	}
	return st
}

// Store saves pass statuses in Redis
type Store struct {
	redis *redis.Client
}

// NewStore creates a new status store
func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

// RecordPass saves report as the last pass, and as the last success when it
// succeeded. It detaches from ctx's cancellation so a pass that timed out
// is still recorded.
func (s *Store) RecordPass(ctx context.Context, report *syncer.PassReport) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordLimit)
	defer cancel()

	st := NewPassStatus(report)
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal pass status: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, KeyLastPass, data, statusTTL)
	if st.Succeeded() {
		pipe.Set(ctx, KeyLastSuccess, data, statusTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save pass status in Redis: %w", err)
	}
	return nil
}

// LastPass returns the most recent pass status, or nil if none is stored
func (s *Store) LastPass(ctx context.Context) (*PassStatus, error) {
	return s.get(ctx, KeyLastPass)
}

// LastSuccess returns the most recent successful pass status, or nil
func (s *Store) LastSuccess(ctx context.Context) (*PassStatus, error) {
	return s.get(ctx, KeyLastSuccess)
}

func (s *Store) get(ctx context.Context, key string) (*PassStatus, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}

	var st PassStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pass status: %w", err)
	}
	return &st, nil
}
