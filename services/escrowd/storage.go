package main

import (
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrowdesk/client"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// IdempotencyRecord caches the first response produced under a key so replays
// of the same logical attempt return identical results. The primary key is
// composite: keys are scoped to the subject that first used them, so two
// subjects reusing the same key never overwrite each other's record.
type IdempotencyRecord struct {
	Subject     string `gorm:"primaryKey;size:128"`
	Key         string `gorm:"primaryKey;size:128"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	RequestHash string `gorm:"size:64"`
	Status      int
	Response    []byte
	CreatedAt   time.Time
}

// AuditEvent records one mutation attempt and its outcome.
type AuditEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Subject   string    `gorm:"size:128;index"`
	Action    string    `gorm:"size:64"`
	EntityID  string    `gorm:"size:128;index"`
	Status    int
	CreatedAt time.Time
}

// TokenRecord mirrors backend token metadata so ops can list issued links
// without a backend round trip. The secret is never stored.
type TokenRecord struct {
	TokenID      string `gorm:"primaryKey;size:128"`
	EscrowID     string `gorm:"size:128;index"`
	MilestoneIdx int
	Status       string `gorm:"size:32;index"`
	ExpiresAt    time.Time
	MaxUploads   int
	UploadsUsed  int
	IssuedTo     string `gorm:"size:255"`
	Note         string `gorm:"size:512"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists idempotency records, audit events, and the token mirror.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (or creates) the sqlite database at path and migrates the
// schema.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&IdempotencyRecord{}, &AuditEvent{}, &TokenRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for the key, nil when unseen,
// or ErrIdempotencyMismatch when the key was first used with a different
// request body.
func (s *Store) LookupIdempotency(subject, key, requestHash string) (*StoredResponse, error) {
	var record IdempotencyRecord
	err := s.db.Where("key = ? AND subject = ?", key, subject).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: record.Status, Body: record.Response}, nil
}

// SaveIdempotency caches the response produced under the key.
func (s *Store) SaveIdempotency(subject, key, method, path, requestHash string, status int, body []byte) error {
	record := IdempotencyRecord{
		Key:         key,
		Subject:     subject,
		Method:      method,
		Path:        path,
		RequestHash: requestHash,
		Status:      status,
		Response:    body,
		CreatedAt:   time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

// RecordAudit appends one audit event. Audit failures are the caller's to log;
// they never fail the request.
func (s *Store) RecordAudit(subject, action, entityID string, status int) error {
	event := AuditEvent{
		ID:        uuid.New(),
		Subject:   subject,
		Action:    action,
		EntityID:  entityID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.Create(&event).Error
}

// UpsertToken refreshes the local mirror from backend token metadata.
func (s *Store) UpsertToken(meta client.TokenMetadata) error {
	record := TokenRecord{
		TokenID:      meta.TokenID,
		EscrowID:     meta.Target.EscrowID,
		MilestoneIdx: meta.Target.MilestoneIdx,
		Status:       meta.Status,
		ExpiresAt:    meta.ExpiresAt,
		MaxUploads:   meta.MaxUploads,
		UploadsUsed:  meta.UploadsUsed,
		IssuedTo:     meta.IssuedTo,
		Note:         meta.Note,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "expires_at", "max_uploads", "uploads_used", "issued_to", "note", "updated_at",
		}),
	}).Create(&record).Error
}

// TokensForEscrow lists the mirrored token records for an escrow, newest first.
func (s *Store) TokensForEscrow(escrowID string) ([]TokenRecord, error) {
	var records []TokenRecord
	err := s.db.Where("escrow_id = ?", escrowID).Order("created_at DESC").Find(&records).Error
	return records, err
}
