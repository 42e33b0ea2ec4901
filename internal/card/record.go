// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package card

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// RECORD LAYOUT
// =============================================================================

// recordMagic tags a provisioned application record.
var recordMagic = []byte("CP01")

const (
	// RecordSize is the fixed application record length in bytes:
	// magic(4) || card_uid(16) || user_hash8(8) || tpl_hash8(8) || reserved(4).
	RecordSize = AppRecordWords * WordSize

	// CardUIDSize is the length of the random per-card identity.
	CardUIDSize = 16

	bindingHashSize = 8
)

// errRecordLength flags a record whose byte length cannot be split into
// whole words. It can only arise from a programming error, never from
// card contents.
var errRecordLength = errors.New("record_length_not_multiple_of_4")

// AppRecord is the decoded on-card binding record. Fields are lowercase
// hex strings, matching how they are stored and logged everywhere else.
type AppRecord struct {
	// CardUID is the 16-byte random card identity assigned at first
	// provisioning and preserved across re-binds.
	CardUID string

	// UserHash8 is the first 8 bytes of SHA-256(user_id).
	UserHash8 string

	// TplHash8 is the first 8 bytes of the template file's SHA-256.
	TplHash8 string
}

// UserHash8 derives the record's user binding field for a user ID.
func UserHash8(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:bindingHashSize])
}

// TplHash8FromSHA256 derives the record's template binding field from a
// template's full 64-hex-char SHA-256.
func TplHash8FromSHA256(tplSHA256Hex string) (string, error) {
	raw, err := hex.DecodeString(strings.ToLower(tplSHA256Hex))
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("invalid template sha256 %q", tplSHA256Hex)
	}
	return hex.EncodeToString(raw[:bindingHashSize]), nil
}

// EncodeRecord builds the 40-byte application record.
func EncodeRecord(cardUID16 []byte, userID, tplSHA256Hex string) ([]byte, error) {
	if len(cardUID16) != CardUIDSize {
		return nil, fmt.Errorf("card uid must be %d bytes, got %d", CardUIDSize, len(cardUID16))
	}
	tplHash8, err := TplHash8FromSHA256(tplSHA256Hex)
	if err != nil {
		return nil, err
	}
	tplRaw, _ := hex.DecodeString(tplHash8)
	userSum := sha256.Sum256([]byte(userID))

	rec := make([]byte, 0, RecordSize)
	rec = append(rec, recordMagic...)
	rec = append(rec, cardUID16...)
	rec = append(rec, userSum[:bindingHashSize]...)
	rec = append(rec, tplRaw...)
	rec = append(rec, 0x00, 0x00, 0x00, 0x00)
	return rec, nil
}

// decodeRecord parses raw record bytes. A magic mismatch means the card
// is unprovisioned, reported as absence rather than an error.
func decodeRecord(raw []byte) (*AppRecord, bool) {
	if len(raw) != RecordSize || !bytes.Equal(raw[:len(recordMagic)], recordMagic) {
		return nil, false
	}
	return &AppRecord{
		CardUID:   hex.EncodeToString(raw[4 : 4+CardUIDSize]),
		UserHash8: hex.EncodeToString(raw[20 : 20+bindingHashSize]),
		TplHash8:  hex.EncodeToString(raw[28 : 28+bindingHashSize]),
	}, true
}

// chunkWords splits a record into card words.
func chunkWords(rec []byte) ([][]byte, error) {
	if len(rec)%WordSize != 0 {
		return nil, errRecordLength
	}
	words := make([][]byte, 0, len(rec)/WordSize)
	for i := 0; i < len(rec); i += WordSize {
		words = append(words, rec[i:i+WordSize])
	}
	return words, nil
}

// =============================================================================
// UNLOCK CANDIDATES
// =============================================================================

// vendorDefaultCodes are factory access codes observed across card
// batches, tried after any operator-configured codes.
var vendorDefaultCodes = [][]byte{
	{0x11, 0x11, 0x11, 0x11},
	{0x22, 0x22, 0x22, 0x22},
	{0xAA, 0xAA, 0xAA, 0xAA},
	{0x00, 0x00, 0x00, 0x00},
	{0xFF, 0xFF, 0xFF, 0xFF},
}

// CandidateCodes builds the unlock priority list: configured codes in
// their given order, then each vendor default not already present.
func CandidateCodes(configured [][]byte) [][]byte {
	out := make([][]byte, 0, len(configured)+len(vendorDefaultCodes))
	for _, c := range configured {
		if len(c) == WordSize {
			out = append(out, c)
		}
	}
	for _, c := range vendorDefaultCodes {
		dup := false
		for _, have := range out {
			if bytes.Equal(have, c) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// unlock walks every access-condition target against every candidate
// code and stops at the first accepted VERIFY. Callers must hold s.mu.
func (s *Session) unlock(ctx context.Context) error {
	targets := []byte{VerifyTargetCSC1, VerifyTargetCSC0, VerifyTargetCSC2}
	var last error
	for _, t := range targets {
		for _, c := range s.codes {
			err := s.verify(ctx, t, c)
			if err == nil {
				return nil
			}
			last = err
		}
	}
	return fmt.Errorf("%w: %v", ErrUnlockFailed, last)
}

// =============================================================================
// RECORD OPERATIONS
// =============================================================================

// ReadAppRecord reads the ten record words and decodes them. Absence
// (unreadable zone or magic mismatch) is a legitimate state: the card is
// simply unprovisioned, so the error is nil.
func (s *Session) ReadAppRecord(ctx context.Context) (*AppRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAppRecord(ctx)
}

func (s *Session) readAppRecord(ctx context.Context) (*AppRecord, bool) {
	raw := make([]byte, 0, RecordSize)
	for i := 0; i < AppRecordWords; i++ {
		w, err := s.readWord(ctx, AppRecordBase+byte(i))
		if err != nil {
			return nil, false
		}
		raw = append(raw, w...)
	}
	return decodeRecord(raw)
}

// writeAppRecord encodes, unlocks, and writes all ten words. Callers
// must hold s.mu.
func (s *Session) writeAppRecord(ctx context.Context, cardUID16 []byte, userID, tplSHA256Hex string) (string, error) {
	rec, err := EncodeRecord(cardUID16, userID, tplSHA256Hex)
	if err != nil {
		return "", err
	}
	words, err := chunkWords(rec)
	if err != nil {
		return "", err
	}
	if err := s.unlock(ctx); err != nil {
		return "", err
	}
	for i, w := range words {
		if err := s.updateWord(ctx, AppRecordBase+byte(i), w); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(cardUID16), nil
}

// ProvisionOutcome reports what ProvisionOrLoad did.
type ProvisionOutcome string

const (
	// OutcomeProvisioned means the record was written or rewritten.
	OutcomeProvisioned ProvisionOutcome = "provisioned"

	// OutcomeLoaded means a matching record was already present.
	OutcomeLoaded ProvisionOutcome = "loaded"
)

// ProvisionOrLoad binds the card to (userID, template). An absent record
// is written fresh under a new random UID. A present record whose
// embedded hashes already match is left untouched. A present but
// mismatched record is rewritten in place reusing the existing UID, so a
// re-enrolled card keeps its identity.
func (s *Session) ProvisionOrLoad(ctx context.Context, userID, tplSHA256Hex string) (string, ProvisionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantTpl, err := TplHash8FromSHA256(tplSHA256Hex)
	if err != nil {
		return "", "", err
	}
	wantUser := UserHash8(userID)

	rec, present := s.readAppRecord(ctx)
	if !present {
		uid16 := make([]byte, CardUIDSize)
		if _, err := rand.Read(uid16); err != nil {
			return "", "", fmt.Errorf("failed to generate card uid: %w", err)
		}
		uid, err := s.writeAppRecord(ctx, uid16, userID, tplSHA256Hex)
		if err != nil {
			return "", "", err
		}
		return uid, OutcomeProvisioned, nil
	}

	if strings.EqualFold(rec.UserHash8, wantUser) && strings.EqualFold(rec.TplHash8, wantTpl) {
		return rec.CardUID, OutcomeLoaded, nil
	}

	uid16, err := hex.DecodeString(rec.CardUID)
	if err != nil || len(uid16) != CardUIDSize {
		return "", "", fmt.Errorf("corrupt card uid in existing record: %q", rec.CardUID)
	}
	uid, err := s.writeAppRecord(ctx, uid16, userID, tplSHA256Hex)
	if err != nil {
		return "", "", err
	}
	return uid, OutcomeProvisioned, nil
}
