package persistence

import (
	"database/sql"
	"time"
)

type (

	// ContentItem table
	ContentItem struct {
		ID              string
		OwnerID         string
		Kind            string
		Status          string
		ExternalJobRef  sql.NullString
		AnalysisAttempt int32
		LastError       sql.NullString
		ErrorCode       sql.NullString
		Email           sql.NullString
		SourceName      sql.NullString
		Lang            sql.NullString
		TranscriptReady bool
		Created         time.Time
		Updated         time.Time
		Version         int32
	}

	// AnalysisResult table, one row per (content, stage)
	AnalysisResult struct {
		ContentID string
		Stage     string
		Status    string
		Payload   []byte
		RawDigest sql.NullString
		Error     sql.NullString
		Updated   time.Time
	}

	// QuotaCounter table, keyed by (owner, feature, period)
	QuotaCounter struct {
		OwnerID string
		Feature string
		Period  string
		Used    int
		Limit   int
	}
)
