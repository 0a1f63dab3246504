package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// ChunkRef records one retrieved chunk in a QA record.
type ChunkRef struct {
	ChunkID    int64   `json:"chunk_id"`
	Similarity float64 `json:"similarity"`
	Source     string  `json:"source"`
}

// QARecord is one answered question for history and audit.
type QARecord struct {
	Question      string
	Answer        string
	DataSourceID  int64 // 0 = unscoped
	OwnerID       string
	Chunks        []ChunkRef
	PipelineTrace map[string]any
}

// InsertQARecord appends an answer to the history. Callers treat failures
// as best effort; losing a history row must not fail the answer.
func (s *Store) InsertQARecord(ctx context.Context, rec QARecord) error {
	chunks, err := json.Marshal(rec.Chunks)
	if err != nil {
		return fmt.Errorf("encoding chunk refs: %w", err)
	}
	if rec.Chunks == nil {
		chunks = []byte("[]")
	}
	trace, err := json.Marshal(rec.PipelineTrace)
	if err != nil {
		return fmt.Errorf("encoding pipeline trace: %w", err)
	}
	if rec.PipelineTrace == nil {
		trace = []byte("{}")
	}

	var dsID any
	if rec.DataSourceID != 0 {
		dsID = rec.DataSourceID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO qa_records
			(question, answer, data_source_id, owner_id, retrieved_chunks, pipeline_trace)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Question, rec.Answer, dsID, rec.OwnerID, chunks, trace)
	if err != nil {
		return fmt.Errorf("inserting qa record: %w", err)
	}
	return nil
}
