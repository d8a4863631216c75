package models

import (
	"encoding/gob"
	"time"

	"github.com/google/uuid"
)

func init() {
	// Register concrete types that live inside Fields so gob can round-trip
	// them through the store.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// Extraction is the stored payload of a successful extraction attempt: the
// field values the LLM produced for a paper, keyed by the schema that
// requested them. One row per stored job; failed attempts store nothing.
type Extraction struct {
	ID        string                 `json:"id" badgerhold:"key"`
	JobID     string                 `json:"job_id" badgerhold:"index"`
	PaperID   string                 `json:"paper_id" badgerhold:"index"`
	BatchID   string                 `json:"batch_id,omitempty" badgerhold:"index"`
	SchemaRef string                 `json:"schema_ref"`
	ModelRef  string                 `json:"model_ref"`
	Fields    map[string]interface{} `json:"fields"`
	TokensIn  int64                  `json:"tokens_in"`
	TokensOut int64                  `json:"tokens_out"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewExtraction builds the stored payload for a finished job.
func NewExtraction(job *Job, fields map[string]interface{}, tokensIn, tokensOut int64) *Extraction {
	return &Extraction{
		ID:        "xt_" + uuid.New().String(),
		JobID:     job.ID,
		PaperID:   job.PaperID,
		BatchID:   job.BatchID,
		SchemaRef: job.SchemaRef,
		ModelRef:  job.ModelRef,
		Fields:    fields,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CreatedAt: time.Now().UTC(),
	}
}
