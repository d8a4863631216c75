package interfaces

import "context"

// GroundTruthProvider compares extracted field values against a dataset's
// expected values, feeding the batch match rate. Compare returns how many
// fields matched out of how many were comparable; ok=false means the dataset
// holds no entry for the paper and the job contributes nothing to the
// denominator.
type GroundTruthProvider interface {
	Compare(ctx context.Context, datasetRef, paperID string, actual map[string]interface{}) (matched, compared int, ok bool, err error)
}
