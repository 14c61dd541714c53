package squad

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Names of the tensors returned by Dataset.Batch.
const (
	InputIDs       = "input_ids"
	AttentionMask  = "attention_mask"
	TokenTypeIDs   = "token_type_ids"
	StartPositions = "start_positions"
	EndPositions   = "end_positions"
	FeatureIndex   = "feature_index"
	CLSIndices     = "cls_index"
	PMask          = "p_mask"
)

// Dataset is an ordered list of features, from which batches are drawn.
type Dataset struct {
	Features []Feature
	Training bool
}

// NewDataset wraps the features of a build.
func NewDataset(features []Feature, training bool) *Dataset {
	return &Dataset{Features: features, Training: training}
}

// Len returns the number of features.
func (ds *Dataset) Len() int {
	if ds == nil {
		return 0
	}
	return len(ds.Features)
}

// Concat returns a new dataset with the features of a followed by those of b.
// Either may be nil.
func Concat(a, b *Dataset) *Dataset {
	out := &Dataset{Features: make([]Feature, 0, a.Len()+b.Len())}
	if a != nil {
		out.Training = a.Training
		out.Features = append(out.Features, a.Features...)
	}
	if b != nil {
		out.Training = out.Training || b.Training
		out.Features = append(out.Features, b.Features...)
	}
	return out
}

// Batch gathers the features at the given indices into tensors.
//
// All batches hold InputIDs, AttentionMask and TokenTypeIDs (int64, shaped [batch, seq_len]).
// Training batches add StartPositions and EndPositions (int64, [batch]); evaluation batches add
// FeatureIndex and CLSIndices (int64, [batch]) and PMask (float32, [batch, seq_len]).
func (ds *Dataset) Batch(indices []int) (map[string]*tensors.Tensor, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch")
	}
	for _, idx := range indices {
		if idx < 0 || idx >= ds.Len() {
			return nil, errors.Errorf("feature index %d out of range [0, %d)", idx, ds.Len())
		}
	}
	batchSize := len(indices)
	seqLen := len(ds.Features[indices[0]].InputIDs)
	gather := func(field func(f *Feature) []int32) []int64 {
		flat := make([]int64, 0, batchSize*seqLen)
		for _, idx := range indices {
			for _, v := range field(&ds.Features[idx]) {
				flat = append(flat, int64(v))
			}
		}
		return flat
	}
	for _, idx := range indices {
		if len(ds.Features[idx].InputIDs) != seqLen {
			return nil, errors.Errorf("feature %d has length %d, expected %d", idx, len(ds.Features[idx].InputIDs), seqLen)
		}
	}

	batch := map[string]*tensors.Tensor{
		InputIDs:      tensors.FromFlatDataAndDimensions(gather(func(f *Feature) []int32 { return f.InputIDs }), batchSize, seqLen),
		AttentionMask: tensors.FromFlatDataAndDimensions(gather(func(f *Feature) []int32 { return f.AttentionMask }), batchSize, seqLen),
		TokenTypeIDs:  tensors.FromFlatDataAndDimensions(gather(func(f *Feature) []int32 { return f.TokenTypeIDs }), batchSize, seqLen),
	}
	if ds.Training {
		starts := make([]int64, batchSize)
		ends := make([]int64, batchSize)
		for ii, idx := range indices {
			starts[ii] = int64(ds.Features[idx].StartPosition)
			ends[ii] = int64(ds.Features[idx].EndPosition)
		}
		batch[StartPositions] = tensors.FromFlatDataAndDimensions(starts, batchSize)
		batch[EndPositions] = tensors.FromFlatDataAndDimensions(ends, batchSize)
		return batch, nil
	}

	featureIndex := make([]int64, batchSize)
	clsIndex := make([]int64, batchSize)
	pMask := make([]float32, 0, batchSize*seqLen)
	for ii, idx := range indices {
		f := &ds.Features[idx]
		featureIndex[ii] = int64(idx)
		clsIndex[ii] = int64(f.CLSIndex)
		for _, v := range f.PMask {
			pMask = append(pMask, float32(v))
		}
	}
	batch[FeatureIndex] = tensors.FromFlatDataAndDimensions(featureIndex, batchSize)
	batch[CLSIndices] = tensors.FromFlatDataAndDimensions(clsIndex, batchSize)
	batch[PMask] = tensors.FromFlatDataAndDimensions(pMask, batchSize, seqLen)
	return batch, nil
}
