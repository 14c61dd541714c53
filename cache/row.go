package cache

import "github.com/gomlx/go-squad/squad"

// featureRow is the parquet layout of a squad.Feature.
type featureRow struct {
	FormatVersion int `parquet:"format_version"`

	UniqueID     int64  `parquet:"unique_id"`
	ExampleIndex int64  `parquet:"example_index"`
	QASID        string `parquet:"qas_id"`

	InputIDs          []int32  `parquet:"input_ids"`
	AttentionMask     []int32  `parquet:"attention_mask"`
	TokenTypeIDs      []int32  `parquet:"token_type_ids"`
	PMask             []int32  `parquet:"p_mask"`
	Tokens            []string `parquet:"tokens"`
	TokenToOrig       []int32  `parquet:"token_to_orig"`
	TokenIsMaxContext []bool   `parquet:"token_is_max_context"`

	CLSIndex      int32 `parquet:"cls_index"`
	ParagraphLen  int32 `parquet:"paragraph_len"`
	StartPosition int32 `parquet:"start_position"`
	EndPosition   int32 `parquet:"end_position"`
	IsImpossible  bool  `parquet:"is_impossible"`
}

func newFeatureRow(f *squad.Feature) featureRow {
	return featureRow{
		FormatVersion:     FormatVersion,
		UniqueID:          int64(f.UniqueID),
		ExampleIndex:      int64(f.ExampleIndex),
		QASID:             f.QASID,
		InputIDs:          f.InputIDs,
		AttentionMask:     f.AttentionMask,
		TokenTypeIDs:      f.TokenTypeIDs,
		PMask:             f.PMask,
		Tokens:            f.Tokens,
		TokenToOrig:       f.TokenToOrig,
		TokenIsMaxContext: f.TokenIsMaxContext,
		CLSIndex:          int32(f.CLSIndex),
		ParagraphLen:      int32(f.ParagraphLen),
		StartPosition:     int32(f.StartPosition),
		EndPosition:       int32(f.EndPosition),
		IsImpossible:      f.IsImpossible,
	}
}

func (r *featureRow) toFeature() squad.Feature {
	return squad.Feature{
		InputIDs:          r.InputIDs,
		AttentionMask:     r.AttentionMask,
		TokenTypeIDs:      r.TokenTypeIDs,
		PMask:             r.PMask,
		Tokens:            r.Tokens,
		TokenToOrig:       r.TokenToOrig,
		TokenIsMaxContext: r.TokenIsMaxContext,
		CLSIndex:          int(r.CLSIndex),
		ExampleIndex:      int(r.ExampleIndex),
		UniqueID:          int(r.UniqueID),
		ParagraphLen:      int(r.ParagraphLen),
		StartPosition:     int(r.StartPosition),
		EndPosition:       int(r.EndPosition),
		IsImpossible:      r.IsImpossible,
		QASID:             r.QASID,
	}
}
