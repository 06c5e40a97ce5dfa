// Package seqio moves token batches, discriminator scores and reward tensors in and
// out of Arrow records. Sequences are stored as a FixedSizeList<int32> column whose
// list size is the sequence length.
package seqio

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	TokensField  = "tokens"
	ScoresField  = "truth_prob"
	RewardsField = "rewards"
)

var ErrSchema = errors.New("unexpected arrow schema")

// TokensSchema describes a batch of sequences of length seqLen.
func TokensSchema(seqLen int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: TokensField, Type: arrow.FixedSizeListOf(int32(seqLen), arrow.PrimitiveTypes.Int32)},
	}, nil)
}

// RewardsSchema pairs each sequence with its per-position rewards.
func RewardsSchema(seqLen int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: TokensField, Type: arrow.FixedSizeListOf(int32(seqLen), arrow.PrimitiveTypes.Int32)},
		{Name: RewardsField, Type: arrow.FixedSizeListOf(int32(seqLen), arrow.PrimitiveTypes.Float64)},
	}, nil)
}

var ScoresSchema = arrow.NewSchema([]arrow.Field{
	{Name: ScoresField, Type: arrow.PrimitiveTypes.Float64},
}, nil)

// seqLenOf returns the common row length and rejects ragged batches.
func seqLenOf(seqs [][]int) (int, error) {
	if len(seqs) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	n := len(seqs[0])
	for i, s := range seqs {
		if len(s) != n {
			return 0, fmt.Errorf("sequence %d has length %d, want %d", i, len(s), n)
		}
	}
	return n, nil
}

func appendTokens(lb *array.FixedSizeListBuilder, seqs [][]int) {
	vb := lb.ValueBuilder().(*array.Int32Builder)
	row := make([]int32, 0)
	for _, s := range seqs {
		row = row[:0]
		for _, tok := range s {
			row = append(row, int32(tok))
		}
		lb.Append(true)
		vb.AppendValues(row, nil)
	}
}

// TokensRecord builds a record from a rectangular batch. The caller releases it.
func TokensRecord(mem memory.Allocator, seqs [][]int) (arrow.Record, error) {
	seqLen, err := seqLenOf(seqs)
	if err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, TokensSchema(seqLen))
	defer b.Release()

	appendTokens(b.Field(0).(*array.FixedSizeListBuilder), seqs)
	return b.NewRecord(), nil
}

// RewardsRecord builds a record of sequences and their rewards. The caller releases it.
func RewardsRecord(mem memory.Allocator, seqs [][]int, rewards [][]float64) (arrow.Record, error) {
	seqLen, err := seqLenOf(seqs)
	if err != nil {
		return nil, err
	}
	if len(rewards) != len(seqs) {
		return nil, fmt.Errorf("got %d reward rows for %d sequences", len(rewards), len(seqs))
	}
	b := array.NewRecordBuilder(mem, RewardsSchema(seqLen))
	defer b.Release()

	appendTokens(b.Field(0).(*array.FixedSizeListBuilder), seqs)
	lb := b.Field(1).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float64Builder)
	for i, r := range rewards {
		if len(r) != seqLen {
			return nil, fmt.Errorf("reward row %d has length %d, want %d", i, len(r), seqLen)
		}
		lb.Append(true)
		vb.AppendValues(r, nil)
	}
	return b.NewRecord(), nil
}

// ScoresRecord builds a single-column record of discriminator scores.
func ScoresRecord(mem memory.Allocator, scores []float64) arrow.Record {
	b := array.NewRecordBuilder(mem, ScoresSchema)
	defer b.Release()
	b.Field(0).(*array.Float64Builder).AppendValues(scores, nil)
	return b.NewRecord()
}

func fixedList(rec arrow.Record, name string) (*array.FixedSizeList, int, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, 0, fmt.Errorf("missing column %q: %w", name, ErrSchema)
	}
	col, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, 0, fmt.Errorf("column %q is %s: %w", name, rec.Column(idx[0]).DataType(), ErrSchema)
	}
	width := int(col.DataType().(*arrow.FixedSizeListType).Len())
	return col, width, nil
}

// TokensFromRecord decodes the tokens column of rec.
func TokensFromRecord(rec arrow.Record) ([][]int, error) {
	col, width, err := fixedList(rec, TokensField)
	if err != nil {
		return nil, err
	}
	values, ok := col.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("tokens values are %s: %w", col.ListValues().DataType(), ErrSchema)
	}
	raw := values.Int32Values()
	offset := col.Data().Offset()

	out := make([][]int, col.Len())
	for i := range out {
		start := (offset + i) * width
		row := make([]int, width)
		for j := range row {
			row[j] = int(raw[start+j])
		}
		out[i] = row
	}
	return out, nil
}

// RewardsFromRecord decodes the rewards column of rec.
func RewardsFromRecord(rec arrow.Record) ([][]float64, error) {
	col, width, err := fixedList(rec, RewardsField)
	if err != nil {
		return nil, err
	}
	values, ok := col.ListValues().(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("rewards values are %s: %w", col.ListValues().DataType(), ErrSchema)
	}
	raw := values.Float64Values()
	offset := col.Data().Offset()

	out := make([][]float64, col.Len())
	for i := range out {
		start := (offset + i) * width
		out[i] = append([]float64(nil), raw[start:start+width]...)
	}
	return out, nil
}

// ScoresFromRecord decodes the truth_prob column of rec.
func ScoresFromRecord(rec arrow.Record) ([]float64, error) {
	idx := rec.Schema().FieldIndices(ScoresField)
	if len(idx) == 0 {
		return nil, fmt.Errorf("missing column %q: %w", ScoresField, ErrSchema)
	}
	col, ok := rec.Column(idx[0]).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("column %q is %s: %w", ScoresField, rec.Column(idx[0]).DataType(), ErrSchema)
	}
	return append([]float64(nil), col.Float64Values()...), nil
}

// WriteSamples writes seqs to w as a single-batch Arrow IPC stream.
func WriteSamples(w io.Writer, seqs [][]int) error {
	mem := memory.NewGoAllocator()
	rec, err := TokensRecord(mem, seqs)
	if err != nil {
		return err
	}
	defer rec.Release()
	return writeStream(w, mem, rec)
}

// WriteRewards writes seqs and their rewards to w as an Arrow IPC stream.
func WriteRewards(w io.Writer, seqs [][]int, rewards [][]float64) error {
	mem := memory.NewGoAllocator()
	rec, err := RewardsRecord(mem, seqs, rewards)
	if err != nil {
		return err
	}
	defer rec.Release()
	return writeStream(w, mem, rec)
}

func writeStream(w io.Writer, mem memory.Allocator, rec arrow.Record) error {
	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("close ipc writer: %w", err)
	}
	return nil
}

// ReadSamples reads every record of an Arrow IPC stream and concatenates their
// token rows.
func ReadSamples(r io.Reader) ([][]int, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open ipc stream: %w", err)
	}
	defer rdr.Release()

	var out [][]int
	for rdr.Next() {
		rows, err := TokensFromRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read ipc stream: %w", err)
	}
	return out, nil
}

// Batches splits rows into consecutive full batches; a trailing partial batch is dropped.
func Batches(rows [][]int, batchSize int) [][][]int {
	if batchSize <= 0 {
		return nil
	}
	var out [][][]int
	for i := 0; i+batchSize <= len(rows); i += batchSize {
		out = append(out, rows[i:i+batchSize])
	}
	return out
}
