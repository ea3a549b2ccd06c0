package data

import (
	"fmt"
	"io"
)

// Split labels.
const (
	SplitTrain = "train"
	SplitVal   = "val"
)

// Iterator yields ready mini-batches. Next returns io.EOF after the last
// one.
type Iterator interface {
	Next() (*Sample, error)
	Close()
}

// Dataset produces a fresh Iterator on every Run call, so it can be
// replayed every epoch.
type Dataset interface {
	// Run iterates over split. maxItems > 0 caps the number of items read.
	Run(split string, maxItems int) (Iterator, error)
	BatchSize() int
	// NumBatches is the number of mini-batches Run will yield.
	NumBatches(split string, maxItems int) int
}

// UnknownSplitError is returned by datasets for labels other than train
// and val.
type UnknownSplitError struct {
	Split string
}

func (e *UnknownSplitError) Error() string { return fmt.Sprintf("unknown split %q", e.Split) }

// capItems applies a max_image_num style cap.
func capItems(total, maxItems int) int {
	if maxItems > 0 && maxItems < total {
		return maxItems
	}
	return total
}

func numBatches(items, batch int) int {
	if batch <= 0 {
		return 0
	}
	return (items + batch - 1) / batch
}

// sliceIterator replays precomputed batches.
type sliceIterator struct {
	batches []*Sample
	next    int
}

func (it *sliceIterator) Next() (*Sample, error) {
	if it.next >= len(it.batches) {
		return nil, io.EOF
	}
	s := it.batches[it.next]
	it.next++
	return s, nil
}

func (it *sliceIterator) Close() {}

// NewSliceIterator yields batches in order. It is useful for feeding
// fixed samples to the trainer.
func NewSliceIterator(batches []*Sample) Iterator {
	return &sliceIterator{batches: batches}
}
