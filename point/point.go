// Package point defines the uniform measurement record exchanged between
// every producer and every sink: the Point, the Batch that carries points to
// a bucket, and the line-protocol encoding shared by the sink backends.
package point

import (
	"fmt"
	"time"
)

// Fields maps field name to scalar payload value (numeric, boolean, or
// string). Fields are the unindexed payload of a measurement.
type Fields map[string]any

// Tags maps tag name to string value. Tags are indexed dimensions in the
// sink, describing provenance (location, actor name, deployment).
type Tags map[string]string

// Merge returns a new tag set with t as the base and override applied on
// top. Either side may be nil. The inputs are not modified.
func (t Tags) Merge(override Tags) Tags {
	if len(t) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(Tags, len(t)+len(override))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// Point is one timestamped measurement. It is created by a producer at the
// moment of observation and never mutated after hand-off to the dispatcher.
type Point struct {
	Measurement string
	Fields      Fields
	Tags        Tags
	Timestamp   time.Time
}

// New creates a point with an unset timestamp. The producer base stamps
// unset timestamps at emission time, so drivers only set Timestamp when the
// protocol itself reports the instant of measurement.
func New(measurement string, fields Fields, tags Tags) Point {
	return Point{
		Measurement: measurement,
		Fields:      fields,
		Tags:        tags,
	}
}

// Validate checks the point invariants: a measurement name and at least one
// field. Tags and timestamp may be empty.
func (p Point) Validate() error {
	if p.Measurement == "" {
		return fmt.Errorf("point: empty measurement")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("point %q: no fields", p.Measurement)
	}
	return nil
}

// Batch is an ordered sequence of points bound for one bucket, stamped with
// the name of the producer that emitted it.
type Batch struct {
	Bucket string
	Source string
	Points []Point
}

// NewBatch creates a batch for the given bucket. The producer base fills
// Source and an empty Bucket before hand-off.
func NewBatch(bucket string, points ...Point) *Batch {
	return &Batch{
		Bucket: bucket,
		Points: points,
	}
}

// Len returns the number of points in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Points)
}

// Validate checks that the batch targets a bucket and every point holds the
// point invariants.
func (b *Batch) Validate() error {
	if b.Bucket == "" {
		return fmt.Errorf("batch from %q: empty bucket", b.Source)
	}
	for i := range b.Points {
		if err := b.Points[i].Validate(); err != nil {
			return fmt.Errorf("batch from %q: %w", b.Source, err)
		}
	}
	return nil
}
