package point

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		point   Point
		wantErr bool
	}{
		{
			name:  "valid",
			point: New("temp", Fields{"value": 21.5}, Tags{"loc": "lab"}),
		},
		{
			name:  "valid without tags",
			point: New("temp", Fields{"value": 21.5}, nil),
		},
		{
			name:    "empty measurement",
			point:   New("", Fields{"value": 1.0}, nil),
			wantErr: true,
		},
		{
			name:    "no fields",
			point:   New("temp", nil, nil),
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.point.Validate()
			if test.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBatch_Validate(t *testing.T) {
	b := NewBatch("sensors", New("temp", Fields{"value": 21.5}, nil))
	b.Source = "p1"
	assert.NoError(t, b.Validate())

	empty := NewBatch("", New("temp", Fields{"value": 1.0}, nil))
	assert.Error(t, empty.Validate())

	bad := NewBatch("sensors", New("", Fields{"value": 1.0}, nil))
	assert.Error(t, bad.Validate())
}

func TestBatch_Len(t *testing.T) {
	var nilBatch *Batch
	assert.Equal(t, 0, nilBatch.Len())

	b := NewBatch("sensors",
		New("a", Fields{"v": 1}, nil),
		New("b", Fields{"v": 2}, nil),
	)
	assert.Equal(t, 2, b.Len())
}

func TestTags_Merge(t *testing.T) {
	base := Tags{"observatory": "apo", "loc": "old"}
	override := Tags{"loc": "lab"}

	merged := base.Merge(override)
	assert.Equal(t, Tags{"observatory": "apo", "loc": "lab"}, merged)

	// Inputs untouched
	assert.Equal(t, "old", base["loc"])

	assert.Nil(t, Tags(nil).Merge(nil))
	assert.Equal(t, Tags{"a": "1"}, Tags(nil).Merge(Tags{"a": "1"}))
	assert.Equal(t, Tags{"a": "1"}, Tags{"a": "1"}.Merge(nil))
}

func TestAppendLine(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)

	tests := []struct {
		name     string
		point    Point
		expected string
	}{
		{
			name: "full point",
			point: Point{
				Measurement: "weather",
				Fields:      Fields{"temp": 21.5, "ok": true, "n": 3, "status": "fine"},
				Tags:        Tags{"loc": "lab", "actor": "tron"},
				Timestamp:   ts,
			},
			expected: `weather,actor=tron,loc=lab n=3i,ok=true,status="fine",temp=21.5 1700000000000000000`,
		},
		{
			name: "no tags no timestamp",
			point: Point{
				Measurement: "pressure",
				Fields:      Fields{"value": int64(-4)},
			},
			expected: `pressure value=-4i`,
		},
		{
			name: "escaping",
			point: Point{
				Measurement: "disk usage",
				Fields:      Fields{"free space": 10.0},
				Tags:        Tags{"mount point": "/var, data", "k=v": "a=b"},
				Timestamp:   ts,
			},
			expected: `disk\ usage,k\=v=a\=b,mount\ point=/var\,\ data free\ space=10 1700000000000000000`,
		},
		{
			name: "string escaping",
			point: Point{
				Measurement: "log",
				Fields:      Fields{"msg": `said "hi" \o/`},
			},
			expected: `log msg="said \"hi\" \\o/"`,
		},
		{
			name: "unsigned",
			point: Point{
				Measurement: "counter",
				Fields:      Fields{"total": uint64(18446744073709551615)},
			},
			expected: `counter total=18446744073709551615u`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := AppendLine(nil, test.point)
			require.NoError(t, err)
			assert.Equal(t, test.expected, string(got))
		})
	}
}

func TestAppendLine_Errors(t *testing.T) {
	_, err := AppendLine(nil, Point{Measurement: "m", Fields: Fields{"v": []int{1}}})
	assert.Error(t, err)

	nan := Point{Measurement: "m", Fields: Fields{"v": nanFloat()}}
	_, err = AppendLine(nil, nan)
	assert.Error(t, err)

	_, err = AppendLine(nil, Point{Measurement: "", Fields: Fields{"v": 1.0}})
	assert.Error(t, err)
}

func nanFloat() float64 {
	zero := 0.0
	return zero / zero
}

func TestEncodeLines(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	points := []Point{
		{Measurement: "a", Fields: Fields{"v": 1.0}, Timestamp: ts},
		{Measurement: "b", Fields: Fields{"v": 2.0}, Timestamp: ts},
	}

	got, err := EncodeLines(points)
	require.NoError(t, err)
	assert.Equal(t, "a v=1 1700000000000000000\nb v=2 1700000000000000000\n", string(got))
}

func TestEncodeLines_PropagatesErrors(t *testing.T) {
	points := []Point{
		{Measurement: "a", Fields: Fields{"v": 1.0}},
		{Measurement: "", Fields: Fields{"v": 2.0}},
	}
	_, err := EncodeLines(points)
	assert.Error(t, err)
}

func TestEncodeLinesLenient(t *testing.T) {
	points := []Point{
		{Measurement: "a", Fields: Fields{"v": 1.0}},
		{Measurement: "bad", Fields: Fields{"v": nanFloat()}},
		{Measurement: "c", Fields: Fields{"v": 3.0}},
	}

	got, skipped := EncodeLinesLenient(points)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, "a v=1\nc v=3\n", string(got))

	got, skipped = EncodeLinesLenient(nil)
	assert.Zero(t, skipped)
	assert.Empty(t, got)
}
