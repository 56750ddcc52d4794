package pointer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalibrationMap(t *testing.T) {
	cal := DefaultCalibration()
	cal.Width, cal.Height = 1920, 1080

	tests := []struct {
		name string
		x, y float64
		want Point
	}{
		{"origin of useful area", 39, 62, Point{0, 0}},
		{"one step in", 40, 63, Point{9, 8}},
		{"middle", 140, 133, Point{904, 547}},
		{"left of capture clamps", 0, 0, Point{0, 0}},
		{"beyond screen clamps", 1000, 1000, Point{1919, 1079}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.Map(tt.x, tt.y))
		})
	}
}

func TestCalibrationIdentity(t *testing.T) {
	cal := Identity()
	assert.Equal(t, Point{12, 34}, cal.Map(12, 34))
	assert.Equal(t, Point{0, 0}, cal.Map(-5, -5))
}

func TestCalibrationUnknownScreenOnlyClampsNegative(t *testing.T) {
	cal := Identity()
	assert.Equal(t, Point{5000, 7000}, cal.Map(5000, 7000))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	n, err := r.Inject(ctx, []Action{MoveTo(Point{1, 2}), Down(ButtonLeft), Up(ButtonLeft)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	select {
	case <-r.Notify():
	default:
		t.Fatal("recorder did not signal")
	}

	n, err = r.Inject(ctx, []Action{MoveTo(Point{3, 4})})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, r.Batches(), 2)
	assert.Equal(t, [][]Action{Click(ButtonLeft)}, r.Buttons())

	r.Reset()
	assert.Empty(t, r.Batches())

	require.NoError(t, r.Close())
	_, err = r.Inject(ctx, Click(ButtonRight))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestRecorderLimitSimulatesShortDelivery(t *testing.T) {
	r := NewRecorder()
	r.Limit = 1

	n, err := r.Inject(context.Background(), DoubleClick(ButtonLeft))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]Action{{Down(ButtonLeft)}}, r.Batches())
}

func TestFormatBatch(t *testing.T) {
	batch := append([]Action{MoveTo(Point{10, 20})}, Click(ButtonRight)...)
	assert.Equal(t, "move(10,20) down(right) up(right)", FormatBatch(batch))
	assert.Equal(t, "", FormatBatch(nil))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	inj, err := Open(ctx, Options{Backend: "DryRun"})
	require.NoError(t, err)
	assert.Equal(t, "dryrun", inj.Name())
	n, err := inj.Inject(ctx, Click(ButtonLeft))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	inj, err = Open(ctx, Options{Backend: BackendRecord})
	require.NoError(t, err)
	assert.Equal(t, "record", inj.Name())

	_, err = Open(ctx, Options{Backend: "xtest"})
	assert.True(t, errors.Is(err, ErrUnknownBackend))
}

func TestProbe(t *testing.T) {
	ok, _ := Probe(BackendRecord)
	assert.True(t, ok)
	ok, _ = Probe(" DryRun ")
	assert.True(t, ok)
	ok, reason := Probe("xtest")
	assert.False(t, ok)
	assert.Equal(t, "unknown backend", reason)
}
