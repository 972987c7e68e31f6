package synth

import (
	"context"
	"testing"

	"github.com/FlavioCFOliveira/GoRezoom/internal/decoder"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/match"
	"github.com/stretchr/testify/require"
)

func rezoomHypes() *hyp.Hypes {
	h := hyp.Default()
	h.BatchSize = 2
	h.NumClasses = 3
	h.UseRezoom = true
	h.EarlyFeatChannels = 4
	h.RezoomWCoords = []float64{-0.25, 0.25}
	h.RezoomHCoords = []float64{0}
	return h
}

func TestBatchMatchesLabels(t *testing.T) {
	h := rezoomHypes()
	require.NoError(t, h.Validate())
	s := NewSource(h, 3)
	s.ObjectProb = 0.5
	s.Images = true

	b, err := s.Next(context.Background(), decoder.PhaseTrain)
	require.NoError(t, err)
	require.NoError(t, b.Labels.Check(h))
	require.NoError(t, b.Features.Coarse.Expect(h.OuterSize(), h.CnnChannels))
	require.NoError(t, b.Features.Early.Expect(h.BatchSize, h.EarlyHeight(), h.EarlyWidth(), h.EarlyFeatChannels))
	require.Len(t, b.Labels.Images, h.BatchSize)
	for _, img := range b.Labels.Images {
		require.Equal(t, h.ImageWidth, img.Bounds().Dx())
		require.Equal(t, h.ImageHeight, img.Bounds().Dy())
	}

	flags, err := b.Labels.TruthFlags(h)
	require.NoError(t, err)
	confs, err := b.Labels.TruthConfidences(h)
	require.NoError(t, err)
	objects := 0
	for c := 0; c < h.OuterSize(); c++ {
		class := int(flags.At(c, 0))
		require.GreaterOrEqual(t, class, 0)
		require.Less(t, class, h.NumClasses)
		require.Equal(t, 1.0, confs.At(c, 0, class), "cell %d", c)
		// The planted signal separates object cells from background.
		if class > 0 {
			objects++
			require.Positive(t, b.Features.Coarse.At(c, 0))
		} else {
			require.Negative(t, b.Features.Coarse.At(c, 0))
		}
	}
	require.Positive(t, objects)

	a, err := match.SingleSlot{}.Match(b.Labels.Boxes.MustReshape("pred_boxes", h.OuterSize(), 1, 4), b.Labels.Boxes.MustReshape("boxes", h.OuterSize(), 1, 4), flags)
	require.NoError(t, err)
	masked := 0
	for c := 0; c < h.OuterSize(); c++ {
		masked += match.Objects(a.Mask, c)
		if a.Mask.At(c, 0) > 0 {
			require.GreaterOrEqual(t, a.PermTruth.At(c, 0, 2), float64(h.RegionSize)/2)
		}
	}
	require.Equal(t, objects, masked)
}

func TestSourceIsReproducible(t *testing.T) {
	h := hyp.Default()
	ctx := context.Background()

	a, err := NewSource(h, 9).Next(ctx, decoder.PhaseTrain)
	require.NoError(t, err)
	b, err := NewSource(h, 9).Next(ctx, decoder.PhaseTrain)
	require.NoError(t, err)
	require.Equal(t, a.Features.Coarse.Data, b.Features.Coarse.Data)
	require.Equal(t, a.Labels.Boxes.Data, b.Labels.Boxes.Data)
	require.Nil(t, a.Features.Early)
	require.Nil(t, a.Labels.Images)

	val, err := NewSource(h, 9).Next(ctx, decoder.PhaseVal)
	require.NoError(t, err)
	require.NotEqual(t, a.Features.Coarse.Data, val.Features.Coarse.Data)
}

func TestNextHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSource(hyp.Default(), 1).Next(ctx, decoder.PhaseTrain)
	require.ErrorIs(t, err, context.Canceled)
}
