package decompose_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/predictable-edge/5G-measurement/pkg/clocksync"
	"github.com/predictable-edge/5G-measurement/pkg/decompose"
	"github.com/predictable-edge/5G-measurement/pkg/transfer"
)

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func completeAttempt(base time.Time, skew time.Duration) transfer.Attempt {
	return transfer.Attempt{
		RequestID:        1,
		OriginTimestamp:  seconds(base.Add(skew)), // remote clock at header send
		DeclaredSize:     4096,
		TotalSegments:    4,
		SegmentsReceived: 4,
		BytesReceived:    4096,
		TriggerSentAt:    base.Add(-5 * time.Millisecond),
		HeaderReceivedAt: base.Add(30 * time.Millisecond),
		FirstSegmentAt:   base.Add(32 * time.Millisecond),
		LastSegmentAt:    base.Add(50 * time.Millisecond),
		State:            transfer.StateComplete,
	}
}

func TestDecompose_SplitsDelayAndDuration(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	skew := 2 * time.Second
	offset := clocksync.Offset{Offset: skew, SampleRTT: 8 * time.Millisecond, SampledAt: base}

	d := decompose.New(log, decompose.Config{Sign: decompose.SignAheadRemote})
	rec := d.Decompose(completeAttempt(base, skew), offset, false)

	require.Equal(t, uint64(1), rec.Index)
	require.Equal(t, uint32(1), rec.RequestID)
	require.Equal(t, uint32(4096), rec.DeclaredSize)
	require.Equal(t, transfer.StateComplete, rec.Outcome)
	require.False(t, rec.OffsetStale)
	require.Equal(t, 8*time.Millisecond, rec.SyncRTT)

	// Remote runs 2s ahead; once corrected, the header left at base and
	// arrived 30ms later.
	require.InDelta(t, float64(30*time.Millisecond), float64(rec.TransmissionDelay), float64(time.Millisecond))
	require.Equal(t, 20*time.Millisecond, rec.TransferDuration)
	require.InDelta(t, float64(50*time.Millisecond), float64(rec.TotalLatency), float64(time.Millisecond))
}

func TestDecompose_SignAheadLocal(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	skew := 2 * time.Second
	// Local runs ahead: the remote origin timestamp reads 2s behind local.
	offset := clocksync.Offset{Offset: skew}

	d := decompose.New(log, decompose.Config{Sign: decompose.SignAheadLocal})
	rec := d.Decompose(completeAttempt(base, -skew), offset, false)

	require.InDelta(t, float64(30*time.Millisecond), float64(rec.TransmissionDelay), float64(time.Millisecond))
}

func TestDecompose_IndexIsMonotonic(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	d := decompose.New(log, decompose.Config{})
	for i := 1; i <= 3; i++ {
		rec := d.Decompose(completeAttempt(base, 0), clocksync.Offset{}, false)
		require.Equal(t, uint64(i), rec.Index)
	}
}

func TestDecompose_SkippedAttemptHasNoDurations(t *testing.T) {
	t.Parallel()

	d := decompose.New(log, decompose.Config{})
	rec := d.Decompose(transfer.Attempt{RequestID: 3, State: transfer.StateSkipped}, clocksync.Offset{}, true)

	require.Equal(t, transfer.StateSkipped, rec.Outcome)
	require.True(t, rec.OffsetStale)
	require.Zero(t, rec.TransmissionDelay)
	require.Zero(t, rec.TransferDuration)
	require.Zero(t, rec.TotalLatency)
}

func TestDecompose_ZeroSegmentAttempt(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	attempt := transfer.Attempt{
		RequestID:        2,
		OriginTimestamp:  seconds(base),
		HeaderReceivedAt: base.Add(25 * time.Millisecond),
		State:            transfer.StateComplete,
	}

	d := decompose.New(log, decompose.Config{})
	rec := d.Decompose(attempt, clocksync.Offset{}, false)

	require.InDelta(t, float64(25*time.Millisecond), float64(rec.TransmissionDelay), float64(time.Millisecond))
	require.Zero(t, rec.TransferDuration)
	require.InDelta(t, float64(25*time.Millisecond), float64(rec.TotalLatency), float64(time.Millisecond))
}

func TestDecompose_SizeMismatchStillDecomposes(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	attempt := completeAttempt(base, 0)
	attempt.BytesReceived = 4000
	attempt.State = transfer.StateSizeMismatch

	d := decompose.New(log, decompose.Config{})
	rec := d.Decompose(attempt, clocksync.Offset{}, false)

	require.Equal(t, transfer.StateSizeMismatch, rec.Outcome)
	require.Equal(t, 20*time.Millisecond, rec.TransferDuration)
}

func TestParseSignConvention(t *testing.T) {
	t.Parallel()

	sign, err := decompose.ParseSignConvention("ahead-remote")
	require.NoError(t, err)
	require.Equal(t, decompose.SignAheadRemote, sign)

	sign, err = decompose.ParseSignConvention("ahead-local")
	require.NoError(t, err)
	require.Equal(t, decompose.SignAheadLocal, sign)

	_, err = decompose.ParseSignConvention("sideways")
	require.Error(t, err)
}

func TestBufferSink(t *testing.T) {
	t.Parallel()

	sink := decompose.NewBufferSink(2)
	require.NoError(t, sink.Write(decompose.Record{Index: 1}))
	require.NoError(t, sink.Write(decompose.Record{Index: 2}))
	require.Error(t, sink.Write(decompose.Record{Index: 3}))

	records := sink.Records()
	require.Len(t, records, 2)
	require.Equal(t, uint64(1), records[0].Index)

	drained := sink.Drain()
	require.Len(t, drained, 2)
	require.Empty(t, sink.Records())
	require.NoError(t, sink.Write(decompose.Record{Index: 4}))
}

func TestTableWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := decompose.NewTableWriter(&buf)

	require.NoError(t, tw.Write(decompose.Record{
		Index:             1,
		RequestID:         1,
		DeclaredSize:      4096,
		TransmissionDelay: 30 * time.Millisecond,
		TransferDuration:  20 * time.Millisecond,
		TotalLatency:      50 * time.Millisecond,
		SyncRTT:           8 * time.Millisecond,
		Outcome:           transfer.StateComplete,
	}))
	require.NoError(t, tw.Write(decompose.Record{
		Index:       2,
		RequestID:   2,
		Outcome:     transfer.StateTimeout,
		OffsetStale: true,
	}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "index")
	require.Contains(t, lines[0], "trans_ms")
	require.Contains(t, lines[1], "complete")
	require.Contains(t, lines[1], "30.000")
	require.Contains(t, lines[1], "fresh")
	require.Contains(t, lines[2], "timeout")
	require.Contains(t, lines[2], "stale")
}

func TestMultiSink(t *testing.T) {
	t.Parallel()

	a := decompose.NewBufferSink(4)
	b := decompose.NewBufferSink(4)
	sink := decompose.MultiSink{a, b}

	require.NoError(t, sink.Write(decompose.Record{Index: 1}))
	require.Len(t, a.Records(), 1)
	require.Len(t, b.Records(), 1)
}
