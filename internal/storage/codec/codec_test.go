package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sampleRecord struct {
	ID        string         `codec:"id"`
	Seq       uint64         `codec:"seq"`
	Payload   []byte         `codec:"payload"`
	Fields    map[string]any `codec:"fields,omitempty"`
	CreatedAt time.Time      `codec:"createdAt"`
}

func TestRecordRoundTrip(t *testing.T) {
	in := sampleRecord{
		ID:        "evt-1",
		Seq:       42,
		Payload:   []byte(`{"amount":100}`),
		Fields:    map[string]any{"category": "food"},
		CreatedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}

	data, err := EncodeRecord(in, 0)
	require.NoError(t, err)

	var out sampleRecord
	require.NoError(t, DecodeRecord(data, &out))
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Seq, out.Seq)
	require.Equal(t, in.Payload, out.Payload)
	require.Equal(t, "food", out.Fields["category"])
	require.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestGenericMapsDecodeStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))
	nested, ok := out["nested"].(map[string]any)
	require.True(t, ok, "nested maps must decode as map[string]any, got %T", out["nested"])
	require.Equal(t, "v", nested["k"])
}

func TestCompressionKicksInAboveThreshold(t *testing.T) {
	in := sampleRecord{
		ID:      "evt-2",
		Payload: []byte(strings.Repeat(`{"amount":100,"category":"food"}`, 64)),
	}

	plain, err := EncodeRecord(in, 0)
	require.NoError(t, err)
	compressed, err := EncodeRecord(in, 64)
	require.NoError(t, err)

	require.Less(t, len(compressed), len(plain), "repetitive record must shrink")

	var out sampleRecord
	require.NoError(t, DecodeRecord(compressed, &out))
	require.True(t, bytes.Equal(in.Payload, out.Payload))
}

func TestSmallValuesStayRaw(t *testing.T) {
	data, err := EncodeRecord(sampleRecord{ID: "x"}, 1<<20)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), data[0])
}

func TestDecodeRecordErrors(t *testing.T) {
	require.ErrorIs(t, DecodeRecord(nil, &sampleRecord{}), ErrEmptyRecord)
	require.ErrorIs(t, DecodeRecord([]byte{0x7f, 0x01}, &sampleRecord{}), ErrBadFlag)
}
