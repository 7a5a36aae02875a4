package pagination

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type historyRow struct {
	id string
	at time.Time
}

func rowKey(r historyRow) (time.Time, string) { return r.at, r.id }

// fetchRows mimics a store fetch of n rows, newest first.
func fetchRows(n int) []historyRow {
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	rows := make([]historyRow, n)
	for i := range rows {
		rows[i] = historyRow{
			id: fmt.Sprintf("le_entry%03d", i),
			at: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return rows
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 12, 9, 45, 30, 123456789, time.UTC)
	token := Encode(ts, "le_01hq3k7v8n")
	require.NotEmpty(t, token)

	cur, err := Decode(token)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, ts, cur.CreatedAt)
	assert.Equal(t, "le_01hq3k7v8n", cur.ID)
}

func TestDecodeNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	ts := time.Date(2026, 3, 12, 1, 45, 30, 0, loc)

	cur, err := Decode(Encode(ts, "le_abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cur.CreatedAt.Location())
	assert.True(t, cur.CreatedAt.Equal(ts))
}

func TestDecodeEmptyMeansFirstPage(t *testing.T) {
	cur, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cur)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"%%%not-base64%%%",
		"bm9zZXBhcmF0b3I", // "noseparator"
		"LmxlX29ubHlpZA",  // ".le_onlyid", empty timestamp
	} {
		_, err := Decode(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}

func TestComputePageLastPage(t *testing.T) {
	page, next, more := ComputePage(fetchRows(3), 5, rowKey)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}

func TestComputePageFullPageWithoutExtraRow(t *testing.T) {
	page, next, more := ComputePage(fetchRows(3), 3, rowKey)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}

func TestComputePageTrimsExtraRow(t *testing.T) {
	rows := fetchRows(4) // limit+1 fetch
	page, next, more := ComputePage(rows, 3, rowKey)
	require.Len(t, page, 3)
	assert.True(t, more)

	cur, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, rows[2].id, cur.ID)
	assert.Equal(t, rows[2].at, cur.CreatedAt)
}
