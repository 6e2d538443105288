package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorEncoding(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-03-10T12:00:00Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)

	_, err = DecodeCursor("%%%")
	assert.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	a, b, c := 1, 2, 3
	rows := []*int{&a, &b, &c}

	page, info := BuildCursorPageInfo(rows, 2, func(v *int) string {
		if *v == 2 {
			return "cursor-2"
		}
		return "other"
	})
	assert.Len(t, page, 2)
	assert.True(t, info.HasMore)
	assert.Equal(t, "cursor-2", info.NextPageToken)

	page, info = BuildCursorPageInfo(rows[:1], 2, func(*int) string { return "x" })
	assert.Len(t, page, 1)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
	assert.Equal(t, 5, Pagination{PageSize: 5}.Limit())
}
