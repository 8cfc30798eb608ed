package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hardaltrack/pkg/domain"
)

func TestJournal_RecordAndRecent(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.sqlite3"), "hardal_", nil)
	require.NoError(t, err)
	defer j.Close()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, domain.DeliveryReport{
		Session: "s1", EventName: "page_view", Type: domain.WireTypeEvent,
		Status: domain.DeliverySent, HTTPStatus: 200, Duration: 42 * time.Millisecond, At: base,
	}))
	require.NoError(t, j.Record(ctx, domain.DeliveryReport{
		Session: "s1", EventName: "signup", Type: domain.WireTypeEvent,
		Status: domain.DeliverySkipped, Reason: domain.ReasonDoNotTrack, At: base.Add(time.Second),
	}))
	require.NoError(t, j.Record(ctx, domain.DeliveryReport{
		Session: "s1", EventName: "network_batch", Type: domain.WireTypeEvent,
		Status: domain.DeliveryFailed, HTTPStatus: 503, Error: "HTTP error! status: 503", At: base.Add(2 * time.Second),
	}))

	got, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "network_batch", got[0].EventName)
	assert.Equal(t, domain.DeliveryFailed, got[0].Status)
	assert.Equal(t, 503, got[0].HTTPStatus)
	assert.Equal(t, domain.ReasonDoNotTrack, got[1].Reason)

	all, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 42*time.Millisecond, all[2].Duration)
}

func TestWithSession(t *testing.T) {
	assert.Equal(t, "abc", sessionOf(WithSession(context.Background(), "abc")))
	assert.Equal(t, "", sessionOf(context.Background()))
}
