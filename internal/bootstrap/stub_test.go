package bootstrap

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hardaltrack/internal/engine"
	"hardaltrack/internal/queue"
	"hardaltrack/pkg/domain"
)

type recorder struct {
	calls   []string
	patches []domain.ConfigPatch
	data    []map[string]any
}

func done() *engine.Outcome { return queue.Resolved(domain.SendResult{}) }

func (r *recorder) Init(ctx context.Context) error {
	r.calls = append(r.calls, "init")
	return nil
}

func (r *recorder) Track(ctx context.Context, name string, data map[string]any) *engine.Outcome {
	r.calls = append(r.calls, "track:"+name)
	r.data = append(r.data, data)
	return done()
}

func (r *recorder) TrackPageview(ctx context.Context) *engine.Outcome {
	r.calls = append(r.calls, "pageview")
	return done()
}

func (r *recorder) Distinct(ctx context.Context, data map[string]any) *engine.Outcome {
	r.calls = append(r.calls, "distinct")
	r.data = append(r.data, data)
	return done()
}

func (r *recorder) Configure(ctx context.Context, p domain.ConfigPatch) error {
	r.calls = append(r.calls, "configure")
	r.patches = append(r.patches, p)
	if p.Website != nil && *p.Website == "" {
		return fmt.Errorf("website is required")
	}
	return nil
}

func TestStub_ReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	require.NoError(t, s.Call(ctx, MethodTrack, "early", map[string]any{"a": 1}))
	require.NoError(t, s.Call(ctx, MethodConfigure, map[string]any{"excludeHash": true}))
	require.NoError(t, s.Call(ctx, MethodInit, map[string]any{"autoTrack": false}))
	require.NoError(t, s.Call(ctx, MethodTrackPageview))
	require.NoError(t, s.Call(ctx, MethodDistinct, map[string]any{"user": "u1"}))
	assert.Equal(t, 5, s.Pending())

	r := &recorder{}
	require.NoError(t, s.Attach(ctx, r))
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, []string{"track:early", "configure", "configure", "init", "pageview", "distinct"}, r.calls)

	require.Len(t, r.patches, 2)
	require.NotNil(t, r.patches[0].ExcludeHash)
	assert.True(t, *r.patches[0].ExcludeHash)
	require.NotNil(t, r.patches[1].AutoTrack)
	assert.False(t, *r.patches[1].AutoTrack)
	assert.Nil(t, r.patches[1].Website)
	assert.Equal(t, map[string]any{"user": "u1"}, r.data[1])

	require.NoError(t, s.Call(ctx, MethodTrack, "late"))
	assert.Equal(t, "track:late", r.calls[len(r.calls)-1])
	assert.Nil(t, r.data[2])
}

func TestStub_BadCommandsDoNotStopReplay(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_ = s.Call(ctx, "unknown", 1)
	_ = s.Call(ctx, MethodTrack)
	_ = s.Call(ctx, MethodTrack, 42)
	_ = s.Call(ctx, MethodConfigure, map[string]any{"website": ""})
	_ = s.Call(ctx, MethodTrack, "ok")

	r := &recorder{}
	require.NoError(t, s.Attach(ctx, r))
	assert.Equal(t, []string{"configure", "track:ok"}, r.calls)
}

func TestStub_DirectCallErrors(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	r := &recorder{}
	require.NoError(t, s.Attach(ctx, r))
	assert.Error(t, s.Attach(ctx, r))

	assert.ErrorContains(t, s.Call(ctx, MethodTrack), "event name is required")
	assert.ErrorContains(t, s.Call(ctx, MethodTrack, "x", "not-an-object"), "event data must be an object")
	assert.ErrorContains(t, s.Call(ctx, MethodConfigure), "options are required")
	assert.NoError(t, s.Call(ctx, "unknown"))
}
