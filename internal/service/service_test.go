package service_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"hardaltrack/internal/bootstrap"
	"hardaltrack/internal/engine"
	"hardaltrack/internal/host"
	"hardaltrack/internal/host/hosttest"
	"hardaltrack/internal/logger"
	"hardaltrack/internal/service"
	"hardaltrack/pkg/api"
	"hardaltrack/pkg/domain"
)

type closableHost struct {
	*hosttest.Fake
	closed atomic.Int32
}

func (c *closableHost) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *closableHost) Target() domain.TargetID { return "tab-1" }

func TestService_Lifecycle(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := &closableHost{Fake: hosttest.New()}
	var svc api.Service = service.New(nil, service.Options{
		Dial: func(ctx context.Context, cfg domain.SessionConfig, l logger.Logger) (host.Host, error) {
			return h, nil
		},
		EngineOptions: []engine.Option{engine.WithHTTPClient(srv.Client())},
	})
	ctx := context.Background()

	cfg := domain.SessionConfig{Tracker: domain.DefaultConfig()}
	cfg.Tracker.Website = "site-1"
	cfg.Tracker.HostURL = srv.URL

	id, err := svc.StartSession(ctx, cfg)
	require.NoError(t, err)
	sessions := svc.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, domain.TargetID("tab-1"), sessions[0].Target)
	assert.True(t, sessions[0].Initialized)

	out, err := svc.Track(ctx, id, "signup", map[string]any{"plan": "pro"})
	require.NoError(t, err)
	res, err := out.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)

	off := true
	require.NoError(t, svc.ConfigureAll(ctx, domain.ConfigPatch{Disabled: &off}))
	out, err = svc.TrackPageview(ctx, id)
	require.NoError(t, err)
	res, err = out.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDisabled, res.Reason)

	require.NoError(t, svc.StopSession(ctx, id))
	assert.Empty(t, svc.Sessions())
	assert.EqualValues(t, 1, h.closed.Load())
	nav, res2, unload := h.Observers()
	assert.Equal(t, 0, nav+res2+unload)

	// 初始 pageview + signup
	assert.EqualValues(t, 2, hits.Load())

	err = svc.StopSession(ctx, id)
	assert.ErrorIs(t, err, service.ErrSessionNotFound)
	_, err = svc.Track(ctx, id, "late", nil)
	assert.ErrorIs(t, err, service.ErrSessionNotFound)
}

func TestService_StartFailures(t *testing.T) {
	ctx := context.Background()
	h := &closableHost{Fake: hosttest.New()}
	svc := service.New(nil, service.Options{
		Dial: func(ctx context.Context, cfg domain.SessionConfig, l logger.Logger) (host.Host, error) {
			if cfg.Target == "missing" {
				return nil, errors.New("no page target")
			}
			return h, nil
		},
	})

	_, err := svc.StartSession(ctx, domain.SessionConfig{Target: "missing"})
	assert.ErrorContains(t, err, "attach target")

	_, err = svc.StartSession(ctx, domain.SessionConfig{Tracker: domain.Config{HostURL: "https://c.example.com"}})
	assert.ErrorIs(t, err, engine.ErrMissingWebsite)
	assert.EqualValues(t, 1, h.closed.Load())
	assert.Empty(t, svc.Sessions())
}

func TestService_ListTargets(t *testing.T) {
	svc := service.New(nil, service.Options{
		ListTargets: func(ctx context.Context, devtoolsURL string) ([]domain.TargetInfo, error) {
			return []domain.TargetInfo{{ID: "tab-1", Type: "page", URL: devtoolsURL}}, nil
		},
	})
	got, err := svc.ListTargets(context.Background(), "http://127.0.0.1:9222")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "http://127.0.0.1:9222", got[0].URL)
}

func TestService_ReplaysCommandsBeforeInit(t *testing.T) {
	var (
		mu    sync.Mutex
		pages []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		doc := gjson.ParseBytes(body)
		mu.Lock()
		pages = append(pages, doc.Get("event_name").String()+" "+doc.Get("payload.properties.page.url").String())
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := &closableHost{Fake: hosttest.New()}
	h.Update(func(s *host.PageState) { s.Href = "https://example.com/?utm=secret-campaign" })

	stub := bootstrap.New(nil)
	ctx := context.Background()
	require.NoError(t, stub.Call(ctx, "configure", map[string]any{"excludeSearch": true}))

	svc := service.New(nil, service.Options{
		Dial: func(ctx context.Context, cfg domain.SessionConfig, l logger.Logger) (host.Host, error) {
			return h, nil
		},
		EngineOptions: []engine.Option{engine.WithHTTPClient(srv.Client())},
		BeforeInit: func(ctx context.Context, eng *engine.Engine) error {
			return stub.Attach(ctx, eng)
		},
	})
	cfg := domain.SessionConfig{Tracker: domain.DefaultConfig()}
	cfg.Tracker.Website = "site-1"
	cfg.Tracker.HostURL = srv.URL

	id, err := svc.StartSession(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, stub.Pending())

	eng, err := svc.Engine(id)
	require.NoError(t, err)
	assert.True(t, eng.Config().ExcludeSearch)
	require.NoError(t, svc.StopSession(ctx, id))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"page_view https://example.com/"}, pages)
}

func TestService_BeforeInitFailureCleansUp(t *testing.T) {
	h := &closableHost{Fake: hosttest.New()}
	svc := service.New(nil, service.Options{
		Dial: func(ctx context.Context, cfg domain.SessionConfig, l logger.Logger) (host.Host, error) {
			return h, nil
		},
		BeforeInit: func(ctx context.Context, eng *engine.Engine) error {
			return errors.New("replay failed")
		},
	})
	cfg := domain.SessionConfig{Tracker: domain.DefaultConfig()}
	cfg.Tracker.Website = "site-1"
	cfg.Tracker.HostURL = "https://collect.example.com"

	_, err := svc.StartSession(context.Background(), cfg)
	assert.ErrorContains(t, err, "replay failed")
	assert.EqualValues(t, 1, h.closed.Load())
	assert.Empty(t, svc.Sessions())
	nav, res, unload := h.Observers()
	assert.Equal(t, 0, nav+res+unload)
}
