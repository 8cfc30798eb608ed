package tap

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hardaltrack/internal/host/hosttest"
	"hardaltrack/internal/identity"
	"hardaltrack/internal/redact"
	"hardaltrack/pkg/domain"
	"hardaltrack/pkg/traffic"
)

type sink struct {
	mu      sync.Mutex
	batches []map[string]any
	fail    error
}

func (s *sink) dispatch(ctx context.Context, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, data)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *sink) batch(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[i]
}

func captureAll() domain.Config {
	c := domain.DefaultConfig()
	c.FetchFromGA4 = true
	c.FetchFromFBPixel = true
	return c
}

func ga4URL(i int) string {
	return "https://region1.google-analytics.com/g/collect?v=2&en=page_view&cid=111.222&sid=" + strconv.Itoa(i) + "&dl=https%3A%2F%2Fshop.example.com%2Fa%3Femail%3Djane%40doe.com"
}

func newTap(h *hosttest.Fake, s *sink, interval time.Duration) *Tap {
	return New(captureAll, identity.New(h, nil), s.dispatch, nil, Options{FlushInterval: interval})
}

func TestTap_FlushesAtCapacity(t *testing.T) {
	h := hosttest.New()
	s := &sink{}
	tp := newTap(h, s, time.Hour)
	require.NoError(t, tp.Attach(context.Background(), h, h))
	defer tp.Detach()

	for i := 0; i < 9; i++ {
		h.Request(ga4URL(i))
	}
	assert.Equal(t, 0, s.count())
	assert.Equal(t, 9, tp.Len())

	h.Request(ga4URL(9))
	require.Equal(t, 1, s.count())
	assert.Equal(t, 0, tp.Len())

	b := s.batch(0)
	assert.Equal(t, 10, b["batch_size"])
	events := b["events"].([]Record)
	require.Len(t, events, 10)
	assert.Equal(t, "0", events[0].SessionID)
	assert.NotEmpty(t, b["batch_timestamp"])
}

func TestTap_FlushesOnTimer(t *testing.T) {
	h := hosttest.New()
	s := &sink{}
	tp := newTap(h, s, 30*time.Millisecond)
	require.NoError(t, tp.Attach(context.Background(), h, h))
	defer tp.Detach()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, s.count(), "empty buffer flush is a no-op")

	h.Request(ga4URL(1))
	h.Request(ga4URL(2))
	assert.Eventually(t, func() bool { return s.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.batch(0)["batch_size"])
	assert.Equal(t, 0, tp.Len())
}

func TestTap_FlushesOnUnload(t *testing.T) {
	h := hosttest.New()
	s := &sink{}
	tp := newTap(h, s, time.Hour)
	require.NoError(t, tp.Attach(context.Background(), h, h))
	defer tp.Detach()

	h.Request(ga4URL(1))
	h.Unload()
	assert.Equal(t, 1, s.count())
}

func TestTap_DetachRemovesObservers(t *testing.T) {
	h := hosttest.New()
	s := &sink{}
	tp := newTap(h, s, time.Hour)
	require.NoError(t, tp.Attach(context.Background(), h, h))
	require.NoError(t, tp.Attach(context.Background(), h, h))
	_, res, unload := h.Observers()
	assert.Equal(t, 1, res)
	assert.Equal(t, 1, unload)

	require.NoError(t, tp.Detach())
	require.NoError(t, tp.Detach())
	_, res, unload = h.Observers()
	assert.Equal(t, 0, res)
	assert.Equal(t, 0, unload)

	h.Request(ga4URL(1))
	assert.Equal(t, 0, tp.Len())
}

func TestTap_DispatchFailureKeepsRecords(t *testing.T) {
	h := hosttest.New()
	s := &sink{fail: errors.New("closed")}
	tp := newTap(h, s, time.Hour)

	tp.Observe(context.Background(), request(t, ga4URL(1)))
	tp.Flush(context.Background())
	assert.Equal(t, 1, tp.Len())
}

func TestTap_IgnoresUnknownAndDisabled(t *testing.T) {
	s := &sink{}
	cfg := domain.DefaultConfig()
	cfg.FetchFromFBPixel = true
	tp := New(func() domain.Config { return cfg }, nil, s.dispatch, nil, Options{})

	tp.Observe(context.Background(), request(t, "https://cdn.example.com/app.js"))
	tp.Observe(context.Background(), request(t, ga4URL(1)))
	assert.Equal(t, 0, tp.Len())

	tp.Observe(context.Background(), request(t, "https://www.facebook.com/tr/?id=123&ev=PageView&dl=https%3A%2F%2Fex.com%2F&fbp=fb.1.2.3"))
	assert.Equal(t, 1, tp.Len())
}

func request(t *testing.T, raw string) *traffic.Request {
	t.Helper()
	req := traffic.NewRequest()
	require.NoError(t, req.SetURL(raw))
	return req
}

func TestGA4Extract(t *testing.T) {
	c := GA4()
	req := request(t, ga4URL(7)+"&gcs=G111&dr=https%3A%2F%2Fgoogle.com%2F")
	require.True(t, c.Matches(req))

	now := time.Date(2024, 1, 2, 3, 4, 5, 600000000, time.UTC)
	rec := c.Extract(req, redact.New(redact.ModeCoarse, "", nil), now)
	assert.Equal(t, SourceGA4, rec.Source)
	assert.Equal(t, "page_view", rec.EventName)
	assert.Equal(t, "111.222", rec.ClientID)
	assert.Equal(t, "7", rec.SessionID)
	assert.Equal(t, "https://shop.example.com/a?(redacted)", rec.PageLocation)
	assert.Equal(t, "https://google.com/", rec.PageReferrer)
	assert.Equal(t, "G111", rec.ConsentState)
	assert.Equal(t, "2024-01-02T03:04:05.600Z", rec.Timestamp)
}

func TestGA4Match(t *testing.T) {
	c := GA4()
	assert.True(t, c.Matches(request(t, "https://www.google-analytics.com/collect?v=2&en=x")))
	assert.False(t, c.Matches(request(t, "https://www.google-analytics.com/collect?v=1")))
	assert.False(t, c.Matches(request(t, "https://example.com/api/items")))

	rec := c.Extract(request(t, "https://www.google-analytics.com/g/collect?_cid=9"), redact.New(redact.ModeCoarse, "", nil), time.Now())
	assert.Equal(t, "event", rec.EventName)
	assert.Equal(t, "9", rec.ClientID)
}

func TestPixelMatchAndExtract(t *testing.T) {
	c := Pixel()
	assert.True(t, c.Matches(request(t, "https://www.facebook.com/tr?id=1")))
	assert.True(t, c.Matches(request(t, "https://connect.facebook.net/en_US/fbevents.js")))
	assert.True(t, c.Matches(request(t, "https://graph.facebook.com/v18.0/x")))
	assert.True(t, c.Matches(request(t, "https://shop.example.com/landing?fbclid=abc")))
	assert.False(t, c.Matches(request(t, "https://www.facebook.com/translate")))
	assert.False(t, c.Matches(request(t, "https://example.com/")))

	req := request(t, "https://www.facebook.com/tr/?fb_pixel_id=42&ev=Purchase&rl=https%3A%2F%2Fex.com%2F&fbp=fb.1&ts=1700000000000")
	rec := c.Extract(req, redact.New(redact.ModeCoarse, "", nil), time.Now())
	assert.Equal(t, SourceFacebook, rec.Source)
	assert.Equal(t, "Purchase", rec.EventName)
	assert.Equal(t, "42", rec.PixelID)
	assert.Equal(t, "https://ex.com/", rec.Referrer)
	assert.Equal(t, "fb.1", rec.FBP)
	assert.Equal(t, "1700000000000", rec.Timestamp)
}

func TestObserve_RedactsRecordURLs(t *testing.T) {
	h := hosttest.New()
	s := &sink{}
	tp := newTap(h, s, time.Hour)

	tp.Observe(context.Background(), request(t, ga4URL(1)))
	tp.Flush(context.Background())
	require.Equal(t, 1, s.count())
	rec := s.batch(0)["events"].([]Record)[0]
	assert.Contains(t, rec.OriginalURL, "?(redacted)")
	assert.Equal(t, "(redacted)", rec.QueryParams["dl"])
	assert.Regexp(t, `^hr_tmp_[0-9a-f]{32}$`, rec.ServerDistinctID)
}
