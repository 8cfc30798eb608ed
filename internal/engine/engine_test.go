package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"hardaltrack/internal/host"
	"hardaltrack/internal/host/hosttest"
	"hardaltrack/pkg/domain"
)

type collector struct {
	mu      sync.Mutex
	names   []string
	bodies  []gjson.Result
	respond string
	gate    chan struct{}
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	doc := gjson.ParseBytes(body)
	c.mu.Lock()
	c.names = append(c.names, doc.Get("event_name").String())
	c.bodies = append(c.bodies, doc)
	respond := c.respond
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if respond == "" {
		respond = `{"ok":true}`
	}
	_, _ = w.Write([]byte(respond))
}

func (c *collector) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func (c *collector) body(i int) gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[i]
}

type memRecorder struct {
	mu      sync.Mutex
	reports []domain.DeliveryReport
}

func (m *memRecorder) Record(ctx context.Context, r domain.DeliveryReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *memRecorder) all() []domain.DeliveryReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeliveryReport(nil), m.reports...)
}

type fixture struct {
	eng  *Engine
	host *hosttest.Fake
	col  *collector
	rec  *memRecorder
}

func newFixture(t *testing.T, mutate func(*domain.Config), opts ...Option) *fixture {
	t.Helper()
	col := &collector{}
	srv := httptest.NewServer(col)
	t.Cleanup(srv.Close)

	cfg := domain.DefaultConfig()
	cfg.Website = "site-1"
	cfg.HostURL = srv.URL
	if mutate != nil {
		mutate(&cfg)
	}
	h := hosttest.New()
	rec := &memRecorder{}
	opts = append([]Option{
		WithHTTPClient(srv.Client()),
		WithRecorder(rec),
		WithNavigationDelay(20 * time.Millisecond),
	}, opts...)
	eng, err := New(cfg, h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Destroy() })
	return &fixture{eng: eng, host: h, col: col, rec: rec}
}

func wait(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func result(t *testing.T, out *Outcome) (domain.SendResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return out.Wait(ctx)
}

func TestNew_RequiresWebsiteAndEndpoint(t *testing.T) {
	h := hosttest.New()

	_, err := New(domain.Config{HostURL: "https://collect.example.com"}, h)
	assert.ErrorIs(t, err, ErrMissingWebsite)

	_, err = New(domain.Config{Website: "site-1"}, h)
	assert.ErrorIs(t, err, ErrMissingEndpoint)

	_, err = New(domain.Config{Website: "site-1", Endpoint: "https://collect.example.com"}, h)
	assert.NoError(t, err)
}

func TestInit_SendsInitialPageviewOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.eng.Init(ctx))
	require.NoError(t, f.eng.Init(ctx))
	wait(t, f.eng)

	assert.Equal(t, []string{domain.EventPageview}, f.col.events())
	nav, _, _ := f.host.Observers()
	assert.Equal(t, 1, nav)
	assert.True(t, f.eng.Session().Initialized())
}

func TestInit_NoPageviewWithoutAutoTrack(t *testing.T) {
	f := newFixture(t, func(c *domain.Config) { c.AutoTrack = false })
	require.NoError(t, f.eng.Init(context.Background()))
	wait(t, f.eng)
	assert.Empty(t, f.col.events())
}

func TestDestroyThenInit_NoDuplicateObservers(t *testing.T) {
	f := newFixture(t, func(c *domain.Config) {
		c.AutoTrack = false
		c.FetchFromGA4 = true
	})
	ctx := context.Background()

	require.NoError(t, f.eng.Init(ctx))
	require.NoError(t, f.eng.Destroy())
	require.NoError(t, f.eng.Destroy())
	nav, res, unload := f.host.Observers()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{nav, res, unload})

	require.NoError(t, f.eng.Init(ctx))
	nav, res, unload = f.host.Observers()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{nav, res, unload})

	f.host.Push("https://example.com/next")
	assert.Eventually(t, func() bool { return len(f.col.events()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{domain.EventPageview}, f.col.events())
}

func TestTrack_PreservesOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		f.eng.Track(ctx, name, map[string]any{"n": name})
	}
	wait(t, f.eng)

	assert.Equal(t, []string{"a", "b", "c"}, f.col.events())
	doc := f.col.body(1)
	assert.Equal(t, "event", doc.Get("type").String())
	assert.Equal(t, "site-1", doc.Get("payload.website").String())
	assert.Equal(t, "b", doc.Get("payload.properties.n").String())
	assert.Equal(t, "https://example.com/", doc.Get("payload.properties.page.url").String())
}

func TestTrack_DataIsCapturedAtCallTime(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	gate := make(chan struct{})
	f.col.mu.Lock()
	f.col.gate = gate
	f.col.mu.Unlock()

	first := f.eng.Track(ctx, "hold", nil)
	data := map[string]any{"plan": "pro"}
	out := f.eng.Track(ctx, "signup", data)
	data["plan"] = "MUTATED"
	data["extra"] = true
	close(gate)

	_, err := result(t, first)
	require.NoError(t, err)
	_, err = result(t, out)
	require.NoError(t, err)

	require.Equal(t, []string{"hold", "signup"}, f.col.events())
	props := f.col.body(1).Get("payload.properties")
	assert.Equal(t, "pro", props.Get("plan").String())
	assert.False(t, props.Get("extra").Exists())
}

func TestTrack_Suppression(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Config)
		page   func(*host.PageState)
		reason string
	}{
		{"config disabled", func(c *domain.Config) { c.Disabled = true }, nil, domain.ReasonDisabled},
		{"invalid scheme", func(c *domain.Config) { c.HostURL = "ftp://collect.example.com" }, nil, domain.ReasonInvalidEndpoint},
		{"do not track", func(c *domain.Config) { c.DoNotTrack = true }, func(s *host.PageState) { s.DoNotTrack = true }, domain.ReasonDoNotTrack},
		{"domain not allowed", func(c *domain.Config) { c.Domains = []string{"shop.example.com"} }, nil, domain.ReasonDomainNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate)
			if tc.page != nil {
				f.host.Update(tc.page)
			}
			res, err := result(t, f.eng.Track(context.Background(), "signup", nil))
			require.NoError(t, err)
			assert.True(t, res.Skipped)
			assert.Equal(t, tc.reason, res.Reason)
			wait(t, f.eng)
			assert.Empty(t, f.col.events())

			reports := f.rec.all()
			require.Len(t, reports, 1)
			assert.Equal(t, domain.DeliverySkipped, reports[0].Status)
			assert.Equal(t, tc.reason, reports[0].Reason)
		})
	}
}

func TestTrack_DoNotTrackIgnoredWhenNotHonored(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Update(func(s *host.PageState) { s.DoNotTrack = true })
	res, err := result(t, f.eng.Track(context.Background(), "signup", nil))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestTrack_AllowedDomain(t *testing.T) {
	f := newFixture(t, func(c *domain.Config) { c.Domains = []string{"Example.com"} })
	res, err := result(t, f.eng.Track(context.Background(), "signup", nil))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestTrack_ServerDisableIsSticky(t *testing.T) {
	f := newFixture(t, nil)
	f.col.mu.Lock()
	f.col.respond = `{"disabled":true,"cache":"tok"}`
	f.col.mu.Unlock()
	ctx := context.Background()

	first, err := result(t, f.eng.Track(ctx, "first", nil))
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.True(t, first.Response.Disabled)

	second, err := result(t, f.eng.Track(ctx, "second", nil))
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, domain.ReasonDisabled, second.Reason)
	assert.Equal(t, []string{"first"}, f.col.events())
	assert.Equal(t, "tok", f.eng.Session().Cache())
}

func TestTrack_StateFailureRejects(t *testing.T) {
	f := newFixture(t, nil)
	f.host.FailState(errors.New("target closed"))
	_, err := result(t, f.eng.Track(context.Background(), "signup", nil))
	assert.ErrorContains(t, err, "target closed")
}

func TestTrack_HTTPErrorIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	cfg := domain.DefaultConfig()
	cfg.Website = "site-1"
	cfg.HostURL = srv.URL
	eng, err := New(cfg, hosttest.New(), WithHTTPClient(srv.Client()), WithRecorder(rec))
	require.NoError(t, err)

	res, err := result(t, eng.Track(context.Background(), "signup", nil))
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)

	reports := rec.all()
	require.Len(t, reports, 1)
	assert.Equal(t, domain.DeliveryFailed, reports[0].Status)
	assert.Equal(t, http.StatusServiceUnavailable, reports[0].HTTPStatus)
}

func TestTrack_AfterDestroy(t *testing.T) {
	f := newFixture(t, func(c *domain.Config) { c.AutoTrack = false })
	require.NoError(t, f.eng.Init(context.Background()))
	require.NoError(t, f.eng.Destroy())

	res, err := result(t, f.eng.Track(context.Background(), "late", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDestroyed, res.Reason)
}

func TestDistinct_SendsIdentify(t *testing.T) {
	f := newFixture(t, nil)
	res, err := result(t, f.eng.Distinct(context.Background(), map[string]any{"email_hash": "x"}))
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	doc := f.col.body(0)
	assert.Equal(t, "identify", doc.Get("type").String())
	assert.Equal(t, "identify", doc.Get("event_name").String())
	assert.Equal(t, "x", doc.Get("payload.data.email_hash").String())
	assert.Contains(t, doc.Get("payload.distinct_id").String(), "hr_ses_")
}

func TestConfigure(t *testing.T) {
	f := newFixture(t, func(c *domain.Config) { c.AutoTrack = false })
	ctx := context.Background()
	require.NoError(t, f.eng.Init(ctx))

	empty := ""
	err := f.eng.Configure(ctx, domain.ConfigPatch{Website: &empty})
	assert.ErrorIs(t, err, ErrMissingWebsite)
	assert.Equal(t, "site-1", f.eng.Config().Website)

	on := true
	require.NoError(t, f.eng.Configure(ctx, domain.ConfigPatch{FetchFromGA4: &on}))
	_, res, _ := f.host.Observers()
	assert.Equal(t, 1, res)

	off := false
	require.NoError(t, f.eng.Configure(ctx, domain.ConfigPatch{FetchFromGA4: &off}))
	_, res, _ = f.host.Observers()
	assert.Equal(t, 0, res)
}

const ga4Hit = "https://region1.google-analytics.com/g/collect?v=2&en=purchase&cid=111.222&sid=9"

func TestNetworkCapture_BatchesVendorHits(t *testing.T) {
	f := newFixture(t, func(c *domain.Config) {
		c.AutoTrack = false
		c.FetchFromGA4 = true
	}, WithBatchSize(2), WithFlushInterval(time.Hour))
	require.NoError(t, f.eng.Init(context.Background()))

	f.host.Request(ga4Hit)
	f.host.Request("https://cdn.example.com/app.js")
	f.host.Request(ga4Hit)
	wait(t, f.eng)

	require.Equal(t, []string{domain.EventNetworkBatch}, f.col.events())
	doc := f.col.body(0)
	assert.EqualValues(t, 2, doc.Get("payload.properties.batch_size").Int())
	assert.Equal(t, "ga4", doc.Get("payload.properties.events.0.source").String())
	assert.Equal(t, "purchase", doc.Get("payload.properties.events.1.event_name").String())
}

func TestNetworkCapture_DestroyFlushesRemainder(t *testing.T) {
	f := newFixture(t, func(c *domain.Config) {
		c.AutoTrack = false
		c.FetchFromGA4 = true
	}, WithFlushInterval(time.Hour))
	require.NoError(t, f.eng.Init(context.Background()))

	f.host.Request(ga4Hit)
	require.NoError(t, f.eng.Destroy())
	wait(t, f.eng)

	require.Equal(t, []string{domain.EventNetworkBatch}, f.col.events())
	assert.EqualValues(t, 1, f.col.body(0).Get("payload.properties.batch_size").Int())
}

func TestNetworkCapture_StateFailureKeepsBatch(t *testing.T) {
	f := newFixture(t, func(c *domain.Config) {
		c.AutoTrack = false
		c.FetchFromGA4 = true
	}, WithBatchSize(2), WithFlushInterval(time.Hour))
	require.NoError(t, f.eng.Init(context.Background()))

	f.host.FailState(errors.New("page gone"))
	f.host.Request(ga4Hit)
	f.host.Request(ga4Hit)
	assert.Equal(t, 2, f.eng.tap.Len())

	f.host.FailState(nil)
	f.host.Request(ga4Hit)
	wait(t, f.eng)

	require.Equal(t, []string{domain.EventNetworkBatch}, f.col.events())
	assert.EqualValues(t, 3, f.col.body(0).Get("payload.properties.batch_size").Int())
	assert.Equal(t, 0, f.eng.tap.Len())
}
