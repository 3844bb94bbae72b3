package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/clock"
	"github.com/matt-riley/signcast/internal/media"
	"github.com/matt-riley/signcast/internal/repository"
)

type fakeSource struct {
	mu sync.Mutex

	content      string
	contentErr   error
	contentCalls []string

	signStores map[string]string
	// signSlow holds each sign lookup until the next one starts.
	signSlow  bool
	signNext  chan struct{}
	signCalls int

	rec      client.Recommendations
	recErr   error
	recGate  chan struct{}
	recCalls []client.RecommendationQuery
}

func (f *fakeSource) CurrentContent(_ context.Context, storeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentCalls = append(f.contentCalls, storeID)
	return f.content, f.contentErr
}

func (f *fakeSource) Recommendations(_ context.Context, q client.RecommendationQuery) (client.Recommendations, error) {
	f.mu.Lock()
	f.recCalls = append(f.recCalls, q)
	gate := f.recGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec, f.recErr
}

func (f *fakeSource) SignStore(ctx context.Context, signID string) (string, error) {
	f.mu.Lock()
	f.signCalls++
	if f.signSlow {
		if f.signNext != nil {
			close(f.signNext)
		}
		next := make(chan struct{})
		f.signNext = next
		f.mu.Unlock()
		select {
		case <-next:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		f.mu.Lock()
	}
	defer f.mu.Unlock()
	storeID, ok := f.signStores[signID]
	if !ok {
		return "", &client.APIError{StatusCode: 404, Message: "sign not bound"}
	}
	return storeID, nil
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSource) calls() ([]string, []client.RecommendationQuery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.contentCalls...), append([]client.RecommendationQuery(nil), f.recCalls...)
}

// fakeImages resolves content ids to cdn URLs. A gate blocks resolution of
// one content id until it is closed.
type fakeImages struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	calls []string
}

func (f *fakeImages) ContentImage(_ context.Context, _, contentID string) string {
	f.mu.Lock()
	f.calls = append(f.calls, contentID)
	gate := f.gates[contentID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return "https://cdn/" + contentID + ".jpg"
}

func (f *fakeImages) Slides(rec client.Recommendations) []string {
	return media.NewResolver(nil).Slides(rec)
}

type fakeRecorder struct {
	mu       sync.Mutex
	modes    []string
	swaps    map[string]int
	advances int
	stale    map[string]int
	writes   int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{swaps: map[string]int{}, stale: map[string]int{}}
}

func (r *fakeRecorder) SetPlayerMode(mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes = append(r.modes, mode)
}

func (r *fakeRecorder) IncImageSwaps(mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swaps[mode]++
}

func (r *fakeRecorder) IncSlideAdvances() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advances++
}

func (r *fakeRecorder) IncStaleResults(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale[source]++
}

func (r *fakeRecorder) RecordPlayWrite(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
}

func (r *fakeRecorder) staleCount(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale[source]
}

func (r *fakeRecorder) advanceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advances
}

type fakePlays struct {
	mu    sync.Mutex
	plays []repository.Play
}

func (f *fakePlays) RecordPlay(_ context.Context, play repository.Play) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, play)
	return nil
}

func (f *fakePlays) snapshot() []repository.Play {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.Play(nil), f.plays...)
}

type fakeLocator struct {
	loc Location
	err error
}

func (f fakeLocator) Locate(context.Context) (Location, error) {
	return f.loc, f.err
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitView(t *testing.T, p *Player, desc string, cond func(View) bool) View {
	t.Helper()
	var last View
	waitFor(t, desc, func() bool {
		last = p.View()
		return cond(last)
	})
	return last
}

// settle gives the loop time to drain events that must not change the view.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

func start(t *testing.T, p *Player) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testConfig() Config {
	return Config{
		StorePollInterval:   2 * time.Second,
		CityRefreshInterval: 5 * time.Minute,
		SlideInterval:       8 * time.Second,
		FadeSettle:          500 * time.Millisecond,
		FadeInDelay:         100 * time.Millisecond,
	}
}

func venues(photos ...string) client.Recommendations {
	return client.Recommendations{
		City:          "Adelaide",
		TargetID:      "coffee_ad",
		CategoryLabel: "Coffee",
		Message:       "Warm up / 来杯咖啡",
		Stores:        []client.Venue{{Name: "Cafe", Photos: photos}},
	}
}

func TestQueryMode(t *testing.T) {
	tests := []struct {
		q    Query
		want string
	}{
		{Query{StoreID: "store_001"}, ModeStore},
		{Query{SignID: "sign_1", City: "Adelaide"}, ModeStore},
		{Query{City: "Adelaide"}, ModeCity},
		{Query{StoreID: "  "}.normalized(), ModeCity},
	}
	for _, tt := range tests {
		if got := tt.q.Mode(); got != tt.want {
			t.Errorf("%+v.Mode() = %q, want %q", tt.q, got, tt.want)
		}
	}
}

func TestStoreSwapWaitsForFadeSettle(t *testing.T) {
	src := &fakeSource{content: "coffee_ad"}
	fake := clock.NewFake(time.Unix(0, 0))
	plays := &fakePlays{}
	p := New(src, &fakeImages{}, testConfig(), Query{StoreID: "store_001"}, WithClock(fake), WithPlayLog(plays))

	if v := p.View(); v.Mode != ModeInitializing || p.Ready() {
		t.Fatalf("initial view = %+v", v)
	}
	start(t, p)

	v := waitView(t, p, "fade out", func(v View) bool { return v.Phase == PhaseFadingOut })
	if v.Visible || v.ImageURL != media.PlaceholderURL || v.PendingContentID != "coffee_ad" {
		t.Fatalf("fading out view = %+v", v)
	}

	fake.Advance(499 * time.Millisecond)
	settle()
	if v := p.View(); v.ImageURL != media.PlaceholderURL || v.Phase != PhaseFadingOut {
		t.Fatalf("image swapped before settle elapsed: %+v", v)
	}

	fake.Advance(time.Millisecond)
	v = waitView(t, p, "swap", func(v View) bool { return v.Phase == PhaseSwapped })
	if v.ImageURL != "https://cdn/coffee_ad.jpg" || v.ContentID != "coffee_ad" || v.Visible {
		t.Fatalf("swapped view = %+v", v)
	}

	fake.Advance(99 * time.Millisecond)
	settle()
	if v := p.View(); v.Visible {
		t.Fatal("faded in before the fade-in delay")
	}

	fake.Advance(time.Millisecond)
	v = waitView(t, p, "fade in", func(v View) bool { return v.Phase == PhaseFadingIn })
	if !v.Visible {
		t.Fatalf("fading in view = %+v", v)
	}

	fake.Advance(500 * time.Millisecond)
	waitView(t, p, "idle", func(v View) bool { return v.Phase == PhaseIdle })

	waitFor(t, "play recorded", func() bool { return len(plays.snapshot()) == 1 })
	got := plays.snapshot()[0]
	if got.Mode != ModeStore || got.StoreID != "store_001" || got.ContentID != "coffee_ad" {
		t.Fatalf("play = %+v", got)
	}
}

func TestStoreRetargetMidFadeDiscardsStaleResolution(t *testing.T) {
	src := &fakeSource{content: "a"}
	gate := make(chan struct{})
	images := &fakeImages{gates: map[string]chan struct{}{"a": gate}}
	rec := newFakeRecorder()
	plays := &fakePlays{}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, images, testConfig(), Query{StoreID: "store_001"}, WithClock(fake), WithRecorder(rec), WithPlayLog(plays))
	start(t, p)

	waitView(t, p, "fade out", func(v View) bool { return v.Phase == PhaseFadingOut })
	fake.Advance(500 * time.Millisecond)
	waitFor(t, "resolution of a", func() bool {
		images.mu.Lock()
		defer images.mu.Unlock()
		return len(images.calls) == 1
	})

	src.set(func(f *fakeSource) { f.content = "b" })
	p.Refresh()
	waitView(t, p, "retarget", func(v View) bool { return v.PendingContentID == "b" })

	close(gate)
	v := waitView(t, p, "swap to b", func(v View) bool { return v.Phase == PhaseSwapped })
	if v.ContentID != "b" || v.ImageURL != "https://cdn/b.jpg" {
		t.Fatalf("swapped view = %+v", v)
	}
	if rec.staleCount(sourceImage) != 1 {
		t.Fatalf("stale image results = %d, want 1", rec.staleCount(sourceImage))
	}

	waitFor(t, "play recorded", func() bool { return len(plays.snapshot()) == 1 })
	if got := plays.snapshot()[0].ContentID; got != "b" {
		t.Fatalf("recorded play for %q, want b", got)
	}
}

func TestStoreNewContentDuringFadeInRestartsCycle(t *testing.T) {
	src := &fakeSource{content: "a"}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{StoreID: "store_001"}, WithClock(fake))
	start(t, p)

	waitView(t, p, "fade out", func(v View) bool { return v.Phase == PhaseFadingOut })
	fake.Advance(500 * time.Millisecond)
	waitView(t, p, "swap", func(v View) bool { return v.Phase == PhaseSwapped })
	fake.Advance(100 * time.Millisecond)
	waitView(t, p, "fade in", func(v View) bool { return v.Phase == PhaseFadingIn })

	src.set(func(f *fakeSource) { f.content = "b" })
	p.Refresh()
	v := waitView(t, p, "second fade out", func(v View) bool { return v.Phase == PhaseFadingOut })
	if v.Visible || v.ContentID != "a" {
		t.Fatalf("restart view = %+v", v)
	}

	// The abandoned fade-in completion must not fire.
	fake.Advance(500 * time.Millisecond)
	v = waitView(t, p, "swap to b", func(v View) bool { return v.Phase == PhaseSwapped })
	if v.ContentID != "b" {
		t.Fatalf("swapped to %q, want b", v.ContentID)
	}
}

func TestStoreMediaFailureShowsPlaceholder(t *testing.T) {
	src := &fakeSource{content: "sushi_ad"}
	resolver := media.NewResolver(failingLookup{})
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, resolver, testConfig(), Query{StoreID: "store_001"}, WithClock(fake))
	start(t, p)

	waitView(t, p, "fade out", func(v View) bool { return v.Phase == PhaseFadingOut })
	fake.Advance(500 * time.Millisecond)
	v := waitView(t, p, "swap", func(v View) bool { return v.Phase == PhaseSwapped })
	if v.ImageURL != media.PlaceholderURL || v.ContentID != "sushi_ad" {
		t.Fatalf("view = %+v, want placeholder for sushi_ad", v)
	}
}

type failingLookup struct{}

func (failingLookup) MediaURL(context.Context, string, string) (string, error) {
	return "", errors.New("media service unavailable")
}

func TestStoreDefaultContentDoesNotFade(t *testing.T) {
	src := &fakeSource{content: ""}
	p := New(src, &fakeImages{}, testConfig(), Query{StoreID: "store_001"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	v := waitView(t, p, "loaded", func(v View) bool { return v.Mode == ModeStore && !v.Loading })
	if v.Phase != PhaseIdle || !v.Visible || v.ContentID != DefaultContentID || v.ImageURL != media.PlaceholderURL {
		t.Fatalf("view = %+v", v)
	}
}

func TestStorePollFailureKeepsLastGood(t *testing.T) {
	src := &fakeSource{content: "a"}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{StoreID: "store_001"}, WithClock(fake))
	start(t, p)

	waitView(t, p, "fade out", func(v View) bool { return v.Phase == PhaseFadingOut })
	fake.Advance(500 * time.Millisecond)
	waitView(t, p, "swap", func(v View) bool { return v.Phase == PhaseSwapped })
	fake.Advance(100 * time.Millisecond)
	waitView(t, p, "fade in", func(v View) bool { return v.Phase == PhaseFadingIn })
	fake.Advance(500 * time.Millisecond)
	waitView(t, p, "idle on a", func(v View) bool { return v.Phase == PhaseIdle && v.ContentID == "a" })

	src.set(func(f *fakeSource) { f.contentErr = errors.New("upstream 503") })
	fake.Advance(900 * time.Millisecond)
	v := waitView(t, p, "inline error", func(v View) bool { return v.Error != "" })
	if v.ImageURL != "https://cdn/a.jpg" || !v.Visible {
		t.Fatalf("last good image lost: %+v", v)
	}

	src.set(func(f *fakeSource) { f.contentErr = nil })
	p.Refresh()
	waitView(t, p, "error cleared", func(v View) bool { return v.Error == "" })
}

func TestStorePollsOnInterval(t *testing.T) {
	src := &fakeSource{content: ""}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{StoreID: "store_001"}, WithClock(fake))
	start(t, p)

	waitFor(t, "first poll", func() bool { calls, _ := src.calls(); return len(calls) == 1 })
	for i := 2; i <= 4; i++ {
		waitFor(t, "poll timer armed", func() bool { return fake.Pending() == 1 })
		fake.Advance(2 * time.Second)
		want := i
		waitFor(t, fmt.Sprintf("poll %d", want), func() bool { calls, _ := src.calls(); return len(calls) == want })
	}
}

func TestSignResolvesStore(t *testing.T) {
	src := &fakeSource{content: "", signStores: map[string]string{"sign_9": "store_007"}}
	p := New(src, &fakeImages{}, testConfig(), Query{SignID: "sign_9"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	v := waitView(t, p, "resolved store", func(v View) bool { return v.StoreID == "store_007" && !v.Loading })
	if v.Mode != ModeStore {
		t.Fatalf("mode = %q", v.Mode)
	}
	calls, _ := src.calls()
	if len(calls) != 1 || calls[0] != "store_007" {
		t.Fatalf("content calls = %v", calls)
	}
}

func TestSignResolvesWhenLookupOutlivesPollInterval(t *testing.T) {
	src := &fakeSource{signSlow: true, signStores: map[string]string{"sign_9": "store_007"}}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{SignID: "sign_9"}, WithClock(fake))
	start(t, p)

	signCalls := func() int {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.signCalls
	}
	waitFor(t, "first sign lookup", func() bool { return signCalls() == 1 })
	waitFor(t, "poll timer armed", func() bool { return fake.Pending() == 1 })
	fake.Advance(2 * time.Second)

	v := waitView(t, p, "resolved store", func(v View) bool { return v.StoreID == "store_007" })
	if v.Mode != ModeStore {
		t.Fatalf("mode = %q", v.Mode)
	}
	waitFor(t, "content poll", func() bool {
		calls, _ := src.calls()
		return len(calls) >= 1 && calls[0] == "store_007"
	})
}

func TestSignWithoutStoreIsInlineError(t *testing.T) {
	src := &fakeSource{signStores: map[string]string{}}
	p := New(src, &fakeImages{}, testConfig(), Query{SignID: "sign_x"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	v := waitView(t, p, "sign error", func(v View) bool { return v.Error != "" })
	if v.ImageURL != media.PlaceholderURL || v.Loading {
		t.Fatalf("view = %+v", v)
	}
}

func TestCitySlideRotationVisitsEveryIndex(t *testing.T) {
	src := &fakeSource{rec: venues("p0", "p1", "p2")}
	rec := newFakeRecorder()
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(fake), WithRecorder(rec))
	start(t, p)

	v := waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 3 })
	if v.CurrentIndex != 0 || v.CurrentSlide != "p0" || v.CategoryLabel != "Coffee" || v.TargetID != "coffee_ad" {
		t.Fatalf("city view = %+v", v)
	}

	seen := map[int]int{v.CurrentIndex: 1}
	for i := 1; i <= 3; i++ {
		fake.Advance(8 * time.Second)
		want := i
		waitFor(t, "slide advance", func() bool { return rec.advanceCount() == want })
		seen[p.View().CurrentIndex]++
	}
	if p.View().CurrentIndex != 0 {
		t.Fatalf("index after a full cycle = %d, want 0", p.View().CurrentIndex)
	}
	for i := 0; i < 3; i++ {
		if seen[i] == 0 {
			t.Errorf("index %d never shown: %v", i, seen)
		}
	}
}

func TestCitySingleSlideHasNoRotationTimer(t *testing.T) {
	src := &fakeSource{rec: venues("only")}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(fake))
	start(t, p)

	waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 1 })
	if fake.Pending() != 1 {
		t.Fatalf("Pending() = %d, want only the refresh timer", fake.Pending())
	}
}

func TestCityFallbackSlides(t *testing.T) {
	src := &fakeSource{rec: client.Recommendations{TargetID: "sushi_ad", Stores: []client.Venue{{Name: "No photos"}}}}
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Tokyo"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	v := waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 1 })
	if v.CurrentSlide != media.CategoryImage("sushi_ad") {
		t.Fatalf("CurrentSlide = %q", v.CurrentSlide)
	}
}

func TestCityRefreshResetsIndex(t *testing.T) {
	src := &fakeSource{rec: venues("p0", "p1")}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(fake))
	start(t, p)

	waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 2 })
	fake.Advance(8 * time.Second)
	waitView(t, p, "advance", func(v View) bool { return v.CurrentIndex == 1 })

	src.set(func(f *fakeSource) { f.rec = venues("q0", "q1", "q2") })
	p.Refresh()
	v := waitView(t, p, "refreshed slides", func(v View) bool { return len(v.Slides) == 3 })
	if v.CurrentIndex != 0 || v.CurrentSlide != "q0" {
		t.Fatalf("index not reset: %+v", v)
	}
}

func TestCityRefreshInterval(t *testing.T) {
	src := &fakeSource{rec: venues("p0")}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide", TargetID: "coffee_ad"}, WithClock(fake))
	start(t, p)

	waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 1 })
	fake.Advance(5*time.Minute - time.Second)
	settle()
	if _, recs := src.calls(); len(recs) != 1 {
		t.Fatalf("refreshed early: %d calls", len(recs))
	}

	fake.Advance(time.Second)
	waitFor(t, "refresh", func() bool { _, recs := src.calls(); return len(recs) == 2 })
	_, recs := src.calls()
	if recs[1].TargetID != "coffee_ad" {
		t.Fatalf("refresh query = %+v", recs[1])
	}
}

func TestCityFailureKeepsSlides(t *testing.T) {
	src := &fakeSource{rec: venues("p0", "p1")}
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 2 })
	src.set(func(f *fakeSource) { f.recErr = errors.New("places quota exceeded") })
	p.Refresh()

	v := waitView(t, p, "inline error", func(v View) bool { return v.Error != "" })
	if len(v.Slides) != 2 || v.CurrentSlide != "p0" {
		t.Fatalf("slides lost on failure: %+v", v)
	}
}

func TestCityFailureWithoutHistoryShowsPlaceholder(t *testing.T) {
	src := &fakeSource{recErr: errors.New("connection refused")}
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	v := waitView(t, p, "inline error", func(v View) bool { return v.Error != "" })
	if v.CurrentSlide != media.PlaceholderURL || v.Loading {
		t.Fatalf("view = %+v", v)
	}
}

func TestCityGeolocationBiasesRecommendations(t *testing.T) {
	src := &fakeSource{rec: venues("p0")}
	loc := fakeLocator{loc: Location{Lat: -34.93, Lon: 138.6}}
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide", Geolocate: true},
		WithClock(clock.NewFake(time.Unix(0, 0))), WithLocator(loc))
	start(t, p)

	v := waitView(t, p, "location", func(v View) bool { return v.Location != nil && !v.Locating })
	if v.Location.Lat != -34.93 {
		t.Fatalf("location = %+v", v.Location)
	}
	waitFor(t, "located fetch", func() bool { _, recs := src.calls(); return len(recs) == 2 })

	var located, named int
	_, recs := src.calls()
	for _, q := range recs {
		if q.City != "Adelaide" || q.Limit != defaultRecommendationLimit {
			t.Fatalf("query = %+v", q)
		}
		if q.Lat != nil && *q.Lat == -34.93 && *q.Lon == 138.6 {
			located++
		} else if q.Lat == nil && q.Lon == nil {
			named++
		}
	}
	if located != 1 || named != 1 {
		t.Fatalf("queries = %+v, want one named-city and one located", recs)
	}
}

func TestCityGeolocationFailureFallsBackToCity(t *testing.T) {
	src := &fakeSource{rec: venues("p0")}
	loc := fakeLocator{err: errors.New("permission denied")}
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide", Geolocate: true},
		WithClock(clock.NewFake(time.Unix(0, 0))), WithLocator(loc))
	start(t, p)

	v := waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 1 && !v.Locating })
	if v.Error != "" || v.Location != nil {
		t.Fatalf("view = %+v", v)
	}
	settle()
	if _, recs := src.calls(); len(recs) != 1 {
		t.Fatalf("recommendation calls = %d, want 1", len(recs))
	}
}

func TestModeSwitchStopsPreviousTimers(t *testing.T) {
	src := &fakeSource{rec: venues("p0", "p1"), content: ""}
	rec := newFakeRecorder()
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(fake), WithRecorder(rec))
	start(t, p)

	waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 2 })
	if fake.Pending() != 2 {
		t.Fatalf("city mode Pending() = %d, want refresh and slide timers", fake.Pending())
	}

	p.SetQuery(Query{StoreID: "store_001", City: "Adelaide"})
	v := waitView(t, p, "store mode", func(v View) bool { return v.Mode == ModeStore && !v.Loading })
	if len(v.Slides) != 0 || v.CurrentIndex != 0 {
		t.Fatalf("city state leaked into store mode: %+v", v)
	}
	if fake.Pending() != 1 {
		t.Fatalf("store mode Pending() = %d, want only the poll timer", fake.Pending())
	}

	fake.Advance(8 * time.Second)
	settle()
	if rec.advanceCount() != 0 {
		t.Fatal("slide timer fired after the mode switch")
	}

	rec.mu.Lock()
	modes := append([]string(nil), rec.modes...)
	rec.mu.Unlock()
	if len(modes) != 2 || modes[0] != ModeCity || modes[1] != ModeStore {
		t.Fatalf("modes = %v", modes)
	}
}

func TestModeSwitchDiscardsPreviousGeneration(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeSource{rec: venues("p0", "p1"), recGate: gate, content: ""}
	rec := newFakeRecorder()
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(clock.NewFake(time.Unix(0, 0))), WithRecorder(rec))
	start(t, p)

	waitFor(t, "recommendations requested", func() bool { _, recs := src.calls(); return len(recs) == 1 })
	p.SetQuery(Query{StoreID: "store_001"})
	waitView(t, p, "store mode", func(v View) bool { return v.Mode == ModeStore })

	close(gate)
	waitFor(t, "stale recommendations", func() bool { return rec.staleCount(sourceRecommendations) == 1 })
	if v := p.View(); v.Mode != ModeStore || len(v.Slides) != 0 {
		t.Fatalf("previous generation committed: %+v", v)
	}
}

func TestSetQuerySameQueryIsNoop(t *testing.T) {
	src := &fakeSource{rec: venues("p0")}
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 1 })
	p.SetQuery(Query{City: " Adelaide "})
	settle()
	if _, recs := src.calls(); len(recs) != 1 {
		t.Fatalf("recommendation calls = %d, want 1", len(recs))
	}
}

func TestUpdateQuery(t *testing.T) {
	p := New(&fakeSource{}, &fakeImages{}, testConfig(), Query{StoreID: "store_001", City: "Adelaide"})

	_, err := p.UpdateQuery(func(Query) (Query, error) { return Query{}, errors.New("rejected") })
	if err == nil {
		t.Fatal("UpdateQuery error = nil, want rejection")
	}
	if got := p.Query(); got.StoreID != "store_001" {
		t.Fatalf("rejected update changed query: %+v", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.UpdateQuery(func(q Query) (Query, error) {
				q.TargetID += "x"
				return q, nil
			})
		}()
	}
	wg.Wait()

	if got := p.Query(); len(got.TargetID) != 50 || got.StoreID != "store_001" {
		t.Fatalf("query = %+v, want 50 merged updates", got)
	}
}

func TestTeardownStopsTimers(t *testing.T) {
	src := &fakeSource{rec: venues("p0", "p1")}
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, &fakeImages{}, testConfig(), Query{City: "Adelaide"}, WithClock(fake))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	waitView(t, p, "slides", func(v View) bool { return len(v.Slides) == 2 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve() = %v", err)
	}
	if fake.Pending() != 0 {
		t.Fatalf("Pending() after teardown = %d", fake.Pending())
	}
}
