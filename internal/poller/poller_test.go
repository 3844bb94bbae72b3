package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/clock"
	"github.com/matt-riley/signcast/internal/core"
)

type fakeSource struct {
	mu         sync.Mutex
	rules      map[string]client.RuleSet
	rulesErr   error
	gates      map[string]chan struct{}
	weather    core.Context
	weatherErr error
	content    string
	contentErr error

	ruleCalls    []string
	weatherCalls int
	contentCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rules: make(map[string]client.RuleSet),
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeSource) ListRules(_ context.Context, _ string, city string) (client.RuleSet, error) {
	f.mu.Lock()
	f.ruleCalls = append(f.ruleCalls, city)
	gate := f.gates[city]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rulesErr != nil {
		return client.RuleSet{}, f.rulesErr
	}
	return f.rules[city], nil
}

func (f *fakeSource) Weather(context.Context) (core.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weatherCalls++
	return f.weather, f.weatherErr
}

func (f *fakeSource) CurrentContent(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentCalls++
	return f.content, f.contentErr
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeRecorder struct {
	mu     sync.Mutex
	polls  map[string]int
	errors map[string]int
	stale  map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{polls: map[string]int{}, errors: map[string]int{}, stale: map[string]int{}}
}

func (r *fakeRecorder) RecordPoll(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[source]++
	if err != nil {
		r.errors[source]++
	}
}

func (r *fakeRecorder) IncStaleResults(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale[source]++
}

func (r *fakeRecorder) staleCount(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale[source]
}

func rule(name, target string, priority int, active bool, message string) core.Rule {
	return core.Rule{
		Name:           name,
		Priority:       priority,
		Conditions:     []core.Condition{{Type: core.ConditionRegion, Operator: core.OperatorEquals, Value: core.RegionWestern}},
		Action:         core.Action{Type: core.ActionSwitchPlaylist, TargetID: target, Message: message},
		MatchesCurrent: active,
	}
}

func western() *core.Context {
	return &core.Context{Weather: "sunny", Region: core.RegionWestern}
}

func waitFor(t *testing.T, p *Poller, desc string, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v := p.View()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last view: %+v", desc, v)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func start(t *testing.T, p *Poller) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestPollerInitialLoad(t *testing.T) {
	src := newFakeSource()
	src.rules["Adelaide"] = client.RuleSet{
		Rules: []core.Rule{
			rule("coffee high", "coffee_ad", 8, true, "Flat white / 澳白"),
			rule("tea", "tea_ad", 3, true, ""),
			rule("coffee low", "coffee_ad", 5, true, ""),
			rule("pizza", "pizza_ad", 9, false, "Pizza"),
		},
		Context: western(),
	}
	src.weather = core.Context{Weather: "sunny"}
	src.content = "coffee_ad"

	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, Config{StoreID: "store_001", City: "Adelaide"}, WithClock(fake))
	if v := p.View(); !v.Loading || v.City != "Adelaide" {
		t.Fatalf("initial view = %+v", v)
	}
	start(t, p)

	v := waitFor(t, p, "loaded view", func(v View) bool {
		return !v.Loading && v.Weather != nil && v.CurrentContent != ""
	})
	if len(v.Top) != 2 || v.Top[0].TargetID != "coffee_ad" || v.Top[0].Name != "coffee high" || v.Top[1].TargetID != "tea_ad" {
		t.Fatalf("Top = %+v", v.Top)
	}
	if !v.HasHero || v.Hero != "澳白" {
		t.Errorf("hero = %q/%v, want 澳白", v.Hero, v.HasHero)
	}
	if v.RulesTotal != 4 || v.ActiveTotal != 3 || v.NoMatch {
		t.Errorf("totals = %d/%d no_match=%v", v.RulesTotal, v.ActiveTotal, v.NoMatch)
	}
	if v.CurrentLabel == "" {
		t.Error("expected current label")
	}
}

func TestPollerNoMatch(t *testing.T) {
	src := newFakeSource()
	src.rules["Adelaide"] = client.RuleSet{
		Rules:   []core.Rule{rule("pizza", "pizza_ad", 9, false, "Pizza")},
		Context: western(),
	}

	p := New(src, Config{City: "Adelaide"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	v := waitFor(t, p, "no match", func(v View) bool { return v.NoMatch })
	if v.HasHero || len(v.Top) != 0 || v.Loading {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestPollerWeatherTick(t *testing.T) {
	src := newFakeSource()
	src.weather = core.Context{Weather: "sunny"}
	src.content = "coffee_ad"
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, Config{StoreID: "store_001", City: "Adelaide", WeatherInterval: 30 * time.Second}, WithClock(fake))
	start(t, p)

	waitFor(t, p, "first weather", func(v View) bool { return v.Weather != nil && v.Weather.Weather == "sunny" })

	src.set(func(f *fakeSource) {
		f.weather = core.Context{Weather: "rain"}
		f.content = "asian_soup_ad"
	})

	fake.Advance(29 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if v := p.View(); v.Weather.Weather != "sunny" {
		t.Fatalf("weather refreshed before interval: %+v", v.Weather)
	}

	fake.Advance(time.Second)
	waitFor(t, p, "ticked weather", func(v View) bool {
		return v.Weather != nil && v.Weather.Weather == "rain" && v.CurrentContent == "asian_soup_ad"
	})
	waitFor(t, p, "re-armed tick", func(View) bool { return fake.Pending() == 1 })
}

func TestPollerFailureKeepsLastGood(t *testing.T) {
	src := newFakeSource()
	src.weather = core.Context{Weather: "sunny"}
	fake := clock.NewFake(time.Unix(0, 0))
	rec := newFakeRecorder()
	p := New(src, Config{City: "Adelaide", WeatherInterval: time.Second}, WithClock(fake), WithRecorder(rec))
	start(t, p)

	waitFor(t, p, "first weather", func(v View) bool { return v.Weather != nil })

	src.set(func(f *fakeSource) { f.weatherErr = errors.New("upstream 502") })
	fake.Advance(time.Second)

	v := waitFor(t, p, "inline error", func(v View) bool { return v.Error != "" })
	if v.Weather == nil || v.Weather.Weather != "sunny" {
		t.Fatalf("last good weather lost: %+v", v.Weather)
	}

	src.set(func(f *fakeSource) {
		f.weatherErr = nil
		f.weather = core.Context{Weather: "cloudy"}
	})
	waitFor(t, p, "re-armed tick", func(View) bool { return fake.Pending() == 1 })
	fake.Advance(time.Second)
	waitFor(t, p, "recovered", func(v View) bool {
		return v.Error == "" && v.Weather != nil && v.Weather.Weather == "cloudy"
	})
}

func TestPollerSetCityDiscardsStaleRules(t *testing.T) {
	src := newFakeSource()
	gate := make(chan struct{})
	src.gates["Adelaide"] = gate
	src.rules["Adelaide"] = client.RuleSet{
		Rules:   []core.Rule{rule("coffee", "coffee_ad", 5, true, "")},
		Context: western(),
	}
	src.rules["Shanghai"] = client.RuleSet{
		Rules: []core.Rule{{
			Name:           "crayfish",
			Priority:       5,
			Conditions:     []core.Condition{{Type: core.ConditionChinaRegion, Operator: core.OperatorEquals, Value: core.SubregionEastChina}},
			Action:         core.Action{TargetID: "crayfish_ad"},
			MatchesCurrent: true,
		}},
		Context: &core.Context{Region: core.RegionEastAsia, ChinaSubregion: core.SubregionEastChina},
	}

	rec := newFakeRecorder()
	p := New(src, Config{City: "Adelaide"}, WithClock(clock.NewFake(time.Unix(0, 0))), WithRecorder(rec))
	start(t, p)

	waitFor(t, p, "adelaide fetch in flight", func(View) bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.ruleCalls) == 1 && src.ruleCalls[0] == "Adelaide"
	})
	p.SetCity("Shanghai")
	waitFor(t, p, "shanghai rules", func(v View) bool {
		return v.City == "Shanghai" && len(v.Top) == 1 && v.Top[0].TargetID == "crayfish_ad"
	})

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for rec.staleCount(SourceRules) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stale Adelaide result was not discarded")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if v := p.View(); v.City != "Shanghai" || v.Top[0].TargetID != "crayfish_ad" {
		t.Fatalf("stale result committed: %+v", v)
	}
}

func TestPollerRulesErrorIsInline(t *testing.T) {
	src := newFakeSource()
	src.rulesErr = errors.New("connection refused")
	p := New(src, Config{City: "Adelaide"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)

	v := waitFor(t, p, "rules error", func(v View) bool { return v.Error != "" })
	if v.Loading || v.NoMatch {
		t.Fatalf("error view should be neither loading nor no_match: %+v", v)
	}
}

func TestPollerRefresh(t *testing.T) {
	src := newFakeSource()
	src.rules["Adelaide"] = client.RuleSet{Rules: []core.Rule{rule("tea", "tea_ad", 1, true, "")}, Context: western()}
	p := New(src, Config{City: "Adelaide"}, WithClock(clock.NewFake(time.Unix(0, 0))))
	start(t, p)
	waitFor(t, p, "first load", func(v View) bool { return len(v.Top) == 1 })

	src.set(func(f *fakeSource) {
		f.rules["Adelaide"] = client.RuleSet{Rules: []core.Rule{rule("bbq", "bbq_ad", 1, true, "")}, Context: western()}
	})
	p.Refresh()
	waitFor(t, p, "refreshed rules", func(v View) bool { return len(v.Top) == 1 && v.Top[0].TargetID == "bbq_ad" })
}

func TestPollerTeardownStopsTimers(t *testing.T) {
	src := newFakeSource()
	fake := clock.NewFake(time.Unix(0, 0))
	p := New(src, Config{City: "Adelaide"}, WithClock(fake))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	waitFor(t, p, "loaded", func(v View) bool { return !v.Loading })
	if fake.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", fake.Pending())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve() = %v", err)
	}
	if fake.Pending() != 0 {
		t.Fatalf("Pending() after teardown = %d, want 0", fake.Pending())
	}
}
