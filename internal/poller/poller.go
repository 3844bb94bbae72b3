// Package poller keeps the dashboard's rules, context, live weather and
// current content fresh and publishes the ranked dashboard view.
//
// A Poller owns all of its state on a single event loop goroutine. Timers
// and fetch goroutines only post events into the loop; the loop commits
// results, discarding any that a newer request has superseded.
package poller

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/clock"
	"github.com/matt-riley/signcast/internal/core"
)

const (
	defaultWeatherInterval = 30 * time.Second
	defaultFetchTimeout    = 10 * time.Second
)

// Fetch sources, used as metric labels and error keys.
const (
	SourceRules          = "rules"
	SourceWeather        = "weather"
	SourceCurrentContent = "current_content"
)

var tracer = otel.Tracer("github.com/matt-riley/signcast/internal/poller")

// Source is the subset of the rule service the poller reads.
type Source interface {
	ListRules(ctx context.Context, storeID, city string) (client.RuleSet, error)
	Weather(ctx context.Context) (core.Context, error)
	CurrentContent(ctx context.Context, storeID string) (string, error)
}

// Recorder receives poll outcomes. [metrics.Metrics] satisfies it.
type Recorder interface {
	RecordPoll(source string, err error)
	IncStaleResults(source string)
}

// Config controls what the poller watches and how often.
type Config struct {
	StoreID         string
	City            string
	WeatherInterval time.Duration
	FetchTimeout    time.Duration
	TopLimit        int
}

// View is the dashboard view model.
type View struct {
	StoreID        string              `json:"store_id"`
	City           string              `json:"city"`
	Context        *core.Context       `json:"context,omitempty"`
	Weather        *core.Context       `json:"weather,omitempty"`
	CurrentContent string              `json:"current_content,omitempty"`
	CurrentLabel   string              `json:"current_label,omitempty"`
	RulesTotal     int                 `json:"rules_total"`
	ActiveTotal    int                 `json:"active_total"`
	Top            []core.RankedTarget `json:"top"`
	Hero           string              `json:"hero,omitempty"`
	HasHero        bool                `json:"has_hero"`
	NoMatch        bool                `json:"no_match"`
	Loading        bool                `json:"loading"`
	Error          string              `json:"error,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Poller drives the dashboard. Create it with [New] and run it with Serve.
type Poller struct {
	src      Source
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder

	inbox chan event
	wake  chan struct{}
	view  atomic.Pointer[View]

	mu          sync.Mutex
	desiredCity string
	refresh     bool
}

// Option configures a [Poller].
type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the poller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder registers a poll outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) {
		p.recorder = r
	}
}

// New creates a poller. It does nothing until Serve runs.
func New(src Source, cfg Config, opts ...Option) *Poller {
	if cfg.WeatherInterval <= 0 {
		cfg.WeatherInterval = defaultWeatherInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.TopLimit <= 0 {
		cfg.TopLimit = core.DefaultTopLimit
	}

	p := &Poller{
		src:         src,
		cfg:         cfg,
		clock:       clock.Real{},
		logger:      slog.Default(),
		inbox:       make(chan event, 16),
		wake:        make(chan struct{}, 1),
		desiredCity: strings.TrimSpace(cfg.City),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.view.Store(&View{
		StoreID: cfg.StoreID,
		City:    p.desiredCity,
		Top:     []core.RankedTarget{},
		Loading: true,
	})
	return p
}

// View returns the latest published dashboard view. It never blocks.
func (p *Poller) View() View {
	return *p.view.Load()
}

// SetCity changes the city the rules are evaluated against. The pending
// rules request for the previous city is abandoned.
func (p *Poller) SetCity(city string) {
	p.mu.Lock()
	p.desiredCity = strings.TrimSpace(city)
	p.mu.Unlock()
	p.signal()
}

// Refresh requests an immediate refetch of every source.
func (p *Poller) Refresh() {
	p.mu.Lock()
	p.refresh = true
	p.mu.Unlock()
	p.signal()
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) String() string {
	return "poller"
}

type event any

type tickEvent struct{}

type rulesResult struct {
	seq uint64
	set client.RuleSet
	err error
}

type weatherResult struct {
	seq uint64
	ctx core.Context
	err error
}

type contentResult struct {
	seq     uint64
	content string
	err     error
}

// loopState is owned by the Serve goroutine.
type loopState struct {
	city string

	rulesSeq    uint64
	rulesCancel context.CancelFunc
	rules       []core.Rule
	rulesCtx    *core.Context
	rulesLoaded bool

	weatherSeq       uint64
	weatherCommitted uint64
	weather          *core.Context

	contentSeq       uint64
	contentCommitted uint64
	content          string

	errs      map[string]string
	tick      clock.Timer
	updatedAt time.Time
}

// Serve runs the event loop until ctx is cancelled. Every timer is stopped
// and every in-flight request abandoned on return.
func (p *Poller) Serve(ctx context.Context) error {
	s := &loopState{errs: make(map[string]string)}
	defer func() {
		if s.tick != nil {
			s.tick.Stop()
		}
		if s.rulesCancel != nil {
			s.rulesCancel()
		}
	}()

	p.mu.Lock()
	s.city = p.desiredCity
	p.refresh = false
	p.mu.Unlock()

	p.armTick(ctx, s)
	p.fetchRules(ctx, s)
	p.fetchLive(ctx, s)
	p.publish(s)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			p.applyControl(ctx, s)
		case ev := <-p.inbox:
			p.handle(ctx, s, ev)
		}
	}
}

func (p *Poller) applyControl(ctx context.Context, s *loopState) {
	p.mu.Lock()
	city := p.desiredCity
	refresh := p.refresh
	p.refresh = false
	p.mu.Unlock()

	if city != s.city {
		s.city = city
		s.rules = nil
		s.rulesCtx = nil
		s.rulesLoaded = false
		delete(s.errs, SourceRules)
		p.fetchRules(ctx, s)
	} else if refresh {
		p.fetchRules(ctx, s)
	}
	if refresh {
		p.fetchLive(ctx, s)
	}
	p.publish(s)
}

func (p *Poller) handle(ctx context.Context, s *loopState, ev event) {
	switch ev := ev.(type) {
	case tickEvent:
		p.armTick(ctx, s)
		p.fetchLive(ctx, s)
		return

	case rulesResult:
		if ev.seq != s.rulesSeq {
			p.stale(SourceRules)
			return
		}
		s.rulesCancel = nil
		p.record(SourceRules, ev.err)
		if ev.err != nil {
			p.fail(s, SourceRules, ev.err)
			break
		}
		s.rules = ev.set.Rules
		s.rulesCtx = ev.set.Context
		s.rulesLoaded = true
		delete(s.errs, SourceRules)

	case weatherResult:
		if ev.seq <= s.weatherCommitted {
			p.stale(SourceWeather)
			return
		}
		s.weatherCommitted = ev.seq
		p.record(SourceWeather, ev.err)
		if ev.err != nil {
			p.fail(s, SourceWeather, ev.err)
			break
		}
		weather := ev.ctx
		s.weather = &weather
		delete(s.errs, SourceWeather)

	case contentResult:
		if ev.seq <= s.contentCommitted {
			p.stale(SourceCurrentContent)
			return
		}
		s.contentCommitted = ev.seq
		p.record(SourceCurrentContent, ev.err)
		if ev.err != nil {
			p.fail(s, SourceCurrentContent, ev.err)
			break
		}
		s.content = ev.content
		delete(s.errs, SourceCurrentContent)
	}

	s.updatedAt = p.clock.Now()
	p.publish(s)
}

func (p *Poller) armTick(ctx context.Context, s *loopState) {
	if s.tick != nil {
		s.tick.Stop()
	}
	s.tick = p.clock.AfterFunc(p.cfg.WeatherInterval, func() {
		p.post(ctx, tickEvent{})
	})
}

func (p *Poller) fetchRules(ctx context.Context, s *loopState) {
	if s.rulesCancel != nil {
		s.rulesCancel()
	}
	s.rulesSeq++
	seq, city := s.rulesSeq, s.city

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	s.rulesCancel = cancel

	go func() {
		defer cancel()
		spanCtx, span := tracer.Start(fetchCtx, "poller.fetch_rules")
		span.SetAttributes(attribute.String("store_id", p.cfg.StoreID), attribute.String("city", city))
		set, err := p.src.ListRules(spanCtx, p.cfg.StoreID, city)
		endSpan(span, err)
		p.post(ctx, rulesResult{seq: seq, set: set, err: err})
	}()
}

func (p *Poller) fetchLive(ctx context.Context, s *loopState) {
	s.weatherSeq++
	weatherSeq := s.weatherSeq
	s.contentSeq++
	contentSeq := s.contentSeq

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		spanCtx, span := tracer.Start(fetchCtx, "poller.fetch_weather")
		weather, err := p.src.Weather(spanCtx)
		endSpan(span, err)
		p.post(ctx, weatherResult{seq: weatherSeq, ctx: weather, err: err})
	}()

	if p.cfg.StoreID == "" {
		return
	}
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		spanCtx, span := tracer.Start(fetchCtx, "poller.fetch_current_content")
		span.SetAttributes(attribute.String("store_id", p.cfg.StoreID))
		content, err := p.src.CurrentContent(spanCtx, p.cfg.StoreID)
		endSpan(span, err)
		p.post(ctx, contentResult{seq: contentSeq, content: content, err: err})
	}()
}

func (p *Poller) post(ctx context.Context, ev event) {
	select {
	case p.inbox <- ev:
	case <-ctx.Done():
	}
}

func (p *Poller) fail(s *loopState, source string, err error) {
	s.errs[source] = err.Error()
	p.logger.Warn("poll failed", "source", source, "city", s.city, "error", err)
}

func (p *Poller) record(source string, err error) {
	if p.recorder != nil {
		p.recorder.RecordPoll(source, err)
	}
}

func (p *Poller) stale(source string) {
	if p.recorder != nil {
		p.recorder.IncStaleResults(source)
	}
}

func (p *Poller) publish(s *loopState) {
	res := core.Resolve(s.rules, contextOf(s), p.cfg.TopLimit)

	v := &View{
		StoreID:        p.cfg.StoreID,
		City:           s.city,
		Context:        s.rulesCtx,
		Weather:        s.weather,
		CurrentContent: s.content,
		RulesTotal:     len(res.Filtered),
		ActiveTotal:    len(res.Active),
		Top:            res.Top,
		Hero:           res.Hero,
		HasHero:        res.HasHero,
		NoMatch:        s.rulesLoaded && len(res.Top) == 0,
		Loading:        !s.rulesLoaded && s.errs[SourceRules] == "",
		Error:          firstError(s.errs),
		UpdatedAt:      s.updatedAt,
	}
	if s.content != "" {
		v.CurrentLabel = core.TargetLabel(s.content)
	}
	p.view.Store(v)
}

// contextOf returns the context the rules were evaluated against, falling
// back to live weather when the rules payload carried none.
func contextOf(s *loopState) core.Context {
	if s.rulesCtx != nil {
		return *s.rulesCtx
	}
	if s.weather != nil {
		return *s.weather
	}
	return core.Context{}
}

func firstError(errs map[string]string) string {
	for _, source := range []string{SourceRules, SourceWeather, SourceCurrentContent} {
		if msg := errs[source]; msg != "" {
			return source + ": " + msg
		}
	}
	return ""
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
