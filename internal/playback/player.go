// Package playback implements the sign's presentation loop. A Player picks
// store or city mode from its query, drives the store-mode crossfade and the
// city-mode slideshow, and publishes a read-only view for the renderer.
package playback

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/clock"
	"github.com/matt-riley/signcast/internal/media"
	"github.com/matt-riley/signcast/internal/repository"
)

var tracer = otel.Tracer("github.com/matt-riley/signcast/internal/playback")

const (
	ModeInitializing = "initializing"
	ModeStore        = "store"
	ModeCity         = "city"
)

const (
	PhaseIdle      = "idle"
	PhaseFadingOut = "fading_out"
	PhaseSwapped   = "swapped"
	PhaseFadingIn  = "fading_in"
)

// DefaultContentID is the content id shown before the rule service names one,
// and the id an empty current-content response maps to.
const DefaultContentID = "default"

const (
	sourceSignStore       = "sign_store"
	sourceCurrentContent  = "current_content"
	sourceRecommendations = "recommendations"
	sourceImage           = "image"
	sourceLocation        = "location"
)

const (
	defaultStorePollInterval   = 2 * time.Second
	defaultCityRefreshInterval = 5 * time.Minute
	defaultSlideInterval       = 8 * time.Second
	defaultFadeSettle          = 500 * time.Millisecond
	defaultFadeInDelay         = 100 * time.Millisecond
	defaultGeoTimeout          = 10 * time.Second
	defaultFetchTimeout        = 10 * time.Second
	defaultRecommendationLimit = 10
)

// Source is the subset of the rule service the player reads.
type Source interface {
	CurrentContent(ctx context.Context, storeID string) (string, error)
	Recommendations(ctx context.Context, q client.RecommendationQuery) (client.Recommendations, error)
	SignStore(ctx context.Context, signID string) (string, error)
}

// Images turns content ids and recommendation payloads into image URLs.
// [media.Resolver] implements it.
type Images interface {
	ContentImage(ctx context.Context, storeID, contentID string) string
	Slides(rec client.Recommendations) []string
}

// PlayLog persists proof of play.
type PlayLog interface {
	RecordPlay(ctx context.Context, play repository.Play) error
}

// Recorder receives playback metrics.
type Recorder interface {
	SetPlayerMode(mode string)
	IncImageSwaps(mode string)
	IncSlideAdvances()
	IncStaleResults(source string)
	RecordPlayWrite(err error)
}

// Config holds the player's timing and request parameters. Zero values take
// the defaults.
type Config struct {
	StorePollInterval   time.Duration
	CityRefreshInterval time.Duration
	SlideInterval       time.Duration
	FadeSettle          time.Duration
	FadeInDelay         time.Duration
	GeoTimeout          time.Duration
	FetchTimeout        time.Duration
	RecommendationLimit int
}

func (c Config) withDefaults() Config {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDuration(&c.StorePollInterval, defaultStorePollInterval)
	setDuration(&c.CityRefreshInterval, defaultCityRefreshInterval)
	setDuration(&c.SlideInterval, defaultSlideInterval)
	setDuration(&c.FadeSettle, defaultFadeSettle)
	setDuration(&c.FadeInDelay, defaultFadeInDelay)
	setDuration(&c.GeoTimeout, defaultGeoTimeout)
	setDuration(&c.FetchTimeout, defaultFetchTimeout)
	if c.RecommendationLimit <= 0 {
		c.RecommendationLimit = defaultRecommendationLimit
	}
	return c
}

// Query holds the parameters that drive mode selection. A store or sign id
// selects store mode; otherwise the player runs in city mode.
type Query struct {
	StoreID   string `json:"store_id,omitempty"`
	SignID    string `json:"sign_id,omitempty"`
	City      string `json:"city,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Geolocate bool   `json:"geolocate"`
}

func (q Query) normalized() Query {
	q.StoreID = strings.TrimSpace(q.StoreID)
	q.SignID = strings.TrimSpace(q.SignID)
	q.City = strings.TrimSpace(q.City)
	q.TargetID = strings.TrimSpace(q.TargetID)
	return q
}

// Mode reports the mode q selects.
func (q Query) Mode() string {
	if q.StoreID != "" || q.SignID != "" {
		return ModeStore
	}
	return ModeCity
}

// View is the renderer's view model.
type View struct {
	Mode  string `json:"mode"`
	Phase string `json:"phase,omitempty"`
	Query Query  `json:"query"`

	StoreID   string `json:"store_id,omitempty"`
	ContentID string `json:"content_id,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Visible   bool   `json:"visible"`
	// PendingContentID is the content id the crossfade is heading to.
	PendingContentID string `json:"pending_content_id,omitempty"`

	Slides        []string  `json:"slides,omitempty"`
	CurrentIndex  int       `json:"current_index"`
	CurrentSlide  string    `json:"current_slide,omitempty"`
	City          string    `json:"city,omitempty"`
	TargetID      string    `json:"target_id,omitempty"`
	CategoryLabel string    `json:"category_label,omitempty"`
	Message       string    `json:"message,omitempty"`
	PushMessage   string    `json:"push_message,omitempty"`
	Weather       string    `json:"weather,omitempty"`
	TempC         *float64  `json:"temp_c,omitempty"`
	Location      *Location `json:"location,omitempty"`
	Locating      bool      `json:"locating,omitempty"`

	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Player is the playback state machine. Create it with [New] and run it
// with Serve.
type Player struct {
	src      Source
	images   Images
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
	plays    PlayLog
	locator  Locator
	id       string

	inbox chan event
	wake  chan struct{}
	view  atomic.Pointer[View]

	mu      sync.Mutex
	desired Query
	refresh bool
}

// Option configures a [Player].
type Option func(*Player)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(p *Player) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Player) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *Player) {
		p.recorder = r
	}
}

// WithPlayLog records every image put on screen.
func WithPlayLog(plays PlayLog) Option {
	return func(p *Player) {
		p.plays = plays
	}
}

// WithLocator enables geolocation for queries that opt in.
func WithLocator(l Locator) Option {
	return func(p *Player) {
		p.locator = l
	}
}

// New creates a player for the initial query. It does nothing until Serve
// runs.
func New(src Source, images Images, cfg Config, query Query, opts ...Option) *Player {
	p := &Player{
		src:     src,
		images:  images,
		cfg:     cfg.withDefaults(),
		clock:   clock.Real{},
		logger:  slog.Default(),
		id:      uuid.NewString(),
		inbox:   make(chan event, 32),
		wake:    make(chan struct{}, 1),
		desired: query.normalized(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("player_id", p.id)

	p.view.Store(&View{
		Mode:     ModeInitializing,
		Query:    p.desired,
		ImageURL: media.PlaceholderURL,
		Visible:  true,
		Loading:  true,
	})
	return p
}

// ID identifies this player instance in logs.
func (p *Player) ID() string {
	return p.id
}

// View returns the latest published view. It never blocks.
func (p *Player) View() View {
	return *p.view.Load()
}

// Ready reports whether the player has entered a mode.
func (p *Player) Ready() bool {
	return p.View().Mode != ModeInitializing
}

// Query returns the most recently requested driving parameters, which the
// loop may not have applied yet.
func (p *Player) Query() Query {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

// SetQuery replaces the driving parameters. Any change restarts the mode
// loop from scratch.
func (p *Player) SetQuery(q Query) {
	p.mu.Lock()
	p.desired = q.normalized()
	p.mu.Unlock()
	p.signal()
}

// UpdateQuery applies update to the requested driving parameters atomically
// with respect to other SetQuery and UpdateQuery calls. When update returns
// an error nothing changes and the error is returned.
func (p *Player) UpdateQuery(update func(Query) (Query, error)) (Query, error) {
	p.mu.Lock()
	q, err := update(p.desired)
	if err != nil {
		p.mu.Unlock()
		return Query{}, err
	}
	q = q.normalized()
	p.desired = q
	p.mu.Unlock()
	p.signal()
	return q, nil
}

// Refresh forces an immediate fetch in the current mode.
func (p *Player) Refresh() {
	p.mu.Lock()
	p.refresh = true
	p.mu.Unlock()
	p.signal()
}

func (p *Player) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Player) String() string {
	return "player"
}

// Serve runs the event loop until ctx is cancelled. Every timer of the
// active mode is stopped on return.
func (p *Player) Serve(ctx context.Context) error {
	s := &loopState{
		timers: make(map[timerKind]armedTimer),
		errs:   make(map[string]string),
	}
	defer p.stopTimers(s)

	p.mu.Lock()
	query := p.desired
	p.refresh = false
	p.mu.Unlock()

	p.enter(ctx, s, query)

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

func (p *Player) applyControl(ctx context.Context, s *loopState) {
	p.mu.Lock()
	query := p.desired
	refresh := p.refresh
	p.refresh = false
	p.mu.Unlock()

	if query != s.query {
		p.enter(ctx, s, query)
		return
	}
	if !refresh {
		return
	}
	switch {
	case s.store != nil:
		p.pollStore(ctx, s)
	case s.city != nil:
		p.fetchRecommendations(ctx, s)
	}
}

// enter tears down the current mode and starts the mode q selects. Results
// and timers tagged with the previous generation are ignored from here on.
func (p *Player) enter(ctx context.Context, s *loopState, q Query) {
	p.stopTimers(s)
	s.gen++
	s.query = q
	s.mode = q.Mode()
	s.store = nil
	s.city = nil
	clear(s.errs)
	s.updatedAt = p.clock.Now()

	if p.recorder != nil {
		p.recorder.SetPlayerMode(s.mode)
	}
	p.logger.Info("player mode entered", "mode", s.mode, "store_id", q.StoreID, "sign_id", q.SignID, "city", q.City)

	switch s.mode {
	case ModeStore:
		p.enterStore(ctx, s)
	default:
		p.enterCity(ctx, s)
	}
	p.publish(s)
}

func (p *Player) handle(ctx context.Context, s *loopState, ev event) {
	if ev.generation() != s.gen {
		if source := ev.source(); source != "" {
			p.stale(source)
		}
		return
	}

	switch ev := ev.(type) {
	case timerFired:
		armed, ok := s.timers[ev.kind]
		if !ok || armed.id != ev.id {
			return
		}
		delete(s.timers, ev.kind)
		p.onTimer(ctx, s, ev.kind)
	case signStoreResult:
		p.onSignStore(ctx, s, ev)
	case contentResult:
		p.onContent(ctx, s, ev)
	case imageResult:
		p.onImage(ctx, s, ev)
	case recommendationsResult:
		p.onRecommendations(ctx, s, ev)
	case locationResult:
		p.onLocation(ctx, s, ev)
	}

	s.updatedAt = p.clock.Now()
	p.publish(s)
}

func (p *Player) onTimer(ctx context.Context, s *loopState, kind timerKind) {
	switch kind {
	case timerStorePoll:
		p.arm(ctx, s, timerStorePoll, p.cfg.StorePollInterval)
		p.pollStore(ctx, s)
	case timerFadeSettled:
		p.onFadeSettled(ctx, s)
	case timerFadeIn:
		p.onFadeIn(ctx, s)
	case timerFadeInDone:
		p.onFadeInDone(ctx, s)
	case timerCityRefresh:
		p.arm(ctx, s, timerCityRefresh, p.cfg.CityRefreshInterval)
		p.fetchRecommendations(ctx, s)
	case timerSlide:
		p.onSlide(ctx, s)
	}
}

func (p *Player) arm(ctx context.Context, s *loopState, kind timerKind, d time.Duration) {
	p.disarm(s, kind)
	s.timerSeq++
	id, gen := s.timerSeq, s.gen
	t := p.clock.AfterFunc(d, func() {
		p.post(ctx, timerFired{gen: gen, kind: kind, id: id})
	})
	s.timers[kind] = armedTimer{id: id, timer: t}
}

func (p *Player) disarm(s *loopState, kind timerKind) {
	if armed, ok := s.timers[kind]; ok {
		armed.timer.Stop()
		delete(s.timers, kind)
	}
}

func (p *Player) stopTimers(s *loopState) {
	for kind, armed := range s.timers {
		armed.timer.Stop()
		delete(s.timers, kind)
	}
}

func (p *Player) post(ctx context.Context, ev event) {
	select {
	case p.inbox <- ev:
	case <-ctx.Done():
	}
}

func (p *Player) fail(s *loopState, source string, err error) {
	s.errs[source] = err.Error()
	p.logger.Warn("playback fetch failed", "mode", s.mode, "source", source, "error", err)
}

func (p *Player) stale(source string) {
	if p.recorder != nil {
		p.recorder.IncStaleResults(source)
	}
}

// recordPlay writes a play row off the loop goroutine.
func (p *Player) recordPlay(ctx context.Context, play repository.Play) {
	if p.plays == nil {
		return
	}
	play.ShownAt = p.clock.Now()
	go func() {
		writeCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		err := p.plays.RecordPlay(writeCtx, play)
		if p.recorder != nil {
			p.recorder.RecordPlayWrite(err)
		}
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("record play failed", "mode", play.Mode, "image_url", play.ImageURL, "error", err)
		}
	}()
}

func (p *Player) publish(s *loopState) {
	v := &View{
		Mode:      s.mode,
		Query:     s.query,
		Error:     firstError(s.errs),
		UpdatedAt: s.updatedAt,
	}
	switch {
	case s.store != nil:
		s.store.fill(v)
		v.Loading = !s.store.loaded && v.Error == ""
	case s.city != nil:
		s.city.fill(v, s.query)
		v.Loading = s.city.rec == nil && v.Error == ""
	}
	p.view.Store(v)
}

func firstError(errs map[string]string) string {
	for _, source := range []string{sourceSignStore, sourceCurrentContent, sourceRecommendations} {
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
