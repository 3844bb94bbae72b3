package playback

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/media"
	"github.com/matt-riley/signcast/internal/repository"
)

// cityState is the ephemeral state of city mode.
type cityState struct {
	recSeq       uint64
	recCommitted uint64
	rec          *client.Recommendations

	slides   []string
	index    int
	location *Location
	locating bool
}

func (cs *cityState) currentSlide() string {
	if len(cs.slides) == 0 {
		return media.PlaceholderURL
	}
	return media.OrPlaceholder(cs.slides[cs.index])
}

func (cs *cityState) fill(v *View, q Query) {
	v.Visible = true
	v.Slides = slices.Clone(cs.slides)
	v.CurrentIndex = cs.index
	v.CurrentSlide = cs.currentSlide()
	v.ImageURL = v.CurrentSlide
	v.City = q.City
	v.TargetID = q.TargetID
	v.Locating = cs.locating
	if cs.location != nil {
		loc := *cs.location
		v.Location = &loc
	}
	if cs.rec == nil {
		return
	}
	if cs.rec.City != "" {
		v.City = cs.rec.City
	}
	if cs.rec.TargetID != "" {
		v.TargetID = cs.rec.TargetID
	}
	v.CategoryLabel = cs.rec.CategoryLabel
	v.Message = cs.rec.Message
	v.PushMessage = cs.rec.PushMessage
	v.Weather = cs.rec.Weather
	v.TempC = cs.rec.TempC
}

func (p *Player) enterCity(ctx context.Context, s *loopState) {
	s.city = &cityState{}
	p.arm(ctx, s, timerCityRefresh, p.cfg.CityRefreshInterval)
	p.fetchRecommendations(ctx, s)
	if s.query.Geolocate && p.locator != nil {
		p.locate(ctx, s)
	}
}

func (p *Player) fetchRecommendations(ctx context.Context, s *loopState) {
	cs := s.city
	cs.recSeq++
	gen, seq := s.gen, cs.recSeq

	q := client.RecommendationQuery{
		Limit:    p.cfg.RecommendationLimit,
		City:     s.query.City,
		TargetID: s.query.TargetID,
	}
	if cs.location != nil {
		lat, lon := cs.location.Lat, cs.location.Lon
		q.Lat, q.Lon = &lat, &lon
	}

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		spanCtx, span := tracer.Start(fetchCtx, "player.recommendations")
		span.SetAttributes(
			attribute.String("city", q.City),
			attribute.String("target_id", q.TargetID),
			attribute.Bool("located", q.Lat != nil),
		)
		rec, err := p.src.Recommendations(spanCtx, q)
		endSpan(span, err)

		var slides []string
		if err == nil {
			slides = p.images.Slides(rec)
		}
		p.post(ctx, recommendationsResult{gen: gen, seq: seq, rec: rec, slides: slides, err: err})
	}()
}

func (p *Player) onRecommendations(ctx context.Context, s *loopState, ev recommendationsResult) {
	cs := s.city
	if ev.seq <= cs.recCommitted {
		p.stale(sourceRecommendations)
		return
	}
	cs.recCommitted = ev.seq
	if ev.err != nil {
		p.fail(s, sourceRecommendations, ev.err)
		return
	}
	delete(s.errs, sourceRecommendations)

	rec := ev.rec
	cs.rec = &rec
	if slices.Equal(ev.slides, cs.slides) {
		return
	}

	cs.slides = ev.slides
	cs.index = 0
	p.disarm(s, timerSlide)
	if len(cs.slides) > 1 {
		p.arm(ctx, s, timerSlide, p.cfg.SlideInterval)
	}
	if p.recorder != nil {
		p.recorder.IncImageSwaps(ModeCity)
	}
	p.recordSlide(ctx, cs)
}

func (p *Player) onSlide(ctx context.Context, s *loopState) {
	cs := s.city
	if cs == nil || len(cs.slides) <= 1 {
		return
	}
	cs.index = (cs.index + 1) % len(cs.slides)
	p.arm(ctx, s, timerSlide, p.cfg.SlideInterval)
	if p.recorder != nil {
		p.recorder.IncSlideAdvances()
	}
	p.recordSlide(ctx, cs)
}

func (p *Player) recordSlide(ctx context.Context, cs *cityState) {
	play := repository.Play{Mode: ModeCity, ImageURL: cs.currentSlide()}
	if cs.rec != nil {
		play.ContentID = cs.rec.TargetID
	}
	p.recordPlay(ctx, play)
}

// locate asks the locator for a one-shot fix bounded by GeoTimeout.
func (p *Player) locate(ctx context.Context, s *loopState) {
	s.city.locating = true
	gen := s.gen

	go func() {
		locCtx, cancel := context.WithTimeout(ctx, p.cfg.GeoTimeout)
		defer cancel()
		spanCtx, span := tracer.Start(locCtx, "player.locate")
		loc, err := p.locator.Locate(spanCtx)
		endSpan(span, err)
		p.post(ctx, locationResult{gen: gen, loc: loc, err: err})
	}()
}

func (p *Player) onLocation(ctx context.Context, s *loopState, ev locationResult) {
	cs := s.city
	cs.locating = false
	if ev.err != nil {
		p.logger.Info("geolocation unavailable, using named city", "city", s.query.City, "error", ev.err)
		return
	}
	loc := ev.loc
	cs.location = &loc
	p.fetchRecommendations(ctx, s)
}
