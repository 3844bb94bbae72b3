package playback

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/signcast/internal/media"
	"github.com/matt-riley/signcast/internal/repository"
)

// storeState is the ephemeral state of store mode.
//
// The crossfade runs idle → fading_out → swapped → fading_in → idle. target
// is the newest content id seen; contentID is the one on screen. A target
// change while fading out is picked up when the settle timer fires or when
// an outdated image resolution comes back.
type storeState struct {
	storeID       string
	signID        string
	signSeq       uint64
	signCommitted uint64

	contentSeq       uint64
	contentCommitted uint64
	loaded           bool

	contentID string
	imageURL  string
	visible   bool
	phase     string
	target    string
	resolving bool
}

func (st *storeState) fill(v *View) {
	v.Phase = st.phase
	v.StoreID = st.storeID
	v.ContentID = st.contentID
	v.ImageURL = st.imageURL
	v.Visible = st.visible
	if st.target != st.contentID {
		v.PendingContentID = st.target
	}
}

func (p *Player) enterStore(ctx context.Context, s *loopState) {
	s.store = &storeState{
		storeID:   s.query.StoreID,
		signID:    s.query.SignID,
		contentID: DefaultContentID,
		imageURL:  media.PlaceholderURL,
		visible:   true,
		phase:     PhaseIdle,
		target:    DefaultContentID,
	}
	p.arm(ctx, s, timerStorePoll, p.cfg.StorePollInterval)
	p.pollStore(ctx, s)
}

// pollStore fetches the current content pointer, resolving the sign's store
// first when only a sign id is known.
func (p *Player) pollStore(ctx context.Context, s *loopState) {
	if s.store.storeID == "" {
		p.fetchSignStore(ctx, s)
		return
	}
	p.fetchContent(ctx, s)
}

func (p *Player) fetchSignStore(ctx context.Context, s *loopState) {
	st := s.store
	st.signSeq++
	gen, seq, signID := s.gen, st.signSeq, st.signID

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		spanCtx, span := tracer.Start(fetchCtx, "player.sign_store")
		span.SetAttributes(attribute.String("sign_id", signID))
		storeID, err := p.src.SignStore(spanCtx, signID)
		endSpan(span, err)
		p.post(ctx, signStoreResult{gen: gen, seq: seq, storeID: storeID, err: err})
	}()
}

func (p *Player) onSignStore(ctx context.Context, s *loopState, ev signStoreResult) {
	st := s.store
	// Lookups may outlive the poll interval, so any answer newer than the
	// last one applied counts until the store is known.
	if ev.seq <= st.signCommitted || st.storeID != "" {
		p.stale(sourceSignStore)
		return
	}
	st.signCommitted = ev.seq
	if ev.err != nil {
		p.fail(s, sourceSignStore, ev.err)
		return
	}
	delete(s.errs, sourceSignStore)
	st.storeID = ev.storeID
	p.logger.Info("sign resolved to store", "sign_id", st.signID, "store_id", st.storeID)
	p.fetchContent(ctx, s)
}

func (p *Player) fetchContent(ctx context.Context, s *loopState) {
	st := s.store
	st.contentSeq++
	gen, seq, storeID := s.gen, st.contentSeq, st.storeID

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		spanCtx, span := tracer.Start(fetchCtx, "player.current_content")
		span.SetAttributes(attribute.String("store_id", storeID))
		content, err := p.src.CurrentContent(spanCtx, storeID)
		endSpan(span, err)
		p.post(ctx, contentResult{gen: gen, seq: seq, content: content, err: err})
	}()
}

func (p *Player) onContent(ctx context.Context, s *loopState, ev contentResult) {
	st := s.store
	if ev.seq <= st.contentCommitted {
		p.stale(sourceCurrentContent)
		return
	}
	st.contentCommitted = ev.seq
	if ev.err != nil {
		p.fail(s, sourceCurrentContent, ev.err)
		return
	}
	delete(s.errs, sourceCurrentContent)
	st.loaded = true

	content := strings.TrimSpace(ev.content)
	if content == "" {
		content = DefaultContentID
	}
	p.retarget(ctx, s, content)
}

// retarget points the crossfade at content. The newest id always wins;
// pending transitions are never queued.
func (p *Player) retarget(ctx context.Context, s *loopState, content string) {
	st := s.store
	if content == st.target {
		return
	}
	st.target = content
	if st.phase == PhaseFadingOut {
		return
	}
	p.startFadeOut(ctx, s)
}

func (p *Player) startFadeOut(ctx context.Context, s *loopState) {
	st := s.store
	p.disarm(s, timerFadeIn)
	p.disarm(s, timerFadeInDone)
	st.phase = PhaseFadingOut
	st.visible = false
	p.arm(ctx, s, timerFadeSettled, p.cfg.FadeSettle)
}

func (p *Player) onFadeSettled(ctx context.Context, s *loopState) {
	st := s.store
	if st == nil || st.phase != PhaseFadingOut {
		return
	}
	if st.target == st.contentID {
		st.phase = PhaseSwapped
		p.arm(ctx, s, timerFadeIn, p.cfg.FadeInDelay)
		return
	}
	p.resolveImage(ctx, s, st.target)
}

func (p *Player) resolveImage(ctx context.Context, s *loopState, contentID string) {
	st := s.store
	st.resolving = true
	gen, storeID := s.gen, st.storeID

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		spanCtx, span := tracer.Start(fetchCtx, "player.resolve_image")
		span.SetAttributes(attribute.String("store_id", storeID), attribute.String("content_id", contentID))
		url := p.images.ContentImage(spanCtx, storeID, contentID)
		span.End()
		p.post(ctx, imageResult{gen: gen, contentID: contentID, url: url})
	}()
}

func (p *Player) onImage(ctx context.Context, s *loopState, ev imageResult) {
	st := s.store
	if !st.resolving {
		return
	}
	if ev.contentID != st.target {
		p.stale(sourceImage)
		p.resolveImage(ctx, s, st.target)
		return
	}

	st.resolving = false
	st.contentID = ev.contentID
	st.imageURL = media.OrPlaceholder(ev.url)
	st.phase = PhaseSwapped
	p.arm(ctx, s, timerFadeIn, p.cfg.FadeInDelay)

	if p.recorder != nil {
		p.recorder.IncImageSwaps(ModeStore)
	}
	p.recordPlay(ctx, repository.Play{
		StoreID:   st.storeID,
		SignID:    st.signID,
		Mode:      ModeStore,
		ContentID: st.contentID,
		ImageURL:  st.imageURL,
	})
	p.logger.Debug("image swapped", "content_id", st.contentID, "image_url", st.imageURL)
}

func (p *Player) onFadeIn(ctx context.Context, s *loopState) {
	st := s.store
	if st == nil || st.phase != PhaseSwapped {
		return
	}
	st.phase = PhaseFadingIn
	st.visible = true
	p.arm(ctx, s, timerFadeInDone, p.cfg.FadeSettle)
}

func (p *Player) onFadeInDone(_ context.Context, s *loopState) {
	st := s.store
	if st == nil || st.phase != PhaseFadingIn {
		return
	}
	st.phase = PhaseIdle
}
