package playback

import (
	"time"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/clock"
)

type timerKind int

const (
	timerStorePoll timerKind = iota
	timerFadeSettled
	timerFadeIn
	timerFadeInDone
	timerCityRefresh
	timerSlide
)

type armedTimer struct {
	id    uint64
	timer clock.Timer
}

// loopState is owned by the Serve goroutine. store and city hold the
// ephemeral state of the active mode; at most one is non-nil.
type loopState struct {
	gen      uint64
	query    Query
	mode     string
	timerSeq uint64
	timers   map[timerKind]armedTimer
	errs     map[string]string

	store *storeState
	city  *cityState

	updatedAt time.Time
}

// event is posted to the loop by timers and fetch goroutines. Events from a
// previous generation are dropped.
type event interface {
	generation() uint64
	source() string
}

type timerFired struct {
	gen  uint64
	kind timerKind
	id   uint64
}

func (e timerFired) generation() uint64 { return e.gen }
func (e timerFired) source() string     { return "" }

type signStoreResult struct {
	gen     uint64
	seq     uint64
	storeID string
	err     error
}

func (e signStoreResult) generation() uint64 { return e.gen }
func (e signStoreResult) source() string     { return sourceSignStore }

type contentResult struct {
	gen     uint64
	seq     uint64
	content string
	err     error
}

func (e contentResult) generation() uint64 { return e.gen }
func (e contentResult) source() string     { return sourceCurrentContent }

type imageResult struct {
	gen       uint64
	contentID string
	url       string
}

func (e imageResult) generation() uint64 { return e.gen }
func (e imageResult) source() string     { return sourceImage }

type recommendationsResult struct {
	gen    uint64
	seq    uint64
	rec    client.Recommendations
	slides []string
	err    error
}

func (e recommendationsResult) generation() uint64 { return e.gen }
func (e recommendationsResult) source() string     { return sourceRecommendations }

type locationResult struct {
	gen uint64
	loc Location
	err error
}

func (e locationResult) generation() uint64 { return e.gen }
func (e locationResult) source() string     { return sourceLocation }
