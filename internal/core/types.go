package core

import (
	"bytes"
	"strconv"
	"time"
)

type ConditionType string

const (
	ConditionWeather     ConditionType = "weather"
	ConditionTime        ConditionType = "time"
	ConditionHoliday     ConditionType = "holiday"
	ConditionTemp        ConditionType = "temp"
	ConditionRegion      ConditionType = "region"
	ConditionCity        ConditionType = "city"
	ConditionDay         ConditionType = "day"
	ConditionChinaRegion ConditionType = "china_region"
	ConditionSolarTerm   ConditionType = "solar_term"
)

const (
	OperatorEquals  = "=="
	OperatorIn      = "in"
	OperatorBetween = "between"
)

const ActionSwitchPlaylist = "switch_playlist"

// Region clusters reported by the context service.
const (
	RegionWestern  = "western"
	RegionEastAsia = "east_asia"
	RegionTropical = "tropical"
	RegionUK       = "uk"
)

// China sub-regions reported by the context service.
const (
	SubregionSouthChina = "south_china"
	SubregionEastChina  = "east_china"
	SubregionNorthChina = "north_china"
)

type Condition struct {
	Type     ConditionType `json:"type"`
	Operator string        `json:"operator"`
	Value    string        `json:"value"`
}

type Action struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id"`
	Message  string `json:"message,omitempty"`
}

// Rule is a prioritized condition→action mapping. MatchesCurrent is set by
// the rule service for the context it was evaluated against and is never
// recomputed locally.
type Rule struct {
	ID             string      `json:"id,omitempty"`
	StoreID        string      `json:"store_id,omitempty"`
	Name           string      `json:"name"`
	Priority       int         `json:"priority"`
	Conditions     []Condition `json:"conditions"`
	Action         Action      `json:"action"`
	MatchesCurrent bool        `json:"matches_current,omitempty"`
}

// Context is a snapshot of the environment a rule set was evaluated against.
// It is always replaced as a whole.
type Context struct {
	Weather        string     `json:"weather"`
	TempC          *float64   `json:"temp_c,omitempty"`
	Region         string     `json:"region,omitempty"`
	ChinaSubregion string     `json:"china_subregion,omitempty"`
	SolarTerms     []string   `json:"solar_terms,omitempty"`
	Season         string     `json:"season,omitempty"`
	UpdatedAt      *Timestamp `json:"updated_at"`
}

type RankedTarget struct {
	TargetID string `json:"target_id"`
	Name     string `json:"name"`
	Label    string `json:"label"`
	Message  string `json:"message,omitempty"`
}

type Resolution struct {
	Filtered []Rule         `json:"-"`
	Active   []Rule         `json:"-"`
	Top      []RankedTarget `json:"top"`
	Hero     string         `json:"hero,omitempty"`
	HasHero  bool           `json:"has_hero"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp decodes the timestamps emitted by the context service, with or
// without a zone offset. Values that do not parse decode as the zero time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}

	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.Format(time.RFC3339Nano))), nil
}
