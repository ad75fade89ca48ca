package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"
)

// TriggerKind discriminates the Trigger variants on the wire.
type TriggerKind string

const (
	TriggerPointInTime TriggerKind = "point_in_time"
	TriggerInterval    TriggerKind = "interval"
	TriggerCalendar    TriggerKind = "calendar"
	TriggerCron        TriggerKind = "cron"
)

// Trigger computes fire times for a schedule. Implementations are pure values: NextFireTime
// never mutates state and returns the same answer for the same repeat count.
//
// The set of variants is closed; validate is unexported so only this package can add one.
type Trigger interface {
	Kind() TriggerKind
	// NextFireTime returns the fire time of occurrence repeatCount (0 based), or false once
	// the schedule is exhausted.
	NextFireTime(repeatCount int) (time.Time, bool)
	// Limit is the total number of occurrences, 0 when unlimited.
	Limit() int
	validate() error
}

// ValidateTrigger checks a trigger is complete and consistent.
func ValidateTrigger(t Trigger) error {
	if t == nil {
		return fmt.Errorf("schedule is required")
	}
	return t.validate()
}

// RemainingRepeats is the countdown reported to recipients for the execution about to run
// when executionCounter executions already happened. -1 means unlimited.
func RemainingRepeats(t Trigger, executionCounter int) int {
	if t == nil || t.Limit() <= 0 {
		return -1
	}
	remaining := t.Limit() - executionCounter - 1
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PointInTime fires once at FireAt.
type PointInTime struct {
	FireAt time.Time
}

func (p PointInTime) Kind() TriggerKind { return TriggerPointInTime }
func (p PointInTime) Limit() int        { return 1 }

func (p PointInTime) NextFireTime(repeatCount int) (time.Time, bool) {
	if repeatCount != 0 {
		return time.Time{}, false
	}
	return p.FireAt, true
}

func (p PointInTime) validate() error {
	if p.FireAt.IsZero() {
		return fmt.Errorf("fireAt is required")
	}
	return nil
}

// Interval fires at Start + n*Period while n < RepeatLimit and the instant is before End.
type Interval struct {
	Start       time.Time
	Period      time.Duration
	RepeatLimit int
	End         time.Time
}

func (i Interval) Kind() TriggerKind { return TriggerInterval }
func (i Interval) Limit() int        { return i.RepeatLimit }

func (i Interval) NextFireTime(repeatCount int) (time.Time, bool) {
	if repeatCount < 0 || (i.RepeatLimit > 0 && repeatCount >= i.RepeatLimit) {
		return time.Time{}, false
	}
	if repeatCount > 0 && i.Period <= 0 {
		return time.Time{}, false
	}
	next := i.Start.Add(time.Duration(repeatCount) * i.Period)
	if !i.End.IsZero() && !next.Before(i.End) {
		return time.Time{}, false
	}
	return next, true
}

func (i Interval) validate() error {
	if i.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	if i.RepeatLimit < 0 {
		return fmt.Errorf("repeatLimit must not be negative")
	}
	if i.Period < 0 {
		return fmt.Errorf("period must not be negative")
	}
	if i.Period == 0 && i.RepeatLimit != 1 {
		return fmt.Errorf("period is required for repeating intervals")
	}
	return nil
}

// CalendarUnit is the unit of a Calendar period.
type CalendarUnit string

const (
	UnitMinutes CalendarUnit = "minutes"
	UnitHours   CalendarUnit = "hours"
	UnitDays    CalendarUnit = "days"
)

// Calendar fires every Count units of wall-clock time in Zone, so daylight saving
// transitions move fire instants instead of wall-clock times.
type Calendar struct {
	Start       time.Time
	Unit        CalendarUnit
	Count       int
	RepeatLimit int
	End         time.Time
	Zone        string
}

func (c Calendar) Kind() TriggerKind { return TriggerCalendar }
func (c Calendar) Limit() int        { return c.RepeatLimit }

func (c Calendar) NextFireTime(repeatCount int) (time.Time, bool) {
	if repeatCount < 0 || (c.RepeatLimit > 0 && repeatCount >= c.RepeatLimit) {
		return time.Time{}, false
	}
	loc, err := loadZone(c.Zone)
	if err != nil {
		return time.Time{}, false
	}
	s := c.Start.In(loc)
	n := repeatCount * c.Count
	var next time.Time
	switch c.Unit {
	case UnitMinutes:
		next = time.Date(s.Year(), s.Month(), s.Day(), s.Hour(), s.Minute()+n, s.Second(), s.Nanosecond(), loc)
	case UnitHours:
		next = time.Date(s.Year(), s.Month(), s.Day(), s.Hour()+n, s.Minute(), s.Second(), s.Nanosecond(), loc)
	case UnitDays:
		next = time.Date(s.Year(), s.Month(), s.Day()+n, s.Hour(), s.Minute(), s.Second(), s.Nanosecond(), loc)
	default:
		return time.Time{}, false
	}
	if !c.End.IsZero() && !next.Before(c.End) {
		return time.Time{}, false
	}
	return next, true
}

func (c Calendar) validate() error {
	if c.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	switch c.Unit {
	case UnitMinutes, UnitHours, UnitDays:
	default:
		return fmt.Errorf("unsupported calendar unit %q", c.Unit)
	}
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if c.RepeatLimit < 0 {
		return fmt.Errorf("repeatLimit must not be negative")
	}
	if _, err := loadZone(c.Zone); err != nil {
		return err
	}
	return nil
}

// Cron fires on the occurrences of a standard cron expression at or after Start.
type Cron struct {
	Expression  string
	Zone        string
	Start       time.Time
	RepeatLimit int
	End         time.Time
}

func (c Cron) Kind() TriggerKind { return TriggerCron }
func (c Cron) Limit() int        { return c.RepeatLimit }

func (c Cron) NextFireTime(repeatCount int) (time.Time, bool) {
	if repeatCount < 0 || (c.RepeatLimit > 0 && repeatCount >= c.RepeatLimit) {
		return time.Time{}, false
	}
	cur, err := c.cursor()
	if err != nil {
		return time.Time{}, false
	}
	next, ok := cur.seek(repeatCount)
	if !ok {
		return time.Time{}, false
	}
	if !c.End.IsZero() && !next.Before(c.End) {
		return time.Time{}, false
	}
	return next, true
}

// cronCursors keeps the parsed schedule and the last occurrence reached per cron trigger, so
// a long-running job advances from its previous fire time instead of walking from Start.
var cronCursors = newCronCursors(1024)

func newCronCursors(size int) *lru.Cache {
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return cache
}

type cronKey struct {
	expression string
	zone       string
	start      int64
}

type cronCursor struct {
	mu     sync.Mutex
	sched  cron.Schedule
	origin time.Time
	// index is the occurrence at, -1 before the first one.
	index int
	at    time.Time
}

func (c Cron) cursor() (*cronCursor, error) {
	key := cronKey{expression: c.Expression, zone: c.Zone, start: c.Start.UnixNano()}
	if v, ok := cronCursors.Get(key); ok {
		return v.(*cronCursor), nil
	}
	sched, err := cron.ParseStandard(c.Expression)
	if err != nil {
		return nil, err
	}
	loc, err := loadZone(c.Zone)
	if err != nil {
		return nil, err
	}
	// Next is strictly after its argument; step back so Start itself can match.
	origin := c.Start.In(loc).Add(-time.Nanosecond)
	cur := &cronCursor{sched: sched, origin: origin, index: -1, at: origin}
	cronCursors.Add(key, cur)
	return cur, nil
}

// seek returns occurrence n, rewinding to the origin when n is behind the cursor.
func (cur *cronCursor) seek(n int) (time.Time, bool) {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if n < cur.index {
		cur.index, cur.at = -1, cur.origin
	}
	for cur.index < n {
		next := cur.sched.Next(cur.at)
		if next.IsZero() {
			return time.Time{}, false
		}
		cur.index, cur.at = cur.index+1, next
	}
	return cur.at, true
}

func (c Cron) validate() error {
	if strings.TrimSpace(c.Expression) == "" {
		return fmt.Errorf("expression is required")
	}
	if _, err := cron.ParseStandard(c.Expression); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if c.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	if c.RepeatLimit < 0 {
		return fmt.Errorf("repeatLimit must not be negative")
	}
	if _, err := loadZone(c.Zone); err != nil {
		return err
	}
	return nil
}

func loadZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown zone %q: %w", name, err)
	}
	return loc, nil
}

// triggerWire is the JSON shape of every trigger variant. Durations travel as milliseconds.
type triggerWire struct {
	Type        TriggerKind  `json:"type"`
	FireAt      *time.Time   `json:"fireAt,omitempty"`
	Start       *time.Time   `json:"start,omitempty"`
	Period      int64        `json:"period,omitempty"`
	RepeatLimit int          `json:"repeatLimit,omitempty"`
	End         *time.Time   `json:"end,omitempty"`
	Unit        CalendarUnit `json:"unit,omitempty"`
	Count       int          `json:"count,omitempty"`
	Zone        string       `json:"zone,omitempty"`
	Expression  string       `json:"expression,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Schedule carries a Trigger through JSON.
type Schedule struct {
	Trigger Trigger
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	if s.Trigger == nil {
		return []byte("null"), nil
	}
	var w triggerWire
	switch t := s.Trigger.(type) {
	case PointInTime:
		w = triggerWire{Type: TriggerPointInTime, FireAt: timePtr(t.FireAt)}
	case Interval:
		w = triggerWire{Type: TriggerInterval, Start: timePtr(t.Start), Period: t.Period.Milliseconds(), RepeatLimit: t.RepeatLimit, End: timePtr(t.End)}
	case Calendar:
		w = triggerWire{Type: TriggerCalendar, Start: timePtr(t.Start), Unit: t.Unit, Count: t.Count, RepeatLimit: t.RepeatLimit, End: timePtr(t.End), Zone: t.Zone}
	case Cron:
		w = triggerWire{Type: TriggerCron, Expression: t.Expression, Zone: t.Zone, Start: timePtr(t.Start), RepeatLimit: t.RepeatLimit, End: timePtr(t.End)}
	default:
		return nil, fmt.Errorf("unsupported trigger %T", s.Trigger)
	}
	return json.Marshal(w)
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		s.Trigger = nil
		return nil
	}
	var w triggerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case TriggerPointInTime:
		s.Trigger = PointInTime{FireAt: timeVal(w.FireAt)}
	case TriggerInterval:
		s.Trigger = Interval{Start: timeVal(w.Start), Period: time.Duration(w.Period) * time.Millisecond, RepeatLimit: w.RepeatLimit, End: timeVal(w.End)}
	case TriggerCalendar:
		s.Trigger = Calendar{Start: timeVal(w.Start), Unit: w.Unit, Count: w.Count, RepeatLimit: w.RepeatLimit, End: timeVal(w.End), Zone: w.Zone}
	case TriggerCron:
		s.Trigger = Cron{Expression: w.Expression, Zone: w.Zone, Start: timeVal(w.Start), RepeatLimit: w.RepeatLimit, End: timeVal(w.End)}
	default:
		return fmt.Errorf("unknown schedule type %q", w.Type)
	}
	return nil
}
