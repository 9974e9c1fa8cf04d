// Package events implements the diagnostics bus of SPEC_FULL.md §12:
// a publish/subscribe hub the dispatcher, pool, and cache layers can
// push admission, promotion, cache-decision and eviction notices onto
// for an external observer, plus a Codec pair (JSON and protobuf) for
// transporting an Event off-process.
package events

// Type names the kind of diagnostic event, matching the vocabulary of
// spec.md's three components rather than a generic log level.
type Type string

const (
	TypeCallAdmitted   Type = "call_admitted"
	TypeCallQueued     Type = "call_queued"
	TypeCallPromoted   Type = "call_promoted"
	TypeCallFinished   Type = "call_finished"
	TypeConnectionIdle Type = "connection_idle"
	TypeConnectionEvicted Type = "connection_evicted"
	TypeLeakDetected   Type = "leak_detected"
	TypeCacheDecision  Type = "cache_decision"
)

// Event is one diagnostic notice. Not every field applies to every
// Type; AgeSeconds and CacheDecision are meaningful only for
// TypeCacheDecision, for instance.
type Event struct {
	Seq             int64
	Type            Type
	Host            string
	AgeSeconds      int64
	CacheDecision   string
	TimestampMillis int64
}
