package types

import (
	"encoding/json"
	"errors"
)

// Failure describes why an identification did not produce a match.
type Failure struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Message is the single human readable failure string reported to callers.
func (f Failure) Message() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Detail
}

// Outcome is either a successful match or a failure, never both.
type Outcome struct {
	Match   *MatchResult
	Failure *Failure
}

// Success wraps a match result in an Outcome
func Success(m MatchResult) Outcome {
	return Outcome{Match: &m}
}

// Fail builds a failed Outcome
func Fail(kind ErrorKind, detail string) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Detail: detail}}
}

// FailFromError converts an error into a failed Outcome, using fallback as
// the kind when err does not carry one.
func FailFromError(err error, fallback ErrorKind) Outcome {
	var pe *PipelineError
	if errors.As(err, &pe) {
		detail := pe.Detail
		if pe.Cause != nil {
			detail += ": " + pe.Cause.Error()
		}
		return Fail(pe.Kind, detail)
	}
	if kind, ok := KindOf(err); ok {
		return Fail(kind, err.Error())
	}
	return Fail(fallback, err.Error())
}

// OK reports whether the outcome carries a match
func (o Outcome) OK() bool {
	return o.Match != nil && o.Failure == nil
}

// Err returns the failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return NewError(o.Failure.Kind, o.Failure.Detail, nil)
}

// Record is the flat structure serialized for callers.
type Record struct {
	Album  string   `json:"album,omitempty"`
	Artist string   `json:"artist,omitempty"`
	Score  *float64 `json:"score,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Record flattens the outcome. The score is only included when withScore is set.
func (o Outcome) Record(withScore bool) Record {
	if o.Failure != nil || o.Match == nil {
		msg := "unknown failure"
		if o.Failure != nil {
			msg = o.Failure.Message()
		}
		return Record{Error: msg}
	}
	r := Record{Album: o.Match.Album, Artist: o.Match.Artist}
	if withScore {
		score := o.Match.Score
		r.Score = &score
	}
	return r
}

// MarshalJSON encodes the outcome as {"album","artist"} or {"error"}.
// json.Marshal still HTML-escapes the result (& becomes \u0026); use an
// Encoder with SetEscapeHTML(false) to keep labels verbatim.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Record(false))
}
