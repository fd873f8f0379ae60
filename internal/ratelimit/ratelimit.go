// Package ratelimit provides sliding-window admission control keyed by
// (actor, action class).
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Action classes with dedicated rules. Any other class is treated as ClassDefault.
const (
	ClassLogin      = "login"
	ClassRegister   = "register"
	ClassMessage    = "message"
	ClassFileUpload = "file_upload"
	ClassRoomCreate = "room_create"
	ClassDefault    = "default"
)

// maxActorLength bounds the size of map keys derived from client input.
const maxActorLength = 128

// Rule allows MaxRequests within any trailing Window.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// Rules maps an action class to its rule.
type Rules map[string]Rule

// DefaultRules returns the standard table.
func DefaultRules() Rules {
	return Rules{
		ClassLogin:      {MaxRequests: 5, Window: 300 * time.Second},
		ClassRegister:   {MaxRequests: 3, Window: time.Hour},
		ClassMessage:    {MaxRequests: 30, Window: time.Minute},
		ClassFileUpload: {MaxRequests: 5, Window: 300 * time.Second},
		ClassRoomCreate: {MaxRequests: 3, Window: time.Hour},
		ClassDefault:    {MaxRequests: 10, Window: time.Minute},
	}
}

// Class resolves a class name against the table, folding unknown names into
// ClassDefault so the key space stays bounded.
func (r Rules) Class(class string) string {
	if _, ok := r[class]; ok {
		return class
	}
	return ClassDefault
}

// For returns the rule for class.
func (r Rules) For(class string) Rule {
	if rule, ok := r[class]; ok {
		return rule
	}
	if rule, ok := r[ClassDefault]; ok {
		return rule
	}
	return Rule{MaxRequests: 10, Window: time.Minute}
}

// Decision is the outcome of an Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 when denied.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter is implemented by the in-memory and Redis limiters.
type Limiter interface {
	Allow(ctx context.Context, actor, class string) (Decision, error)
}

func validActor(actor string) bool {
	return actor != "" && len(actor) <= maxActorLength
}
