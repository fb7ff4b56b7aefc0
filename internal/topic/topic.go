// Package topic implements the topic dispatcher (SPEC_FULL.md §4.8):
// slash-separated topic strings, a registry of factories producing
// per-request routines, a pending-request table matching inbound
// packets to outstanding waiters, and the dispatch logic tying the two
// together.
package topic

import (
	"context"
	"strings"

	"github.com/TerryTreepool/block-sub002/internal/errs"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
	"github.com/TerryTreepool/block-sub002/internal/packet"
)

const op = "topic"

// Topic is a parsed topic path: a mandatory primary label, an optional
// secondary label, and zero or more trailing labels.
type Topic struct {
	Primary   string
	Secondary string
	Thirdary  []string
}

// Parse splits a topic string of the form "/primary/secondary/a/b" into
// its labels. The leading slash is mandatory; primary must be non-empty.
func Parse(s string) (Topic, error) {
	if !strings.HasPrefix(s, "/") {
		return Topic{}, errs.New(errs.InvalidFormat, op+".Parse")
	}
	parts := strings.Split(s[1:], "/")
	if len(parts) == 0 || parts[0] == "" {
		return Topic{}, errs.New(errs.InvalidFormat, op+".Parse")
	}

	t := Topic{Primary: parts[0]}
	if len(parts) > 1 {
		t.Secondary = parts[1]
	}
	if len(parts) > 2 {
		t.Thirdary = append([]string(nil), parts[2:]...)
	}
	return t, nil
}

// Visibility controls which callers may dispatch to a registered topic.
type Visibility int

const (
	Public Visibility = iota
	Private
)

// RequestMeta is the header-derived context a factory/routine receives
// for each inbound request: who sent it, who (if anyone) relayed it, the
// sequence to reply on, and the topic string it arrived on.
type RequestMeta struct {
	Requestor     objectid.ID
	RequestorType objectid.Type
	Creator       *packet.CreatorInfo
	Sequence      packet.Sequence
	Topic         string
}

// Result is the sum type a Routine returns.
type Result interface {
	isResult()
}

// Response sends payload back to the requestor on the same sequence.
type Response struct {
	Payload []byte
}

// TransferTarget is one destination of a Transfer: the peer to
// re-dispatch to, and an optional callback installed in the pending
// table to catch that peer's reply.
type TransferTarget struct {
	Peer     objectid.ID
	Callback Waiter
}

// Transfer re-dispatches data to every listed peer on topic.
type Transfer struct {
	To    []TransferTarget
	Topic string
	Data  []byte
}

// Ignore sends no reply.
type Ignore struct{}

// TopicUnknown is returned by Dispatch when no registration matches.
type TopicUnknown struct{}

// Forbidden is returned by Dispatch when a Private topic rejects a
// People caller.
type Forbidden struct{}

func (Response) isResult()     {}
func (Transfer) isResult()     {}
func (Ignore) isResult()       {}
func (TopicUnknown) isResult() {}
func (Forbidden) isResult()    {}

// Routine handles one inbound request (fresh or matched-pending) and
// produces a Result.
type Routine func(ctx context.Context, meta RequestMeta, payload []byte) Result

// Factory produces a fresh Routine for each inbound request against a
// registered topic.
type Factory func() Routine

// Waiter is invoked when a pending-table entry either matches an
// inbound response (err is nil) or expires (err is a Timeout error).
type Waiter func(ctx context.Context, meta RequestMeta, payload []byte, err error)
