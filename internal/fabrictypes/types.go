// Package fabrictypes holds the value types shared across the messaging
// fabric's modules (portmap, wire, channel, fabric, overlay, discovery,
// roster) so that none of them needs to import another to share a shape.
package fabrictypes

import "time"

// SpecialistId is an opaque logical name for a CI specialist, e.g.
// "apollo-ci". Raw "host:port" endpoints are not translated to this
// form: shellfacade.NormalizeName treats every input as a name, and the
// port-to-name lookup portmap.CanonicalNameForPort is a separate call.
type SpecialistId string

// Endpoint is a TCP destination for a specialist's wire protocol.
type Endpoint struct {
	Host string
	Port int
}

// Request is assigned a uuid ID by the channel that enqueues it; the id
// never reaches the wire.
// Specialists only ever see Body framed as JSON by the wire codec.
//
// Timeout is the caller's on-wire budget (spec §4.3: "the response
// deadline timer starts when the frame is written, not when enqueued").
// It is re-applied fresh as an absolute read-deadline at the moment the
// channel actually writes the frame, so queue wait never eats into it.
// AggregateDeadline is the wall-clock bound used for the caller-facing
// total latency / queue-wait SLO (spec: "a separate queue-wait SLO,
// default equal to the deadline").
type Request struct {
	ID         string
	Body       string
	Kind       FrameKind
	Timeout    time.Duration
	EnqueuedAt time.Time
}

// AggregateDeadline is the absolute wall-clock point beyond which this
// request's total time (queue wait + on-wire) is considered overdue.
func (r Request) AggregateDeadline() time.Time {
	return r.EnqueuedAt.Add(r.Timeout)
}

// FrameKind selects which wire request shape the codec encodes.
type FrameKind string

const (
	FrameChat   FrameKind = "chat"
	FramePing   FrameKind = "ping"
	FrameInfo   FrameKind = "info"
	FrameSchema FrameKind = "schema"
)

// Response is what a specialist's frame decodes to.
type Response struct {
	OK         bool
	Content    string
	Error      string
	LatencyMs  int64
	// ModelName and Capabilities are copied from any frame that carries
	// them; specialists normally send them in reply to FrameInfo probes.
	ModelName    string
	Capabilities []string
}

// Result is what callers of broadcast/collect get per target: either a
// Response or a typed Error, never both.
type Result struct {
	SpecialistId SpecialistId
	Response     *Response
	Err          *Error
}

func (r Result) OK() bool { return r.Err == nil && r.Response != nil && r.Response.OK }
