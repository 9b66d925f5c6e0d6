package stream

import (
	"fmt"
)

// State is the lifecycle state of a stream, per RFC 7540 section 5.1.
type State int8

const (
	StateIdle State = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

var EnumNamesState = map[State]string{
	StateIdle:             "idle",
	StateReservedLocal:    "reserved(local)",
	StateReservedRemote:   "reserved(remote)",
	StateOpen:             "open",
	StateHalfClosedLocal:  "half-closed(local)",
	StateHalfClosedRemote: "half-closed(remote)",
	StateClosed:           "closed",
}

func (s State) String() string {
	if name, ok := EnumNamesState[s]; ok {
		return name
	}
	return fmt.Sprintf("UnknownState(%d)", int8(s))
}

// Active reports whether the stream counts against concurrency limits.
func (s State) Active() bool {
	return s != StateIdle && s != StateClosed
}

// event is a state machine input. The end-stream flag on HEADERS and DATA is
// passed alongside.
type event int8

const (
	evSendHeaders event = iota
	evSendData
	evRecvHeaders
	evRecvData
	evReserveLocal
	evReserveRemote
)

var eventNames = map[event]string{
	evSendHeaders:   "send HEADERS",
	evSendData:      "send DATA",
	evRecvHeaders:   "receive HEADERS",
	evRecvData:      "receive DATA",
	evReserveLocal:  "reserve local",
	evReserveRemote: "reserve remote",
}

func (e event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("UnknownEvent(%d)", int8(e))
}
