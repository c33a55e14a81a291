package vici

import (
	"strconv"

	gvici "github.com/strongswan/govici/vici"
)

// eventIKEUpdown is the engine event announcing tunnel session
// establishment and teardown.
const eventIKEUpdown = "ike-updown"

// Event is a decoded control channel event. The set of variants is
// closed; handlers switch over it exhaustively so an unhandled kind is
// a compile-time smell, not a silent drop.
type Event interface {
	event()
}

// SessionUp announces a negotiated tunnel session. InID and OutID are
// the per-direction session ids; they are usually equal but must be
// treated independently.
type SessionUp struct {
	Name  string
	InID  uint32
	OutID uint32
}

// SessionDown announces teardown of a tunnel session.
type SessionDown struct {
	Name  string
	InID  uint32
	OutID uint32
}

// Unknown carries an event kind the decoder does not understand.
type Unknown struct {
	Name string
}

func (SessionUp) event()   {}
func (SessionDown) event() {}
func (Unknown) event()     {}

// sessionIDs is the slice of an updown SA entry the lifecycle needs.
type sessionIDs struct {
	IfIDIn  string `vici:"if-id-in"`
	IfIDOut string `vici:"if-id-out"`
}

// decodeEvent turns one raw engine event into lifecycle variants. An
// updown event carries an "up" marker key (present only on
// establishment) plus one section per affected IKE SA; each section
// becomes one variant.
func decodeEvent(name string, msg *gvici.Message) []Event {
	if name != eventIKEUpdown {
		return []Event{Unknown{Name: name}}
	}

	up := false
	for _, key := range msg.Keys() {
		if key == "up" {
			up = true
			break
		}
	}

	var events []Event
	for _, key := range msg.Keys() {
		if key == "up" {
			continue
		}

		section, ok := msg.Get(key).(*gvici.Message)
		if !ok {
			continue
		}
		var ids sessionIDs
		if err := gvici.UnmarshalMessage(section, &ids); err != nil {
			continue
		}
		inID, errIn := strconv.ParseUint(ids.IfIDIn, 10, 32)
		outID, errOut := strconv.ParseUint(ids.IfIDOut, 10, 32)
		if errIn != nil || errOut != nil {
			continue
		}

		if up {
			events = append(events, SessionUp{Name: key, InID: uint32(inID), OutID: uint32(outID)})
		} else {
			events = append(events, SessionDown{Name: key, InID: uint32(inID), OutID: uint32(outID)})
		}
	}
	return events
}
