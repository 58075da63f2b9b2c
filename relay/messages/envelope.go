package messages

// Envelope is the unit exchanged between a participant and the relay. The set of implementations is closed:
// Registration, Data, Rejection, RosterQuery and RosterResponse. Envelopes are immutable once constructed.
type Envelope interface {
	Kind() Kind
	// Sender is the identifier of the participant the envelope originates from or, for envelopes created by
	// the relay, the identifier the envelope is about
	Sender() string
	// Target is the addressed identifier, Broadcast when the envelope is not addressed
	Target() string
	// Accept calls the Visitor method matching the concrete kind
	Accept(v Visitor)

	sealed()
}

// Visitor handles every envelope kind. Adding a kind adds a method here, so every consumer has to decide
// how to treat it before the code compiles again.
type Visitor interface {
	VisitRegistration(e *Registration)
	VisitData(e *Data)
	VisitRejection(e *Rejection)
	VisitRosterQuery(e *RosterQuery)
	VisitRosterResponse(e *RosterResponse)
}

type header struct {
	sender string
	target string
}

func (h header) Sender() string {
	return h.sender
}

func (h header) Target() string {
	return h.target
}

func (h header) sealed() {}

// Registration is the first envelope a participant sends: it claims an identifier with a collision strategy
type Registration struct {
	header
	strategy Strategy
}

func NewRegistration(id string, strategy Strategy) *Registration {
	return &Registration{header: header{sender: id}, strategy: strategy}
}

func (e *Registration) Kind() Kind {
	return KindRegistration
}

// Strategy may hold an unrecognised value, the relay classifies those as invalid registrations
func (e *Registration) Strategy() Strategy {
	return e.strategy
}

func (e *Registration) Accept(v Visitor) {
	v.VisitRegistration(e)
}

// Data carries an application payload, addressed to one participant or broadcast
type Data struct {
	header
	payload any
}

func NewData(sender, target string, payload any) *Data {
	return &Data{header: header{sender: sender, target: target}, payload: payload}
}

func (e *Data) Kind() Kind {
	return KindData
}

func (e *Data) Payload() any {
	return e.payload
}

func (e *Data) IsBroadcast() bool {
	return e.target == Broadcast
}

func (e *Data) Accept(v Visitor) {
	v.VisitData(e)
}

// Rejection tells a participant that it does not, or no longer, hold the identifier it registered
type Rejection struct {
	header
}

func NewRejection(id string) *Rejection {
	return &Rejection{header: header{sender: id}}
}

func (e *Rejection) Kind() Kind {
	return KindRejection
}

func (e *Rejection) Accept(v Visitor) {
	v.VisitRejection(e)
}

// RosterQuery asks the relay for every currently registered identifier
type RosterQuery struct {
	header
}

func NewRosterQuery(requester string) *RosterQuery {
	return &RosterQuery{header: header{sender: requester}}
}

func (e *RosterQuery) Kind() Kind {
	return KindRosterQuery
}

func (e *RosterQuery) Accept(v Visitor) {
	v.VisitRosterQuery(e)
}

// RosterResponse answers a RosterQuery. The order of the identifiers carries no meaning.
type RosterResponse struct {
	header
	ids []string
}

func NewRosterResponse(requester string, ids []string) *RosterResponse {
	cp := make([]string, len(ids))
	copy(cp, ids)
	return &RosterResponse{header: header{sender: requester, target: requester}, ids: cp}
}

func (e *RosterResponse) Kind() Kind {
	return KindRosterResponse
}

// IDs returns a copy of the identifiers in the roster
func (e *RosterResponse) IDs() []string {
	cp := make([]string, len(e.ids))
	copy(cp, e.ids)
	return cp
}

func (e *RosterResponse) Accept(v Visitor) {
	v.VisitRosterResponse(e)
}
