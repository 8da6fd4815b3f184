package pubsub

// The channel which carries Relay* payloads between relay nodes.
const ChanRelay = "relay"

type RelayListener interface {
	OnRemoteBroadcast(p *RelayBroadcast)
}

// RelayBroadcast is a frame which was broadcast to a project on the Origin node and must be
// delivered to the connections of that project on every other node.
type RelayBroadcast struct {
	Origin        string `cbor:"1,keyasint"`
	ProjectID     string `cbor:"2,keyasint"`
	ExcludeUserID string `cbor:"3,keyasint,omitempty"`
	Frame         []byte `cbor:"4,keyasint"`
}

func (v RelayBroadcast) Type() string { return "b" }

type RelaySub struct {
	listener Listener
	receiver RelayListener
	origin   string
}

// NewRelaySub makes a subscription which hands every RelayBroadcast not published by origin
// to recv.
func NewRelaySub(l Listener, recv RelayListener, origin string) *RelaySub {
	return &RelaySub{
		listener: l,
		receiver: recv,
		origin:   origin,
	}
}

func (v *RelaySub) Teardown() {
	v.listener.Close()
}

func (v *RelaySub) onMessage(p Payload) {
	switch p.Type() {
	case RelayBroadcast{}.Type():
		rb := p.(*RelayBroadcast)
		if rb.Origin == v.origin {
			return // we delivered this locally already
		}
		v.receiver.OnRemoteBroadcast(rb)
	default:
		logger.Warn().Str("type", p.Type()).Msg("RelaySub: unknown payload type")
	}
}

// Listen blocks until the listener is closed.
func (v *RelaySub) Listen() error {
	return v.listener.Listen(ChanRelay, v.onMessage)
}
