package topology

// Description is a point-in-time view of a connection and its registries
type Description struct {
	Connected   bool           `json:"connected"`
	Generation  int64          `json:"generation"`
	Application string         `json:"application"`
	Exchanges   []ExchangeInfo `json:"exchanges"`
	Queues      []QueueInfo    `json:"queues"`
	Bindings    []BindingInfo  `json:"bindings"`
}

type ExchangeInfo struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Ready bool   `json:"ready"`
}

type QueueInfo struct {
	Name     string `json:"name"`
	Ready    bool   `json:"ready"`
	Consumer bool   `json:"consumer"`
}

type BindingInfo struct {
	Key             string `json:"key"`
	Source          string `json:"source"`
	Destination     string `json:"destination"`
	DestinationKind string `json:"destinationKind"`
	Pattern         string `json:"pattern"`
	Ready           bool   `json:"ready"`
}

// Describe reports the registered topology without waiting on anything.
// Ready is true for objects whose setup on the current session succeeded.
func (c *Connection) Describe() Description {
	d := Description{
		Connected:   c.IsConnected(),
		Generation:  c.Generation(),
		Application: c.appName,
		Exchanges:   []ExchangeInfo{},
		Queues:      []QueueInfo{},
		Bindings:    []BindingInfo{},
	}

	for _, e := range c.Exchanges() {
		ready := e.state.Load().ready
		d.Exchanges = append(d.Exchanges, ExchangeInfo{
			Name:  e.name,
			Kind:  e.kind,
			Ready: ready.Settled() && ready.Err() == nil,
		})
	}
	for _, q := range c.Queues() {
		ready := q.state.Load().ready
		d.Queues = append(d.Queues, QueueInfo{
			Name:     q.name,
			Ready:    ready.Settled() && ready.Err() == nil,
			Consumer: q.HasConsumer(),
		})
	}
	for _, b := range c.Bindings() {
		ready := b.state.Load().ready
		d.Bindings = append(d.Bindings, BindingInfo{
			Key:             b.key,
			Source:          b.sourceName,
			Destination:     b.destName,
			DestinationKind: b.destKind.String(),
			Pattern:         b.pattern,
			Ready:           ready.Settled() && ready.Err() == nil,
		})
	}
	return d
}
