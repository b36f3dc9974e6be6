package main

import (
	"github.com/glimte/mmate-topology/internal/config"
	"github.com/glimte/mmate-topology/topology"
)

// declarer is the part of a connection used to declare a topology
type declarer interface {
	DeclareExchange(name, kind string, opts ...topology.ExchangeOption) *topology.Exchange
	DeclareQueue(name string, opts ...topology.QueueOption) *topology.Queue
}

// declareTopology registers every object of top. Exchanges and queues are
// durable; bindings resolve against the handles declared here.
func declareTopology(conn declarer, top config.Topology) {
	exchanges := make(map[string]*topology.Exchange, len(top.Exchanges))
	for _, e := range top.Exchanges {
		exchanges[e.Name] = conn.DeclareExchange(e.Name, e.Kind, topology.ExchangeDurable())
	}
	queues := make(map[string]*topology.Queue, len(top.Queues))
	for _, name := range top.Queues {
		queues[name] = conn.DeclareQueue(name, topology.QueueDurable())
	}

	for _, b := range top.Bindings {
		queues[b.Queue].Bind(exchanges[b.Exchange], b.Key, nil)
	}
	for _, b := range top.ExchangeBindings {
		exchanges[b.Destination].Bind(exchanges[b.Source], b.Key, nil)
	}
}
