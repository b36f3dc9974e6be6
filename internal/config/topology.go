package config

import (
	"errors"
	"fmt"
	"strings"
)

// ExchangeSpec declares one exchange
type ExchangeSpec struct {
	Name string
	Kind string
}

// BindingSpec binds a queue to an exchange
type BindingSpec struct {
	Queue    string
	Exchange string
	Key      string
}

// ExchangeBindingSpec binds a destination exchange to a source exchange
type ExchangeBindingSpec struct {
	Destination string
	Source      string
	Key         string
}

// Topology is a topology declared through the environment:
//
//	MMATE_EXCHANGES=name:kind,name2:kind2
//	MMATE_QUEUES=q1,q2
//	MMATE_BINDINGS=queue:exchange:key,queue2:exchange2:key2
//	MMATE_EXCHANGE_BINDINGS=destination:source:key
type Topology struct {
	Exchanges        []ExchangeSpec
	Queues           []string
	Bindings         []BindingSpec
	ExchangeBindings []ExchangeBindingSpec
}

var exchangeKinds = map[string]bool{
	"direct":  true,
	"fanout":  true,
	"topic":   true,
	"headers": true,
}

// Empty reports whether nothing is declared
func (t Topology) Empty() bool {
	return len(t.Exchanges) == 0 && len(t.Queues) == 0 &&
		len(t.Bindings) == 0 && len(t.ExchangeBindings) == 0
}

// ParseTopology reads the topology variables. Bindings must reference
// declared exchanges and queues.
func ParseTopology(lookup LookupFunc) (Topology, error) {
	var top Topology
	var errs []error

	exchanges := map[string]bool{}
	for _, part := range splitList(getEnv(lookup, "MMATE_EXCHANGES", "")) {
		name, kind, ok := strings.Cut(part, ":")
		if !ok || name == "" || kind == "" {
			errs = append(errs, fmt.Errorf("MMATE_EXCHANGES: entry %q is not name:kind", part))
			continue
		}
		if !exchangeKinds[kind] {
			errs = append(errs, fmt.Errorf("MMATE_EXCHANGES: exchange %q has unknown kind %q", name, kind))
			continue
		}
		if exchanges[name] {
			errs = append(errs, fmt.Errorf("MMATE_EXCHANGES: exchange %q declared twice", name))
			continue
		}
		exchanges[name] = true
		top.Exchanges = append(top.Exchanges, ExchangeSpec{Name: name, Kind: kind})
	}

	queues := map[string]bool{}
	for _, name := range splitList(getEnv(lookup, "MMATE_QUEUES", "")) {
		if queues[name] {
			continue
		}
		queues[name] = true
		top.Queues = append(top.Queues, name)
	}

	for _, part := range splitList(getEnv(lookup, "MMATE_BINDINGS", "")) {
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 || fields[0] == "" || fields[1] == "" {
			errs = append(errs, fmt.Errorf("MMATE_BINDINGS: entry %q is not queue:exchange:key", part))
			continue
		}
		b := BindingSpec{Queue: fields[0], Exchange: fields[1], Key: fields[2]}
		if !queues[b.Queue] {
			errs = append(errs, fmt.Errorf("MMATE_BINDINGS: queue %q is not declared", b.Queue))
			continue
		}
		if !exchanges[b.Exchange] {
			errs = append(errs, fmt.Errorf("MMATE_BINDINGS: exchange %q is not declared", b.Exchange))
			continue
		}
		top.Bindings = append(top.Bindings, b)
	}

	for _, part := range splitList(getEnv(lookup, "MMATE_EXCHANGE_BINDINGS", "")) {
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 || fields[0] == "" || fields[1] == "" {
			errs = append(errs, fmt.Errorf("MMATE_EXCHANGE_BINDINGS: entry %q is not destination:source:key", part))
			continue
		}
		b := ExchangeBindingSpec{Destination: fields[0], Source: fields[1], Key: fields[2]}
		if !exchanges[b.Destination] || !exchanges[b.Source] {
			errs = append(errs, fmt.Errorf("MMATE_EXCHANGE_BINDINGS: %q references an undeclared exchange", part))
			continue
		}
		top.ExchangeBindings = append(top.ExchangeBindings, b)
	}

	if err := errors.Join(errs...); err != nil {
		return Topology{}, err
	}
	return top, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
