package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the exchanges, queues and bindings a component needs
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// HostTopology is the topology of a preview host: a direct exchange named
// <prefix>.host routing the host key to the <prefix>.host.inbox queue.
// The inbox is transient since previews re-announce themselves on restart.
func HostTopology(prefix string) Topology {
	exchange := HostExchange(prefix)
	inbox := HostInbox(prefix)
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: exchange, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: inbox, AutoDelete: true, Arguments: amqp.Table{"x-message-ttl": int32(60000)}},
		},
		Bindings: []Binding{
			{Queue: inbox, Exchange: exchange, RoutingKey: HostRoutingKey},
		},
	}
}

// HostRoutingKey is the key previews publish to.
const HostRoutingKey = "host"

// HostExchange returns the exchange previews publish to.
func HostExchange(prefix string) string {
	return prefix + ".host"
}

// HostInbox returns the queue the host consumes.
func HostInbox(prefix string) string {
	return prefix + ".host.inbox"
}

// Declare declares topology on ch: exchanges, then queues, then bindings.
func Declare(ch Channel, topology Topology) error {
	for _, ex := range topology.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, ex.Arguments); err != nil {
			return &TopologyError{Component: "exchange", Name: ex.Name, Err: err}
		}
	}
	for _, q := range topology.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Err: err}
		}
	}
	for _, b := range topology.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
			return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Err: err}
		}
	}
	return nil
}
