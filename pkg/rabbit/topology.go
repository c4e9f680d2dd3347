package rabbit

import (
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue argument keys that route rejected messages to the dead-letter path.
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// ExchangeKind is the AMQP exchange type.
type ExchangeKind string

const (
	KindDirect  ExchangeKind = amqp.ExchangeDirect
	KindTopic   ExchangeKind = amqp.ExchangeTopic
	KindFanout  ExchangeKind = amqp.ExchangeFanout
	KindHeaders ExchangeKind = amqp.ExchangeHeaders
)

// Exchange describes an exchange declaration.
type Exchange struct {
	// Name of the exchange. The default exchange ("") cannot be declared.
	Name string `validate:"required"`

	// Kind selects the routing algorithm: direct, topic, fanout or headers.
	Kind ExchangeKind `validate:"required,oneof=direct topic fanout headers"`

	// Durable exchanges survive a broker restart.
	Durable bool

	// AutoDelete removes the exchange once its last binding is gone.
	AutoDelete bool

	// Internal exchanges accept messages only from other exchanges.
	Internal bool

	// Passive only checks that the exchange exists. Declaring a missing
	// exchange passively fails with ErrNotFound.
	Passive bool

	// Arguments are passed to the broker unchanged.
	Arguments amqp.Table
}

// Queue describes a queue declaration. An empty Name lets the broker pick one.
type Queue struct {
	// Name of the queue, or empty for a broker-named queue. Consumers use
	// the name the broker returned on declaration.
	Name string

	// Durable queues survive a broker restart.
	Durable bool

	// Exclusive queues belong to the declaring connection and are removed
	// when it closes.
	Exclusive bool

	// AutoDelete removes the queue once its last consumer is gone.
	AutoDelete bool

	// Arguments are passed to the broker. NewTopology adds the dead-letter
	// arguments here when a DeadLetter is configured.
	Arguments amqp.Table
}

// Binding binds the queue to Exchange with RoutingKey.
type Binding struct {
	// Exchange is the source exchange. Empty means the Definition's exchange.
	Exchange string

	// RoutingKey is matched against the key of published messages.
	RoutingKey string

	// Arguments are passed to the broker, e.g. the match table of a headers
	// exchange.
	Arguments amqp.Table
}

// DeadLetter mirrors the primary path for rejected and expired messages.
type DeadLetter struct {
	// Exchange receives the messages the primary queue dead-letters.
	Exchange Exchange

	// Queue holds dead-lettered messages until someone inspects them.
	Queue Queue

	// Binding connects Queue to Exchange. Its RoutingKey becomes the
	// x-dead-letter-routing-key of the primary queue.
	Binding Binding
}

// QoS is the prefetch applied once per channel.
type QoS struct {
	// PrefetchCount is the number of unacked deliveries the broker sends
	// ahead. Zero means unlimited.
	PrefetchCount int `validate:"gte=0"`

	// PrefetchSize limits unacked deliveries by body size in bytes. Zero
	// means unlimited.
	PrefetchSize int `validate:"gte=0"`

	// Global applies the limit to the whole channel instead of per consumer.
	Global bool
}

// Definition is the user-filled input of NewTopology.
type Definition struct {
	// Exchange is the primary exchange messages are published to.
	Exchange Exchange

	// Queue is the primary queue consumers read from.
	Queue Queue

	// Binding connects Queue to Exchange.
	Binding Binding

	// DeadLetter is the optional path for rejected and expired messages.
	DeadLetter *DeadLetter

	// QoS is the optional prefetch for channels consuming Queue.
	QoS *QoS
}

// Topology is a validated, immutable descriptor of one exchange, its primary
// queue and binding, and an optional dead-letter path. Accessors return
// copies, so a Topology can be shared freely between goroutines.
type Topology struct {
	def Definition
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// NewTopology validates def and returns an immutable Topology.
//
// Dead-letter arguments on the queue must agree with def.DeadLetter: a queue
// that names a dead-letter exchange without a matching DeadLetter is rejected,
// since failures would otherwise vanish. When DeadLetter is set but the queue
// arguments do not mention it, the x-dead-letter-* arguments are added.
func NewTopology(def Definition) (*Topology, error) {
	def = copyDefinition(def)

	if err := structValidator().Struct(def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopology, err)
	}

	if def.Binding.Exchange == "" {
		def.Binding.Exchange = def.Exchange.Name
	}
	if def.Binding.Exchange != def.Exchange.Name {
		return nil, fmt.Errorf("%w: binding exchange %q differs from exchange %q",
			ErrInvalidTopology, def.Binding.Exchange, def.Exchange.Name)
	}

	if dl := def.DeadLetter; dl != nil {
		if dl.Queue.Name == "" {
			return nil, fmt.Errorf("%w: dead-letter queue needs a name", ErrInvalidTopology)
		}
		if dl.Binding.Exchange == "" {
			dl.Binding.Exchange = dl.Exchange.Name
		}
		if dl.Binding.Exchange != dl.Exchange.Name {
			return nil, fmt.Errorf("%w: dead-letter binding exchange %q differs from %q",
				ErrInvalidTopology, dl.Binding.Exchange, dl.Exchange.Name)
		}
	}

	if err := reconcileDeadLetterArgs(&def); err != nil {
		return nil, err
	}

	return &Topology{def: def}, nil
}

// MustTopology is NewTopology for static definitions; it panics on error.
func MustTopology(def Definition) *Topology {
	t, err := NewTopology(def)
	if err != nil {
		panic(err)
	}
	return t
}

func reconcileDeadLetterArgs(def *Definition) error {
	args := def.Queue.Arguments
	rawExchange, hasExchange := args[ArgDeadLetterExchange]
	rawKey, hasKey := args[ArgDeadLetterRoutingKey]

	dl := def.DeadLetter
	if dl == nil {
		if hasExchange || hasKey {
			return fmt.Errorf("%w: queue %q declares %s but no dead-letter path is configured",
				ErrInvalidTopology, def.Queue.Name, ArgDeadLetterExchange)
		}
		return nil
	}

	if !hasExchange && hasKey {
		return fmt.Errorf("%w: queue %q declares %s without %s",
			ErrInvalidTopology, def.Queue.Name, ArgDeadLetterRoutingKey, ArgDeadLetterExchange)
	}

	if hasExchange {
		if name, _ := rawExchange.(string); name != dl.Exchange.Name {
			return fmt.Errorf("%w: queue %q dead-letters to %v but dead-letter exchange is %q",
				ErrInvalidTopology, def.Queue.Name, rawExchange, dl.Exchange.Name)
		}
		if hasKey {
			if key, _ := rawKey.(string); key != dl.Binding.RoutingKey {
				return fmt.Errorf("%w: queue %q dead-letter routing key %v differs from binding key %q",
					ErrInvalidTopology, def.Queue.Name, rawKey, dl.Binding.RoutingKey)
			}
		}
		return nil
	}

	if def.Queue.Arguments == nil {
		def.Queue.Arguments = amqp.Table{}
	}
	def.Queue.Arguments[ArgDeadLetterExchange] = dl.Exchange.Name
	def.Queue.Arguments[ArgDeadLetterRoutingKey] = dl.Binding.RoutingKey
	return nil
}

// UniqueID identifies the topology in caches and registries. It is the queue
// name, or "exchange@<name>" for broker-named queues.
func (t *Topology) UniqueID() string {
	if t.def.Queue.Name != "" {
		return t.def.Queue.Name
	}
	return "exchange@" + t.def.Exchange.Name
}

func (t *Topology) Exchange() Exchange {
	e := t.def.Exchange
	e.Arguments = copyTable(e.Arguments)
	return e
}

func (t *Topology) Queue() Queue {
	q := t.def.Queue
	q.Arguments = copyTable(q.Arguments)
	return q
}

func (t *Topology) Binding() Binding {
	b := t.def.Binding
	b.Arguments = copyTable(b.Arguments)
	return b
}

// DeadLetter returns the dead-letter path, nil when none is configured.
func (t *Topology) DeadLetter() *DeadLetter {
	return copyDeadLetter(t.def.DeadLetter)
}

// QoS returns the prefetch settings, nil when none are configured.
func (t *Topology) QoS() *QoS {
	if t.def.QoS == nil {
		return nil
	}
	q := *t.def.QoS
	return &q
}

func (t *Topology) String() string {
	return fmt.Sprintf("%s -> %s [%s]", t.def.Exchange.Name, t.UniqueID(), t.def.Binding.RoutingKey)
}

func copyDefinition(def Definition) Definition {
	def.Exchange.Arguments = copyTable(def.Exchange.Arguments)
	def.Queue.Arguments = copyTable(def.Queue.Arguments)
	def.Binding.Arguments = copyTable(def.Binding.Arguments)
	def.DeadLetter = copyDeadLetter(def.DeadLetter)
	if def.QoS != nil {
		q := *def.QoS
		def.QoS = &q
	}
	return def
}

func copyDeadLetter(dl *DeadLetter) *DeadLetter {
	if dl == nil {
		return nil
	}
	c := *dl
	c.Exchange.Arguments = copyTable(c.Exchange.Arguments)
	c.Queue.Arguments = copyTable(c.Queue.Arguments)
	c.Binding.Arguments = copyTable(c.Binding.Arguments)
	return &c
}

// copyTable copies nested tables too; other values are immutable scalars.
func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	c := maps.Clone(t)
	for k, v := range c {
		if nested, ok := v.(amqp.Table); ok {
			c[k] = copyTable(nested)
		}
	}
	return c
}

// Registry holds the descriptors a process declares at startup.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Topology
	order []string
}

// NewRegistry returns a registry holding topologies. Duplicate ids are an error.
func NewRegistry(topologies ...*Topology) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Topology)}
	for _, t := range topologies {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers t.
func (r *Registry) Add(t *Topology) error {
	if t == nil {
		return fmt.Errorf("%w: nil topology", ErrInvalidTopology)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.UniqueID()
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTopology, id)
	}
	r.byID[id] = t
	r.order = append(r.order, id)
	return nil
}

// Get looks up a descriptor by UniqueID.
func (r *Registry) Get(id string) (*Topology, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// All returns the descriptors in registration order.
func (r *Registry) All() []*Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Topology, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns the registered ids sorted alphabetically.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	sort.Strings(ids)
	return ids
}
