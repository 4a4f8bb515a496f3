package subscriber

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/shopfloorlabs/pulse/modules/command"
	"github.com/shopfloorlabs/pulse/modules/engine"
	"github.com/shopfloorlabs/pulse/modules/refdata"
	"github.com/shopfloorlabs/pulse/pkg/factory"
	"github.com/shopfloorlabs/pulse/pkg/sparkplug"
	util_log "github.com/shopfloorlabs/pulse/pkg/util/log"
)

const (
	qosAtLeastOnce = 1

	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 5 * time.Second
	keepAlive         = 30 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Backoff bounds, as vars so tests can shrink them.
var (
	reconnectMinBackoff = time.Second
	reconnectMaxBackoff = 30 * time.Second
	subscribeMinBackoff = 100 * time.Millisecond
	subscribeMaxBackoff = 2 * time.Second
)

const (
	reasonBadTopic           = "bad_topic"
	reasonUnknownLine        = "unknown_line"
	reasonBadPayload         = "bad_payload"
	reasonRefdataUnavailable = "refdata_unavailable"
)

// ConnState is the broker connection state as exported on the
// pulse_mqtt_connection_state gauge.
type ConnState int

const (
	ConnStateDisconnected ConnState = iota
	ConnStateConnecting
	ConnStateConnected
)

func (c ConnState) String() string {
	switch c {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Router receives every decoded broker message.
type Router interface {
	Route(ctx context.Context, machineID string, msgType sparkplug.MessageType, metric string, env sparkplug.Envelope)
}

var _ Router = (*engine.Engine)(nil)

// MachineSource lists the machines whose topics get subscribed and maps
// line codes back onto machine ids.
type MachineSource interface {
	OEEMachines(ctx context.Context) ([]factory.Machine, error)
	ResolveMachineIDByLineCode(ctx context.Context, lineCode string) (string, bool, error)
}

var _ MachineSource = (*refdata.Store)(nil)

type subscriberMetrics struct {
	connState     prometheus.Gauge
	reconnects    prometheus.Counter
	watchdogFires prometheus.Counter
	messages      prometheus.Counter
	dropped       *prometheus.CounterVec
}

func newSubscriberMetrics(reg prometheus.Registerer) *subscriberMetrics {
	return &subscriberMetrics{
		connState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "mqtt_connection_state",
			Help:      "Broker connection state. 0 disconnected, 1 connecting, 2 connected.",
		}),
		reconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "mqtt_reconnects_total",
			Help:      "Times the broker connection had to be re-established.",
		}),
		watchdogFires: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "mqtt_watchdog_fires_total",
			Help:      "Times the watchdog tore down a silent connection.",
		}),
		messages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "mqtt_messages_received_total",
			Help:      "Messages received from the broker.",
		}),
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "mqtt_messages_dropped_total",
			Help:      "Messages dropped before routing, by reason.",
		}, []string{"reason"}),
	}
}

// Subscriber owns the broker connection. It connects, subscribes the
// OEE topic set, and hands every message to the router. Reconnects are
// driven here, not by the MQTT client, so that the watchdog and the
// subscription set stay under one authority.
type Subscriber struct {
	services.Service

	cfg    Config
	scheme sparkplug.Scheme
	logger log.Logger

	store  MachineSource
	router Router

	clock    clockwork.Clock
	metrics  *subscriberMetrics
	debounce *util_log.Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	// newClient builds the concrete MQTT client. Swapped in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	tlsCfg      *tls.Config
	connLost    chan error
	lastMessage atomic.Int64
}

func New(cfg Config, scheme sparkplug.Scheme, store MachineSource, router Router, clock clockwork.Clock, logger log.Logger, reg prometheus.Registerer) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := scheme.Validate(); err != nil {
		return nil, err
	}

	logger = log.With(logger, "component", "subscriber")
	s := &Subscriber{
		cfg:      cfg,
		scheme:   scheme,
		logger:   logger,
		store:    store,
		router:   router,
		clock:    clock,
		metrics:  newSubscriberMetrics(reg),
		debounce: util_log.NewDebouncer(logger, time.Minute),
		connLost: make(chan error, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		return mqtt.NewClient(opts)
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

func (s *Subscriber) starting(context.Context) error {
	tlsCfg, err := s.cfg.BuildTLSConfig()
	if err != nil {
		return errors.Wrap(err, "building broker tls config")
	}
	s.tlsCfg = tlsCfg
	return nil
}

func (s *Subscriber) running(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: reconnectMinBackoff,
		MaxBackoff: reconnectMaxBackoff,
	})

	for boff.Ongoing() {
		s.setConnState(ConnStateConnecting)

		client, err := s.connectAndSubscribe(ctx)
		if err != nil {
			s.setConnState(ConnStateDisconnected)
			level.Warn(s.logger).Log("msg", "broker connect failed, backing off", "attempt", boff.NumRetries()+1, "err", err)
			boff.Wait()
			continue
		}
		boff.Reset()
		s.setConnState(ConnStateConnected)
		level.Info(s.logger).Log("msg", "connected to broker", "url", s.cfg.BrokerURL())

		reason, err := s.superviseConnection(ctx)
		s.setConnState(ConnStateDisconnected)
		client.Disconnect(disconnectQuiesce)
		if ctx.Err() != nil {
			return nil
		}

		s.metrics.reconnects.Inc()
		level.Warn(s.logger).Log("msg", "broker connection lost, reconnecting", "reason", reason, "err", err)
		boff.Wait()
	}
	if ctx.Err() != nil {
		return nil
	}
	return boff.Err()
}

func (s *Subscriber) stopping(_ error) error {
	s.cancel()
	return nil
}

// connectAndSubscribe dials the broker and subscribes every topic for
// every OEE machine. Any failure tears the fresh connection down again
// so the caller can retry from a clean slate.
func (s *Subscriber) connectAndSubscribe(ctx context.Context) (mqtt.Client, error) {
	machines, err := s.store.OEEMachines(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing oee machines")
	}
	if len(machines) == 0 {
		level.Warn(s.logger).Log("msg", "no machines carry the oee capability, nothing to subscribe to")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL()).
		SetClientID(clientID()).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password.String()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetConnectionLostHandler(s.onConnectionLost)
	if s.tlsCfg != nil {
		opts.SetTLSConfig(s.tlsCfg)
	}

	// Drop a stale loss notification from the previous client before
	// arming the new connection.
	select {
	case <-s.connLost:
	default:
	}

	client := s.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, errors.New("broker connect timed out")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, errors.Wrap(err, "connecting to broker")
	}

	for _, topic := range s.topicsFor(machines) {
		if err := s.subscribe(ctx, client, topic); err != nil {
			client.Disconnect(disconnectQuiesce)
			return nil, err
		}
	}

	s.lastMessage.Store(s.clock.Now().UnixNano())
	return client, nil
}

// topicsFor builds one DDATA topic per subscribable metric and one DCMD
// topic per stoppage command segment, for every machine.
func (s *Subscriber) topicsFor(machines []factory.Machine) []string {
	var topics []string
	for _, m := range machines {
		for _, metric := range engine.SubscribableMetrics() {
			topics = append(topics, s.scheme.Topic(m.Plant, m.Area, m.LineCode, sparkplug.MessageDDATA, metric))
		}
		for _, segment := range command.Segments() {
			topics = append(topics, s.scheme.Topic(m.Plant, m.Area, m.LineCode, sparkplug.MessageDCMD, segment))
		}
	}
	return topics
}

func (s *Subscriber) subscribe(ctx context.Context, client mqtt.Client, topic string) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: subscribeMinBackoff,
		MaxBackoff: subscribeMaxBackoff,
		MaxRetries: s.cfg.SubscribeRetries,
	})
	for boff.Ongoing() {
		token := client.Subscribe(topic, qosAtLeastOnce, s.onMessage)
		if token.WaitTimeout(subscribeTimeout) && token.Error() == nil {
			level.Debug(s.logger).Log("msg", "subscribed", "topic", topic)
			return nil
		}
		err := token.Error()
		if err == nil {
			err = errors.New("subscribe timed out")
		}
		level.Warn(s.logger).Log("msg", "subscribe failed, retrying", "topic", topic, "attempt", boff.NumRetries()+1, "err", err)
		boff.Wait()
	}
	return errors.Wrapf(boff.Err(), "subscribing to %s", topic)
}

// superviseConnection blocks until the connection drops, the watchdog
// gives up on it, or the service stops.
func (s *Subscriber) superviseConnection(ctx context.Context) (string, error) {
	poll := s.cfg.WatchdogTimeout / 4

	for {
		// A nil channel blocks forever, which disables the watchdog arm
		// of the select.
		var watchdog <-chan time.Time
		if poll > 0 {
			watchdog = s.clock.After(poll)
		}

		select {
		case <-ctx.Done():
			return "shutdown", nil
		case err := <-s.connLost:
			return "connection_lost", err
		case <-watchdog:
			idle := s.clock.Since(time.Unix(0, s.lastMessage.Load()))
			if idle >= s.cfg.WatchdogTimeout {
				s.metrics.watchdogFires.Inc()
				return "watchdog", fmt.Errorf("no message for %v", idle.Truncate(time.Second))
			}
		}
	}
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	select {
	case s.connLost <- err:
	default:
	}
}

// onMessage runs on the MQTT client's reader goroutine. It resolves the
// topic to a machine, decodes the payload and hands the result to the
// router. Anything unresolvable is counted and dropped.
func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.lastMessage.Store(s.clock.Now().UnixNano())
	s.metrics.messages.Inc()

	parsed, err := s.scheme.Parse(msg.Topic())
	if err != nil {
		s.metrics.dropped.WithLabelValues(reasonBadTopic).Inc()
		s.debounce.Warn("unparseable topic", "topic", msg.Topic(), "err", err)
		return
	}

	machineID, ok, err := s.store.ResolveMachineIDByLineCode(s.ctx, parsed.LineCode)
	if err != nil {
		s.metrics.dropped.WithLabelValues(reasonRefdataUnavailable).Inc()
		s.debounce.Warn("reference data unavailable, dropping message", "topic", msg.Topic(), "err", err)
		return
	}
	if !ok {
		s.metrics.dropped.WithLabelValues(reasonUnknownLine).Inc()
		s.debounce.Warn("no machine for line code", "line_code", parsed.LineCode)
		return
	}

	env, err := sparkplug.Decode(msg.Payload())
	if err != nil {
		s.metrics.dropped.WithLabelValues(reasonBadPayload).Inc()
		s.debounce.Warn("undecodable sparkplug payload", "topic", msg.Topic(), "err", err)
		return
	}

	s.router.Route(s.ctx, machineID, parsed.Type, parsed.Metric, env)
}

func (s *Subscriber) setConnState(st ConnState) {
	s.metrics.connState.Set(float64(st))
	level.Debug(s.logger).Log("msg", "broker connection state", "state", st)
}

func clientID() string {
	return "pulse-" + uuid.NewString()[:8]
}
