package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/Deepreo/jobs/core"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const DefaultPoisonQueueTopic = "poison_queue"

type Config struct {
	PoisonQueueTopic string        `mapstructure:"poison_queue_topic"`
	MaxRetries       int           `mapstructure:"max_retries"`
	OutputBuffer     int64         `mapstructure:"output_buffer"`
	InitialInterval  time.Duration `mapstructure:"initial_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
}

func (c Config) withDefaults() Config {
	if c.PoisonQueueTopic == "" {
		c.PoisonQueueTopic = DefaultPoisonQueueTopic
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = time.Second
	}
	return c
}

type inMemory struct {
	router *message.Router
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter
	cfg    Config
}

func NewInMemory(sl *slog.Logger, cfgs ...Config) (*inMemory, error) {
	var cfg Config
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	cfg = cfg.withDefaults()

	logger := watermill.NewSlogLogger(sl)
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}
	// PreserveContext: trace bilgisinin handler'lara taşınması için context mesajla birlikte gider.
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		PreserveContext:     true,
		OutputChannelBuffer: cfg.OutputBuffer,
	}, logger)
	router.AddPlugin(plugin.SignalsHandler)
	return &inMemory{router: router, pubSub: pubSub, logger: logger, cfg: cfg}, nil
}

func (b *inMemory) Use(middleware ...message.HandlerMiddleware) {
	b.router.AddMiddleware(middleware...)
}

func (b *inMemory) AddPublisherDecorator(decorators ...message.PublisherDecorator) {
	b.router.AddPublisherDecorators(decorators...)
}

// Publisher exposes the raw pub/sub so other transports, such as the message executor,
// share the same in-process broker.
func (b *inMemory) Publisher() message.Publisher {
	return &traceContextPublisher{b.pubSub}
}

func (b *inMemory) Subscriber() message.Subscriber {
	return b.pubSub
}

func (b *inMemory) Publish(ctx context.Context, event core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessageWithContext(ctx, watermill.NewUUID(), payload)
	msg.Metadata.Set("event_name", event.EventName())
	return b.Publisher().Publish(event.EventName(), msg)
}

func (b *inMemory) Subscribe(prototype core.Event, handler core.EventHandler[core.Event]) error {
	eventName := prototype.EventName()
	// Her mesaj için prototipin tipinden yeni bir instance üretilir.
	eventType := reflect.TypeOf(prototype)
	if eventType.Kind() == reflect.Ptr {
		eventType = eventType.Elem()
	}

	b.router.AddNoPublisherHandler(
		eventName+"_"+watermill.NewShortUUID(),
		eventName,
		b.pubSub,
		func(msg *message.Message) error {
			newEvent := reflect.New(eventType).Interface()
			if err := json.Unmarshal(msg.Payload, newEvent); err != nil {
				return err
			}
			evt, ok := newEvent.(core.Event)
			if !ok {
				return fmt.Errorf("failed to cast %T to core.Event", newEvent)
			}
			return handler.Handle(msg.Context(), evt)
		},
	)
	return nil
}

// Running is closed once the router is ready to deliver messages.
func (b *inMemory) Running() chan struct{} {
	return b.router.Running()
}

func (b *inMemory) Run(ctx context.Context) error {
	poisonQueueMiddleware, err := middleware.PoisonQueue(b.pubSub, b.cfg.PoisonQueueTopic)
	if err != nil {
		return err
	}

	retryMiddleware := middleware.Retry{
		MaxRetries:      b.cfg.MaxRetries,
		InitialInterval: b.cfg.InitialInterval,
		MaxInterval:     b.cfg.MaxInterval,
		Multiplier:      2.0,
		Logger:          b.logger,
	}

	b.router.AddMiddleware(
		OTelMiddleware,
		poisonQueueMiddleware,
		retryMiddleware.Middleware,
	)
	b.AddPublisherDecorator(TraceContextDecorator)

	return b.router.Run(ctx)
}

func (b *inMemory) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubSub.Close()
}
