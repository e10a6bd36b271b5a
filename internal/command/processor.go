package command

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lindad/internal/service"
	"pkt.systems/lindad/internal/space"
	"pkt.systems/lindad/internal/svcfields"
	"pkt.systems/pslog"
)

// Processor executes protocol lines against a space. It is safe for
// concurrent use; all coordination happens inside the space.
type Processor struct {
	space   *space.Space
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *commandMetrics
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger supplies a logger.
func WithLogger(l pslog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a processor bound to sp.
func New(sp *space.Space, opts ...Option) *Processor {
	p := &Processor{
		space:  sp,
		logger: pslog.NoopLogger(),
		tracer: otel.Tracer("pkt.systems/lindad/command"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = svcfields.WithSubsystem(p.logger, "server.command")
	p.metrics = newCommandMetrics(p.logger)
	return p
}

// Space returns the space the processor operates on.
func (p *Processor) Space() *space.Space {
	return p.space
}

// Execute runs one protocol line and returns its reply. Protocol problems are
// reported through the reply; the error is non-nil only when ctx ends while a
// blocking operation is waiting, in which case nothing has been consumed.
func (p *Processor) Execute(ctx context.Context, line string) (Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	cmd, err := Parse(line)
	if err != nil {
		reply := rejection(err)
		p.logger.Debug("command.rejected", "status", reply.Status, "error", err)
		p.metrics.record(ctx, verbLabel(cmd.Verb), reply.Status, time.Since(start))
		return reply, nil
	}

	ctx, span := p.tracer.Start(ctx, "lindad.command."+string(cmd.Verb),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("lindad.key", cmd.Key)),
	)
	defer span.End()

	reply, err := p.run(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Debug("command.abandoned", "verb", cmd.Verb, "key", cmd.Key, "error", err)
		return Reply{}, err
	}
	span.SetAttributes(attribute.String("lindad.reply", string(reply.Status)))
	p.metrics.record(ctx, string(cmd.Verb), reply.Status, time.Since(start))
	p.logger.Trace("command.done", "verb", cmd.Verb, "key", cmd.Key, "status", reply.Status)
	return reply, nil
}

func (p *Processor) run(ctx context.Context, cmd Command) (Reply, error) {
	switch cmd.Verb {
	case VerbWrite:
		p.space.Produce(cmd.Key, cmd.Value)
		return OK(), nil
	case VerbRead:
		value, err := p.space.PeekContext(ctx, cmd.Key)
		if err != nil {
			return Reply{}, err
		}
		return OKValue(value), nil
	case VerbIn:
		value, err := p.space.ConsumeContext(ctx, cmd.Key)
		if err != nil {
			return Reply{}, err
		}
		return OKValue(value), nil
	case VerbExchange:
		return p.exchange(ctx, cmd)
	default:
		return Error(), nil
	}
}

// exchange consumes from cmd.Key before looking the service up. A parsed but
// unregistered id therefore loses the consumed value; this matches the
// protocol's documented behaviour and is not undone.
func (p *Processor) exchange(ctx context.Context, cmd Command) (Reply, error) {
	value, err := p.space.ConsumeContext(ctx, cmd.Key)
	if err != nil {
		return Reply{}, err
	}
	fn, ok := service.Lookup(cmd.Service)
	if !ok {
		p.logger.Info("command.exchange.discarded", "in", cmd.Key, "out", cmd.Out, "service", uint32(cmd.Service))
		return NoService(), nil
	}
	p.space.Produce(cmd.Out, fn(value))
	return OK(), nil
}

func rejection(err error) Reply {
	if errors.Is(err, ErrMalformedService) {
		return NoService()
	}
	return Error()
}

func verbLabel(v Verb) string {
	switch v {
	case VerbWrite, VerbRead, VerbIn, VerbExchange:
		return string(v)
	default:
		return "unknown"
	}
}
