package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	nodex "github.com/tanpawarit/chative-voice-orchestrator/agent/nodes"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
)

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrInvalidSession = nodex.ErrInvalidSession
	ErrInvalidEvent   = nodex.ErrInvalidEvent

	errSessionEnded = errors.New("session ended")
)

const (
	FallbackUtterance = "I'm sorry, I'm having some technical trouble on my end. Someone from our team will follow up with you shortly."
	RetryUtterance    = "Let me try that differently."

	// MetaOutcome holds the outcome the model chose when it ended the call.
	MetaOutcome = "outcome"
)

type Config struct {
	ModelAttempts   int           `envconfig:"MODEL_ATTEMPTS" split_words:"true" default:"3"`
	ModelTimeout    time.Duration `envconfig:"MODEL_TIMEOUT" split_words:"true" default:"8s"`
	ModelBackoff    time.Duration `envconfig:"MODEL_BACKOFF" split_words:"true" default:"250ms"`
	// StepReserve is kept back from the step deadline for the failure write.
	StepReserve     time.Duration `envconfig:"STEP_RESERVE" split_words:"true" default:"2s"`
	MaxToolRounds   int           `envconfig:"MAX_TOOL_ROUNDS" split_words:"true" default:"5"`
	MaxConflicts    int           `envconfig:"MAX_CONFLICTS" split_words:"true" default:"3"`
	PostCallTimeout time.Duration `envconfig:"POST_CALL_TIMEOUT" split_words:"true" default:"10s"`
}

func (c Config) withDefaults() Config {
	if c.ModelAttempts <= 0 {
		c.ModelAttempts = 3
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 8 * time.Second
	}
	if c.StepReserve <= 0 {
		c.StepReserve = 2 * time.Second
	}
	if c.ModelBackoff <= 0 {
		c.ModelBackoff = 250 * time.Millisecond
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 5
	}
	if c.MaxConflicts <= 0 {
		c.MaxConflicts = 3
	}
	if c.PostCallTimeout <= 0 {
		c.PostCallTimeout = 10 * time.Second
	}
	return c
}

// Orchestrator runs one conversation step per inbound call event. All session
// writes go through compare-and-update, so concurrent steps for the same call
// never interleave their mutations.
type Orchestrator struct {
	store    statex.Store
	decider  contractx.Decider
	tools    contractx.ToolInvoker
	catalog  contractx.ToolCatalog
	workflow contractx.WorkflowTrigger
	logger   zerolog.Logger
	cfg      Config

	graphRunner compose.Runnable[nodex.GraphInput, contractx.StepOutput]

	// background tracks tool calls and post-call triggers that outlive a step.
	background sync.WaitGroup

	now       func() time.Time
	newCallID func() string
}

func New(
	store statex.Store,
	decider contractx.Decider,
	tools contractx.ToolInvoker,
	catalog contractx.ToolCatalog,
	workflow contractx.WorkflowTrigger,
	logger zerolog.Logger,
	cfg Config,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if decider == nil {
		return nil, errors.New("decider is required")
	}
	if tools == nil {
		return nil, errors.New("tool invoker is required")
	}
	if catalog == nil {
		catalog = emptyCatalog{}
	}
	if workflow == nil {
		workflow = noopWorkflow{}
	}

	o := &Orchestrator{
		store:     store,
		decider:   decider,
		tools:     tools,
		catalog:   catalog,
		workflow:  workflow,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		newCallID: func() string { return "call_" + uuid.NewString() },
	}

	graphRunner, err := o.compileStepGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// Step applies one call event to the session and returns what the caller hears.
func (o *Orchestrator) Step(ctx context.Context, sessionID string, ev contractx.Event) (contractx.StepOutput, error) {
	return o.graphRunner.Invoke(ctx, nodex.GraphInput{
		SessionID: sessionID,
		Event:     ev,
	})
}

// Wait blocks until detached tool calls and post-call triggers have finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

type emptyCatalog struct{}

func (emptyCatalog) Catalog() []contractx.ToolSpec {
	return nil
}

type noopWorkflow struct{}

func (noopWorkflow) TriggerPostCall(context.Context, contractx.CallOutcome) error {
	return nil
}
