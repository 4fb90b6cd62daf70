package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence during a verification.
type Event struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	Type           string                 `json:"type"`
	Source         string                 `json:"source"`
	VerificationID string                 `json:"verification_id,omitempty"`
	Workflow       string                 `json:"workflow,omitempty"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	Message        string                 `json:"message"`
	Level          string                 `json:"level"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeVerificationStarted   = "verification.started"
	EventTypeVerificationCompleted = "verification.completed"
	EventTypeVerificationAborted   = "verification.aborted"
	EventTypeResourceStatusChanged = "resource.status_changed"
	EventTypeResourceRegressed     = "resource.regressed"
	EventTypeSampleError           = "sample.error"
	EventTypeSampleErrorStreak     = "sample.error_streak"
	EventTypePolicyViolation       = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are
// buffered and delivered by one goroutine, so subscribers see them in order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishVerificationStarted publishes a verification started event.
func (ep *EventPublisher) PublishVerificationStarted(verificationID, workflow string, resources int) error {
	return ep.Publish(Event{
		Type:           EventTypeVerificationStarted,
		Source:         "poller",
		VerificationID: verificationID,
		Workflow:       workflow,
		Message:        fmt.Sprintf("Verifying %d resources of %s", resources, workflow),
		Level:          EventLevelInfo,
		Data:           map[string]interface{}{"resources": resources},
	})
}

// PublishVerificationCompleted publishes the final verdict of a verification.
func (ep *EventPublisher) PublishVerificationCompleted(verificationID, workflow, verdict string, elapsed time.Duration, ticks int) error {
	level := EventLevelInfo
	switch verdict {
	case "failed", "timed-out":
		level = EventLevelError
	case "partial-failure":
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:           EventTypeVerificationCompleted,
		Source:         "poller",
		VerificationID: verificationID,
		Workflow:       workflow,
		Message:        fmt.Sprintf("Workflow %s verdict %s after %d ticks", workflow, verdict, ticks),
		Level:          level,
		Data: map[string]interface{}{
			"verdict": verdict,
			"elapsed": elapsed.Seconds(),
			"ticks":   ticks,
		},
	})
}

// PublishResourceStatusChanged publishes a resource status transition.
func (ep *EventPublisher) PublishResourceStatusChanged(verificationID, workflow, resourceID, oldStatus, newStatus string) error {
	return ep.Publish(Event{
		Type:           EventTypeResourceStatusChanged,
		Source:         "poller",
		VerificationID: verificationID,
		Workflow:       workflow,
		ResourceID:     resourceID,
		Message:        fmt.Sprintf("Resource %s changed from %s to %s", resourceID, oldStatus, newStatus),
		Level:          EventLevelInfo,
		Data: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
		},
	})
}

// PublishVerificationAborted publishes a verification cancelled before its verdict.
func (ep *EventPublisher) PublishVerificationAborted(verificationID, workflow string, err error) error {
	return ep.Publish(Event{
		Type:           EventTypeVerificationAborted,
		Source:         "poller",
		VerificationID: verificationID,
		Workflow:       workflow,
		Message:        fmt.Sprintf("Verification of %s aborted: %v", workflow, err),
		Level:          EventLevelWarning,
	})
}

// PublishResourceRegressed publishes a resource that left success.
func (ep *EventPublisher) PublishResourceRegressed(verificationID, workflow, resourceID, newStatus string, tick int) error {
	return ep.Publish(Event{
		Type:           EventTypeResourceRegressed,
		Source:         "poller",
		VerificationID: verificationID,
		Workflow:       workflow,
		ResourceID:     resourceID,
		Message:        fmt.Sprintf("Resource %s regressed from success to %s", resourceID, newStatus),
		Level:          EventLevelWarning,
		Data: map[string]interface{}{
			"new_status": newStatus,
			"tick":       tick,
		},
	})
}

// PublishSampleErrorStreak publishes a resource whose reads keep failing.
func (ep *EventPublisher) PublishSampleErrorStreak(verificationID, workflow, resourceID string, streak int, lastError string) error {
	return ep.Publish(Event{
		Type:           EventTypeSampleErrorStreak,
		Source:         "sampler",
		VerificationID: verificationID,
		Workflow:       workflow,
		ResourceID:     resourceID,
		Message:        fmt.Sprintf("Status of %s failed %d reads in a row", resourceID, streak),
		Level:          EventLevelWarning,
		Data: map[string]interface{}{
			"consecutive_errors": streak,
			"last_error":         lastError,
		},
	})
}

// PublishSampleError publishes a failed status read.
func (ep *EventPublisher) PublishSampleError(workflow, resourceID string, err error) error {
	return ep.Publish(Event{
		Type:       EventTypeSampleError,
		Source:     "sampler",
		Workflow:   workflow,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Failed to read status of %s: %v", resourceID, err),
		Level:      EventLevelWarning,
	})
}

// PublishPolicyViolation publishes a policy violation found on an outcome.
func (ep *EventPublisher) PublishPolicyViolation(verificationID, workflow, policyName, reason string) error {
	return ep.Publish(Event{
		Type:           EventTypePolicyViolation,
		Source:         "policy_engine",
		VerificationID: verificationID,
		Workflow:       workflow,
		Message:        fmt.Sprintf("Policy %s violated: %s", policyName, reason),
		Level:          EventLevelError,
		Data:           map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByWorkflow creates a filter that only allows events for one workflow.
func FilterByWorkflow(workflow string) EventFilter {
	return func(event Event) bool {
		return event.Workflow == workflow
	}
}
