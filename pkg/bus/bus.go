// Package bus implements prioritized, retried message delivery between
// agents: a priority queue in front of the router, delivery statistics,
// per-event subscriptions, and periodic capability discovery.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/grantmesh/grantmesh/pkg/config"
	"github.com/grantmesh/grantmesh/pkg/events"
	"github.com/grantmesh/grantmesh/pkg/metrics"
	"github.com/grantmesh/grantmesh/pkg/models"
	"github.com/grantmesh/grantmesh/pkg/registry"
)

// Sentinel errors for bus operations.
var (
	// ErrQueueFull indicates the priority queue is at capacity; the message
	// was dropped and a message:dropped event emitted.
	ErrQueueFull = errors.New("message queue full")

	// ErrInvalidMessageType indicates an unknown message type.
	ErrInvalidMessageType = errors.New("invalid message type")

	// ErrMessageNotFound indicates no record exists for the message id.
	ErrMessageNotFound = errors.New("message not found")
)

// MessageEvent is the payload carried by message:* events.
type MessageEvent struct {
	MessageID   string             `json:"message_id"`
	MessageType models.MessageType `json:"message_type"`
	Priority    string             `json:"priority"`
	RetryCount  int                `json:"retry_count"`
	GrantID     int64              `json:"grant_id,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// SendOptions controls queueing behavior for one message.
type SendOptions struct {
	Priority models.Priority

	// MaxRetries bounds redelivery attempts; negative means the bus default.
	MaxRetries int
}

// DefaultSendOptions returns normal priority with the bus default retries.
func DefaultSendOptions() SendOptions {
	return SendOptions{Priority: models.PriorityNormal, MaxRetries: -1}
}

// BroadcastOptions controls recipient resolution for Broadcast.
type BroadcastOptions struct {
	Priority models.Priority
	Exclude  []models.AgentType
}

// DirectoryEntry is one agent type's slot in the discovery directory.
type DirectoryEntry struct {
	Type         models.AgentType    `json:"type"`
	Capabilities []string            `json:"capabilities"`
	Available    bool                `json:"available"`
	Agents       []*models.AgentInfo `json:"agents"`
}

// Stats is a snapshot of bus delivery accounting.
// TotalSent = TotalDelivered + TotalFailed + QueueSize + ProcessingSize
// holds at any quiescent point.
type Stats struct {
	TotalSent         int64            `json:"total_sent"`
	TotalDelivered    int64            `json:"total_delivered"`
	TotalFailed       int64            `json:"total_failed"`
	QueueSize         int              `json:"queue_size"`
	ProcessingSize    int              `json:"processing_size"`
	AverageDeliveryMs float64          `json:"average_delivery_ms"`
	ByPriority        map[string]int64 `json:"by_priority"`
}

// Bus is the priority message bus. All inter-component communication goes
// through it.
type Bus struct {
	cfg      *config.BusConfig
	registry *registry.Registry
	router   *Router
	emitter  *events.Emitter
	rec      *metrics.Recorder

	// Queue, in-flight set, records, and counters share one lock.
	mu             sync.Mutex
	queue          *priorityQueue
	processing     map[string]*models.QueuedMessage
	records        map[string]*models.QueuedMessage
	recordOrder    []string
	sent           int64
	delivered      int64
	failed         int64
	deliveryTotal  time.Duration
	sentByPriority map[models.Priority]int64

	subMu     sync.RWMutex
	eventSubs map[string]chan *models.Message // "agent|type" → channel

	dirMu     sync.RWMutex
	directory map[models.AgentType]*DirectoryEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New creates a bus. The metrics recorder may be nil (metrics disabled).
func New(cfg *config.BusConfig, reg *registry.Registry, emitter *events.Emitter, rec *metrics.Recorder) *Bus {
	return &Bus{
		cfg:            cfg,
		registry:       reg,
		router:         NewRouter(reg, cfg.MaxHistory),
		emitter:        emitter,
		rec:            rec,
		queue:          newPriorityQueue(),
		processing:     make(map[string]*models.QueuedMessage),
		records:        make(map[string]*models.QueuedMessage),
		sentByPriority: make(map[models.Priority]int64),
		eventSubs:      make(map[string]chan *models.Message),
		directory:      make(map[models.AgentType]*DirectoryEntry),
		stopCh:         make(chan struct{}),
	}
}

// Router exposes the underlying router for direct subscription wiring.
func (b *Bus) Router() *Router { return b.router }

// Start launches the processing and discovery loops.
// Safe to call multiple times; subsequent calls are no-ops.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		slog.Warn("Bus already started, ignoring duplicate Start call")
		return
	}
	b.started = true
	b.mu.Unlock()

	b.DiscoverAgents()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.runProcessing(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.runDiscovery(ctx)
	}()

	slog.Info("Message bus started",
		"processing_interval", b.cfg.ProcessingInterval,
		"batch_size", b.cfg.BatchSize,
		"max_queue_size", b.cfg.MaxQueueSize)
}

// Stop signals the loops to stop and waits for them to finish. The
// current batch completes; queued messages remain undelivered.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	slog.Info("Message bus stopped")
}

// Send routes a message and enqueues it for asynchronous delivery.
// Returns the assigned message id immediately; delivery happens on the
// processing loop.
func (b *Bus) Send(from models.AgentType, to []models.AgentType, msgType models.MessageType, data map[string]any, opts SendOptions) (string, error) {
	if !msgType.IsValid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidMessageType, msgType)
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = b.cfg.MaxRetries
	}

	b.mu.Lock()
	if b.queue.len() >= b.cfg.MaxQueueSize {
		b.mu.Unlock()
		b.rec.MessageDropped()
		b.emitter.Emit(events.MessageDropped, MessageEvent{
			MessageType: msgType,
			Priority:    opts.Priority.String(),
			Error:       "queue full",
		})
		slog.Warn("Message dropped, queue full",
			"message_type", msgType, "queue_size", b.cfg.MaxQueueSize)
		return "", ErrQueueFull
	}

	msg := b.router.Prepare(&models.Message{
		From: from,
		To:   append([]models.AgentType(nil), to...),
		Type: msgType,
		Data: data,
	})

	qm := &models.QueuedMessage{
		Message:    msg,
		Priority:   opts.Priority,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	b.queue.push(qm)
	b.records[msg.ID] = qm
	b.recordOrder = append(b.recordOrder, msg.ID)
	b.pruneRecordsLocked()
	b.sent++
	b.sentByPriority[opts.Priority]++
	depth := b.queue.len()
	b.mu.Unlock()

	b.rec.MessageSent(opts.Priority.String())
	b.rec.SetQueueDepth(depth)
	b.emitter.Emit(events.MessageQueued, b.messageEvent(qm))

	return msg.ID, nil
}

// Broadcast sends to every type with an active agent, excluding the
// sender and any explicit exclusions.
func (b *Bus) Broadcast(from models.AgentType, msgType models.MessageType, data map[string]any, opts BroadcastOptions) (string, error) {
	excluded := make(map[models.AgentType]bool, len(opts.Exclude)+1)
	excluded[from] = true
	for _, t := range opts.Exclude {
		excluded[t] = true
	}

	var to []models.AgentType
	for _, t := range b.router.activeTypes() {
		if !excluded[t] {
			to = append(to, t)
		}
	}
	return b.Send(from, to, msgType, data, SendOptions{Priority: opts.Priority, MaxRetries: -1})
}

// RequestEvaluation fans an evaluation request out to the evaluator set
// at high priority.
func (b *Bus) RequestEvaluation(from models.AgentType, grantID int64, grantData map[string]any) (string, error) {
	data, err := models.EncodePayload(models.EvaluationRequestPayload{
		GrantID:     grantID,
		GrantData:   grantData,
		RequestedAt: time.Now(),
	})
	if err != nil {
		return "", err
	}
	return b.Send(from, models.EvaluatorTypes(), models.MessageTypeEvaluationRequest, data,
		SendOptions{Priority: models.PriorityHigh, MaxRetries: -1})
}

// SubscribeToEvent registers a per-(agent, message type) notification
// channel, signalled each time a message of that type is delivered.
func (b *Bus) SubscribeToEvent(agentID string, msgType models.MessageType) (<-chan *models.Message, func()) {
	key := agentID + "|" + string(msgType)

	b.subMu.Lock()
	if old, exists := b.eventSubs[key]; exists {
		close(old)
	}
	ch := make(chan *models.Message, subscriberBuffer)
	b.eventSubs[key] = ch
	b.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.subMu.Lock()
			if cur, exists := b.eventSubs[key]; exists && cur == ch {
				delete(b.eventSubs, key)
				close(ch)
			}
			b.subMu.Unlock()
		})
	}
	return ch, cancel
}

// UnsubscribeFromEvent removes a per-(agent, message type) subscription.
func (b *Bus) UnsubscribeFromEvent(agentID string, msgType models.MessageType) {
	key := agentID + "|" + string(msgType)
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if ch, exists := b.eventSubs[key]; exists {
		delete(b.eventSubs, key)
		close(ch)
	}
}

// DiscoverAgents snapshots the registry into the capability-tagged
// directory and returns the fresh snapshot.
func (b *Bus) DiscoverAgents() map[models.AgentType]*DirectoryEntry {
	snapshot := make(map[models.AgentType]*DirectoryEntry, len(models.AllAgentTypes()))
	for _, t := range models.AllAgentTypes() {
		snapshot[t] = &DirectoryEntry{
			Type:         t,
			Capabilities: models.AgentCapabilities[t],
			Available:    b.registry.ActiveByType(t),
			Agents:       b.registry.GetByType(t),
		}
	}

	b.dirMu.Lock()
	b.directory = snapshot
	b.dirMu.Unlock()

	return snapshot
}

// FindByCapability returns the agent types advertising the capability.
func (b *Bus) FindByCapability(capability string) []models.AgentType {
	b.dirMu.RLock()
	defer b.dirMu.RUnlock()

	var result []models.AgentType
	for _, t := range models.AllAgentTypes() {
		entry, ok := b.directory[t]
		if !ok {
			continue
		}
		for _, c := range entry.Capabilities {
			if c == capability {
				result = append(result, t)
				break
			}
		}
	}
	return result
}

// GetMessage returns the queued-message record for an id.
func (b *Bus) GetMessage(id string) (*models.QueuedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qm, ok := b.records[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return copyQueued(qm), nil
}

// GetMessagesForGrant returns all recorded messages whose payload carries
// the grant id, ordered by creation time.
func (b *Bus) GetMessagesForGrant(grantID int64) []*models.QueuedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []*models.QueuedMessage
	for _, qm := range b.records {
		if id, ok := qm.Message.GrantID(); ok && id == grantID {
			result = append(result, copyQueued(qm))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ClearHistory removes terminal (delivered or failed) records created
// before the cutoff. Returns the number removed.
func (b *Bus) ClearHistory(olderThan time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	kept := b.recordOrder[:0]
	for _, id := range b.recordOrder {
		qm := b.records[id]
		terminal := qm.DeliveredAt != nil || qm.Error != ""
		if terminal && qm.CreatedAt.Before(olderThan) {
			delete(b.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	b.recordOrder = kept
	return removed
}

// FailedMessages returns records that exhausted their retries.
func (b *Bus) FailedMessages() []*models.QueuedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []*models.QueuedMessage
	for _, id := range b.recordOrder {
		if qm := b.records[id]; qm.Error != "" {
			result = append(result, copyQueued(qm))
		}
	}
	return result
}

// GetStats returns a snapshot of delivery accounting.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		TotalSent:      b.sent,
		TotalDelivered: b.delivered,
		TotalFailed:    b.failed,
		QueueSize:      b.queue.len(),
		ProcessingSize: len(b.processing),
		ByPriority:     make(map[string]int64, len(b.sentByPriority)),
	}
	if b.delivered > 0 {
		stats.AverageDeliveryMs = float64(b.deliveryTotal.Milliseconds()) / float64(b.delivered)
	}
	for p, n := range b.sentByPriority {
		stats.ByPriority[p.String()] = n
	}
	return stats
}

// runProcessing drains the queue in batches on a fixed interval.
func (b *Bus) runProcessing(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.processBatch()
		}
	}
}

// runDiscovery refreshes the capability directory on a fixed interval.
func (b *Bus) runDiscovery(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.DiscoverAgents()
		}
	}
}

// processBatch dequeues up to batch_size messages and attempts delivery
// of each.
func (b *Bus) processBatch() {
	b.mu.Lock()
	batch := make([]*models.QueuedMessage, 0, b.cfg.BatchSize)
	for len(batch) < b.cfg.BatchSize {
		qm, ok := b.queue.pop()
		if !ok {
			break
		}
		now := time.Now()
		qm.ProcessingStartedAt = &now
		b.processing[qm.Message.ID] = qm
		batch = append(batch, qm)
	}
	depth := b.queue.len()
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	b.rec.SetQueueDepth(depth)

	for _, qm := range batch {
		b.deliver(qm)
	}
}

// deliver attempts delivery of one in-flight message: all recipient types
// must have an active agent, otherwise the message is retried or failed.
func (b *Bus) deliver(qm *models.QueuedMessage) {
	msg := qm.Message

	var unavailable []models.AgentType
	for _, t := range msg.To {
		if !b.registry.ActiveByType(t) {
			unavailable = append(unavailable, t)
		}
	}

	if len(unavailable) == 0 {
		now := time.Now()
		qm.DeliveredAt = &now
		latency := now.Sub(qm.CreatedAt)

		b.mu.Lock()
		delete(b.processing, msg.ID)
		b.delivered++
		b.deliveryTotal += latency
		b.mu.Unlock()

		b.router.Notify(msg)
		b.rec.MessageDelivered(latency)
		b.emitter.Emit(events.MessageDelivered, b.messageEvent(qm))
		b.notifyEventSubscribers(msg)
		return
	}

	if qm.RetryCount < qm.MaxRetries {
		qm.RetryCount++
		b.mu.Lock()
		delete(b.processing, msg.ID)
		qm.ProcessingStartedAt = nil
		b.queue.push(qm)
		b.mu.Unlock()

		b.rec.MessageRetried()
		b.emitter.Emit(events.MessageRetry, b.messageEvent(qm))
		slog.Debug("Message requeued, recipients unavailable",
			"message_id", msg.ID, "unavailable", unavailable, "retry_count", qm.RetryCount)
		return
	}

	qm.Error = fmt.Sprintf("no active agent for types: %v", unavailable)
	b.mu.Lock()
	delete(b.processing, msg.ID)
	b.failed++
	b.mu.Unlock()

	b.rec.MessageFailed()
	b.emitter.Emit(events.MessageFailed, b.messageEvent(qm))
	slog.Warn("Message failed, retries exhausted",
		"message_id", msg.ID, "message_type", msg.Type,
		"retry_count", qm.RetryCount, "unavailable", unavailable)
}

// notifyEventSubscribers signals every (agent, type) subscription matching
// the delivered message's type.
func (b *Bus) notifyEventSubscribers(msg *models.Message) {
	suffix := "|" + string(msg.Type)

	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for key, ch := range b.eventSubs {
		if len(key) < len(suffix) || key[len(key)-len(suffix):] != suffix {
			continue
		}
		select {
		case ch <- msg.Clone():
		default:
			slog.Warn("Event subscriber channel full, dropping notification",
				"subscription", key, "message_id", msg.ID)
		}
	}
}

// pruneRecordsLocked drops the oldest terminal records beyond the history
// horizon. In-flight and queued records are never pruned.
func (b *Bus) pruneRecordsLocked() {
	if len(b.records) <= b.cfg.MaxHistory {
		return
	}
	kept := b.recordOrder[:0]
	excess := len(b.records) - b.cfg.MaxHistory
	for _, id := range b.recordOrder {
		qm := b.records[id]
		terminal := qm.DeliveredAt != nil || qm.Error != ""
		if excess > 0 && terminal {
			delete(b.records, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	b.recordOrder = kept
}

func (b *Bus) messageEvent(qm *models.QueuedMessage) MessageEvent {
	evt := MessageEvent{
		MessageID:   qm.Message.ID,
		MessageType: qm.Message.Type,
		Priority:    qm.Priority.String(),
		RetryCount:  qm.RetryCount,
		Error:       qm.Error,
	}
	if grantID, ok := qm.Message.GrantID(); ok {
		evt.GrantID = grantID
	}
	return evt
}

func copyQueued(qm *models.QueuedMessage) *models.QueuedMessage {
	cp := *qm
	cp.Message = qm.Message.Clone()
	return &cp
}
