// Package agent runs one coordination-substrate instance: it receives
// assignments off the bus, recalls and compresses project memory into a
// prompt, calls the language-model capability, persists the output, and
// replies with a RESULT on the assignment's correlation chain. Failures
// while producing a result become a rejected-result reply, never a
// crash.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"guild/pkg/bus"
	"guild/pkg/compress"
	"guild/pkg/llm"
	"guild/pkg/memory"
	"guild/pkg/protocol"
)

// Config describes one agent instance. Zero values take the defaults.
type Config struct {
	InstanceID   string
	Role         string
	Capabilities []string
	Projects     []string

	RouterID          string        // default "router"
	ContextBudget     int           // prompt memory budget in tokens (default 2000)
	MaxTokens         int           // completion cap (default 1024)
	HeartbeatInterval time.Duration // default 15s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RouterID == "" {
		out.RouterID = "router"
	}
	if out.ContextBudget == 0 {
		out.ContextBudget = 2000
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 1024
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = 15 * time.Second
	}
	return out
}

// Agent is one running instance.
type Agent struct {
	cfg      Config
	bus      *bus.Bus
	memories *memory.Store
	provider llm.Provider

	mu      sync.Mutex
	aborted map[string]bool // task ids cancelled mid-flight
	active  map[string]bool // task ids with a completion in flight
	wg      sync.WaitGroup

	nowFunc func() time.Time
	logf    func(format string, args ...any)
}

// New creates an agent. It does not start the loop — call Run.
func New(cfg Config, b *bus.Bus, memories *memory.Store, provider llm.Provider) *Agent {
	resolved := cfg.withDefaults()
	return &Agent{
		cfg:      resolved,
		bus:      b,
		memories: memories,
		provider: provider,
		aborted:  make(map[string]bool),
		active:   make(map[string]bool),
		nowFunc:  time.Now,
		logf: func(format string, args ...any) {
			log.Printf("[agent %s] "+format, append([]any{resolved.InstanceID}, args...)...)
		},
	}
}

// Run subscribes the instance and processes messages until ctx ends.
// Assignments are worked on their own goroutines, so heartbeats keep
// their cadence through a completion that outlasts the router's
// liveness timeout.
func (a *Agent) Run(ctx context.Context) error {
	sub, err := a.bus.Subscribe(bus.Binding{
		InstanceID:   a.cfg.InstanceID,
		Role:         a.cfg.Role,
		Capabilities: a.cfg.Capabilities,
		Projects:     a.cfg.Projects,
	})
	if err != nil {
		return fmt.Errorf("agent subscribe: %w", err)
	}
	defer sub.Close()
	defer a.wg.Wait()

	msgCh := make(chan protocol.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := sub.Receive(ctx)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	a.emitHeartbeat(ctx)
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("agent receive: %w", err)
		case <-ticker.C:
			a.emitHeartbeat(ctx)
		case msg := <-msgCh:
			a.handleMessage(ctx, sub, msg)
		}
	}
}

// handleMessage dispatches one delivery and acknowledges it. Handler
// failures still ack: the message was consumed, and the outcome goes
// back to the router as a rejected result. Assignments ack on receipt
// and run async; the RESULT reply, not the ack, is the completion
// signal.
func (a *Agent) handleMessage(ctx context.Context, sub *bus.Subscription, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindAssignment:
		if msg.Assignment != nil {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleAssignment(ctx, msg)
			}()
		}
	case protocol.KindCancel:
		if msg.Cancel != nil {
			a.handleCancel(msg.Cancel.TaskID)
		}
	default:
		// STATUS and NOTICE broadcasts are informational.
	}

	if msg.Mode.RequiresAck() {
		if err := sub.Ack(ctx, msg); err != nil {
			a.logf("ack %s: %v", msg.ID, err)
		}
	}
}

// handleCancel marks the task aborted. The flag is checked at each
// capability-call boundary, so a running completion finishes but its
// result is discarded.
func (a *Agent) handleCancel(taskID string) {
	a.mu.Lock()
	a.aborted[taskID] = true
	a.mu.Unlock()
	a.logf("task %s cancelled", taskID)
}

func (a *Agent) isAborted(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted[taskID]
}

// handleAssignment produces a result for the task and replies on the
// assignment's correlation chain.
func (a *Agent) handleAssignment(ctx context.Context, msg protocol.Message) {
	task := msg.Assignment

	a.mu.Lock()
	a.active[task.TaskID] = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.active, task.TaskID)
		a.mu.Unlock()
	}()

	res := a.produce(ctx, task)

	reply := msg.Reply(a.cfg.InstanceID, protocol.KindResult, a.nowFunc())
	reply.Result = &res
	if _, err := a.bus.Publish(ctx, reply); err != nil {
		a.logf("publish result for %s: %v", task.TaskID, err)
	}
}

// produce runs the recall -> compress -> complete -> persist pipeline.
// Every failure path returns a rejected result.
func (a *Agent) produce(ctx context.Context, task *protocol.AssignmentPayload) protocol.ResultPayload {
	rejected := func(reason string) protocol.ResultPayload {
		return protocol.ResultPayload{
			TaskID:    task.TaskID,
			ProjectID: task.ProjectID,
			Rejected:  true,
			Reason:    reason,
		}
	}

	if a.isAborted(task.TaskID) {
		return rejected("task cancelled before work started")
	}

	prompt, err := a.buildPrompt(ctx, task)
	if err != nil {
		return rejected(fmt.Sprintf("memory recall failed: %v", err))
	}

	output, err := a.complete(ctx, task.TaskID, prompt)
	if err != nil {
		return rejected(err.Error())
	}

	if a.isAborted(task.TaskID) {
		return rejected("task cancelled during completion")
	}

	markers, cleaned := memory.ExtractMarkers(output)
	// Prose-level facts ("Note: ...") land in the working tier too;
	// decay sorts out which ones matter.
	markers = append(markers, memory.ExtractImplicit(cleaned)...)
	for _, m := range markers {
		if _, err := a.memories.Write(ctx, memory.WriteParams{
			ProjectID:  task.ProjectID,
			AgentID:    a.cfg.InstanceID,
			Tier:       m.Tier,
			Content:    m.Content,
			Importance: m.Importance,
			SourceTask: task.TaskID,
		}); err != nil {
			a.logf("store marker for %s: %v", task.TaskID, err)
		}
	}

	memID, err := a.memories.Write(ctx, memory.WriteParams{
		ProjectID:  task.ProjectID,
		AgentID:    a.cfg.InstanceID,
		Tier:       protocol.TierWorking,
		Content:    cleaned,
		SourceTask: task.TaskID,
	})
	if err != nil {
		// The result is still good; the router records it instead.
		a.logf("persist output for %s: %v", task.TaskID, err)
	}

	return protocol.ResultPayload{
		TaskID:    task.TaskID,
		ProjectID: task.ProjectID,
		Output:    cleaned,
		MemoryID:  memID,
	}
}

// complete calls the provider, retrying once on a transient failure.
func (a *Agent) complete(ctx context.Context, taskID, prompt string) (string, error) {
	req := llm.Request{Prompt: prompt, MaxTokens: a.cfg.MaxTokens}

	resp, err := a.provider.Complete(ctx, req)
	if err != nil && llm.Retryable(err) && !a.isAborted(taskID) {
		a.logf("completion for %s failed, retrying once: %v", taskID, err)
		resp, err = a.provider.Complete(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("capability call failed: %w", err)
	}
	return resp.Text, nil
}

// buildPrompt recalls project memory, compresses it to the context
// budget, and frames the assignment.
func (a *Agent) buildPrompt(ctx context.Context, task *protocol.AssignmentPayload) (string, error) {
	recall, err := a.recall(ctx, task)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s agent.\n\n", a.cfg.InstanceID, a.cfg.Role)
	if block := memory.RecallBlock(recall); block != "" {
		b.WriteString(block)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "## Task: %s\n%s\n", task.Title, task.Spec)
	if len(task.QualityCriteria) > 0 {
		fmt.Fprintf(&b, "\nYour result must satisfy: %s.\n", strings.Join(task.QualityCriteria, ", "))
	}
	b.WriteString("\nTo save a durable fact, emit a line of the form " +
		"\"[MEMORY] tier=semantic: <fact>\" anywhere in your output.\n")
	return b.String(), nil
}

// recall gathers core, semantic, and working memory for the task's
// project, compressed to the instance's budget. The semantic query is
// seeded from the task spec so retrieval ranks by relevance to the work
// at hand.
func (a *Agent) recall(ctx context.Context, task *protocol.AssignmentPayload) ([]memory.Item, error) {
	var items []memory.Item
	seen := make(map[int64]bool)

	queries := []memory.QueryOpts{
		{ProjectID: task.ProjectID, Tier: protocol.TierCore},
		{ProjectID: task.ProjectID, Tier: protocol.TierSemantic, Semantic: semanticQuery(task)},
		{ProjectID: task.ProjectID, Tier: protocol.TierWorking},
	}
	for _, q := range queries {
		got, err := a.memories.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, it := range got {
			if !seen[it.ID] {
				seen[it.ID] = true
				items = append(items, it)
			}
		}
	}

	fitted := compress.Compress(compress.FromMemory(items), a.cfg.ContextBudget)
	if fitted.OverBudget {
		a.logf("core memory alone exceeds the %d-token budget", a.cfg.ContextBudget)
	}

	// Map the compressed sequence back to items for RecallBlock. Summary
	// entries synthesized by compression carry no store id.
	out := make([]memory.Item, len(fitted.Items))
	for i, it := range fitted.Items {
		out[i] = memory.Item{
			Content:    it.Content,
			Tier:       it.Tier,
			Importance: it.Importance,
			Summary:    it.Summary,
			CreatedAt:  it.CreatedAt,
		}
	}
	return out, nil
}

// semanticQuery derives the retrieval query from the task. The spec
// carries the richest signal; fall back to the title.
func semanticQuery(task *protocol.AssignmentPayload) string {
	if strings.TrimSpace(task.Spec) != "" {
		return task.Spec
	}
	return task.Title
}

// emitHeartbeat reports liveness and load to the router.
func (a *Agent) emitHeartbeat(ctx context.Context) {
	a.mu.Lock()
	load := len(a.active)
	var active string
	for id := range a.active {
		active = id
		break
	}
	a.mu.Unlock()

	state := protocol.AgentIdle
	if load > 0 {
		state = protocol.AgentBusy
	}

	msg := protocol.NewMessage(a.cfg.InstanceID, protocol.KindHeartbeat, protocol.ModeDirect,
		[]string{a.cfg.RouterID}, a.nowFunc())
	msg.Heartbeat = &protocol.HeartbeatPayload{
		InstanceID: a.cfg.InstanceID,
		Role:       a.cfg.Role,
		State:      state,
		ActiveTask: active,
		Load:       load,
	}
	if _, err := a.bus.Publish(ctx, msg); err != nil {
		a.logf("heartbeat: %v", err)
	}
}
