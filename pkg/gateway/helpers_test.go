package gateway

import (
	"context"
	"sync"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
)

type processCall struct {
	sessionID string
	text      string
	origin    tools.Origin
}

type fakeAgent struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   []processCall
	history map[string][]providers.Message
	cleared []string
}

func newFakeAgent(reply string) *fakeAgent {
	return &fakeAgent{reply: reply, history: make(map[string][]providers.Message)}
}

func (f *fakeAgent) Process(ctx context.Context, sessionID, text string) (*agent.AgentResponse, error) {
	origin, _ := tools.OriginFrom(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, processCall{sessionID: sessionID, text: text, origin: origin})
	if f.err != nil {
		return nil, f.err
	}
	f.history[sessionID] = append(f.history[sessionID],
		providers.Message{Role: providers.RoleUser, Content: text},
		providers.Message{Role: providers.RoleAssistant, Content: f.reply},
	)
	return &agent.AgentResponse{Content: f.reply, FinishReason: "stop"}, nil
}

func (f *fakeAgent) History(sessionID string) []providers.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providers.Message{}, f.history[sessionID]...)
}

func (f *fakeAgent) Clear(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.history, sessionID)
	f.cleared = append(f.cleared, sessionID)
}

func (f *fakeAgent) recorded() []processCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]processCall(nil), f.calls...)
}

// stallingAgent holds every request until its context ends.
type stallingAgent struct {
	started chan struct{}
}

func (s *stallingAgent) Process(ctx context.Context, _, _ string) (*agent.AgentResponse, error) {
	s.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stallingAgent) History(string) []providers.Message { return nil }

func (s *stallingAgent) Clear(string) {}

type fakeTasks []agent.SubagentTask

func (f fakeTasks) ListTasks(status agent.TaskStatus) []agent.SubagentTask {
	var out []agent.SubagentTask
	for _, t := range f {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out
}
