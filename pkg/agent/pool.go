package agent

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

const defaultPoolSize = 128

// LoopBuilder creates the loop for a session on first use.
type LoopBuilder interface {
	NewLoop(sessionID string) *AgentLoop
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// LoopPool caches loops by session id and serializes calls within a session.
// Evicted loops are rebuilt from the store on the next request.
type LoopPool struct {
	builder LoopBuilder
	loops   *lru.Cache[string, *AgentLoop]

	mu    sync.Mutex
	locks map[string]*sessionLock
}

func NewLoopPool(builder LoopBuilder, size int) (*LoopPool, error) {
	if size <= 0 {
		size = defaultPoolSize
	}
	cache, err := lru.NewWithEvict[string, *AgentLoop](size, func(key string, _ *AgentLoop) {
		logger.DebugCF("agent", "Evicted session loop", map[string]interface{}{"session_id": key})
	})
	if err != nil {
		return nil, err
	}
	return &LoopPool{
		builder: builder,
		loops:   cache,
		locks:   make(map[string]*sessionLock),
	}, nil
}

// acquire blocks until the caller owns sessionID. The returned func releases it.
func (p *LoopPool) acquire(sessionID string) func() {
	p.mu.Lock()
	l, ok := p.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		p.locks[sessionID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, sessionID)
		}
		p.mu.Unlock()
	}
}

func (p *LoopPool) loop(sessionID string) *AgentLoop {
	if l, ok := p.loops.Get(sessionID); ok {
		return l
	}
	l := p.builder.NewLoop(sessionID)
	p.loops.Add(sessionID, l)
	return l
}

func (p *LoopPool) Process(ctx context.Context, sessionID, text string) (*AgentResponse, error) {
	release := p.acquire(sessionID)
	defer release()
	return p.loop(sessionID).ProcessMessage(ctx, text)
}

func (p *LoopPool) History(sessionID string) []providers.Message {
	release := p.acquire(sessionID)
	defer release()
	return p.loop(sessionID).GetHistory()
}

func (p *LoopPool) Clear(sessionID string) {
	release := p.acquire(sessionID)
	defer release()
	p.loop(sessionID).ClearHistory()
}

func (p *LoopPool) Len() int {
	return p.loops.Len()
}
