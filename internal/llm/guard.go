package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Guard 给每次模型调用加上超时，并把错误归类为 ErrModelTimeout / ErrModelUnavailable。
type Guard struct {
	inner   model.ToolCallingChatModel
	timeout time.Duration
}

// NewGuard 包装模型；timeout<=0 表示不额外限制。
func NewGuard(inner model.ToolCallingChatModel, timeout time.Duration) *Guard {
	if g, ok := inner.(*Guard); ok {
		inner = g.inner
	}
	return &Guard{inner: inner, timeout: timeout}
}

func (g *Guard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Guard) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	msg, err := g.inner.Generate(ctx, input, opts...)
	if err != nil {
		return nil, Classify(err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: empty response", ErrModelUnavailable)
	}
	return msg, nil
}

// Stream 的超时覆盖整个流的读取过程，而不只是建立连接。
func (g *Guard) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	ctx, cancel := g.withTimeout(ctx)

	sr, err := g.inner.Stream(ctx, input, opts...)
	if err != nil {
		cancel()
		return nil, Classify(err)
	}

	out, w := schema.Pipe[*schema.Message](8)
	go func() {
		defer cancel()
		defer w.Close()
		defer sr.Close()
		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				w.Send(nil, Classify(err))
				return
			}
			if closed := w.Send(chunk, nil); closed {
				return
			}
		}
	}()
	return out, nil
}

func (g *Guard) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	inner, err := g.inner.WithTools(tools)
	if err != nil {
		return nil, err
	}
	return &Guard{inner: inner, timeout: g.timeout}, nil
}

// Collect 读完整个流，每个文本分片回调一次 onChunk，返回拼接后的完整消息。
func Collect(sr *schema.StreamReader[*schema.Message], onChunk func(string)) (*schema.Message, error) {
	defer sr.Close()

	var chunks []*schema.Message
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Classify(err)
		}
		if chunk == nil {
			continue
		}
		if onChunk != nil && chunk.Content != "" {
			onChunk(chunk.Content)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: empty stream", ErrModelUnavailable)
	}
	msg, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("%w: concat stream: %v", ErrModelUnavailable, err)
	}
	return msg, nil
}
