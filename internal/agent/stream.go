package agent

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EventType tags streamed events.
type EventType string

const (
	EventText    EventType = "text"
	EventTool    EventType = "tool"
	EventWarning EventType = "warning"
	EventDone    EventType = "done"
)

// Event is one item of a streamed query.
type Event struct {
	Type   EventType `json:"type"`
	Text   string    `json:"text,omitempty"`
	Tool   *ToolCall `json:"tool,omitempty"`
	Result *Result   `json:"result,omitempty"`
}

// streamStep runs one reasoning step in streaming mode, forwarding text
// chunks as they arrive. On ctx expiry it returns what was received so far.
func (r *run) streamStep(ctx context.Context, chat model.BaseChatModel, messages []*schema.Message, opts []model.Option) (*schema.Message, error) {
	reader, err := awaitWithin(ctx, func(ctx context.Context) (*schema.StreamReader[*schema.Message], error) {
		return chat.Stream(ctx, messages, opts...)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *schema.Message)
	recvErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer reader.Close()
		for {
			chunk, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	var collected []*schema.Message
	for {
		select {
		case <-ctx.Done():
			return concatChunks(collected), ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-recvErr:
					return concatChunks(collected), err
				default:
					return concatChunks(collected), nil
				}
			}
			if chunk == nil {
				continue
			}
			collected = append(collected, chunk)
			if chunk.Content != "" {
				r.emit(ctx, Event{Type: EventText, Text: chunk.Content})
			}
		}
	}
}

func concatChunks(chunks []*schema.Message) *schema.Message {
	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil)
	}
	msg, err := schema.ConcatMessages(chunks)
	if err == nil && msg != nil {
		return msg
	}
	var sb strings.Builder
	var calls []schema.ToolCall
	for _, chunk := range chunks {
		sb.WriteString(chunk.Content)
		calls = append(calls, chunk.ToolCalls...)
	}
	return schema.AssistantMessage(sb.String(), calls)
}
