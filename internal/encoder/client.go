// Package encoder correlates render-session requests with acknowledgments
// from an out-of-process encoder over a duplex channel.
package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"sync"

	"github.com/cutline/render/internal/model"
)

var (
	// ErrChannelClosed is returned to calls that were pending when the channel went away
	ErrChannelClosed = errors.New("encoder channel closed")
	// ErrStopped is returned to calls still pending after Stop ran its cleanup
	ErrStopped = errors.New("encoder client stopped")
)

// EncoderError is an acknowledgment with status "error"
type EncoderError struct {
	Method  string
	Message string
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("encoder %s failed: %s", e.Method, e.Message)
}

// Channel is the duplex connection to the encoder process
type Channel interface {
	Send(ctx context.Context, req model.RPCRequest) error
	Subscribe(fn func(model.RPCAck)) (unsubscribe func())
	Done() <-chan struct{}
}

// FrameEncoder turns a rendered bitmap into the bytes sent to the encoder
type FrameEncoder func(img image.Image) ([]byte, error)

// PNGEncoder is the default FrameEncoder
func PNGEncoder(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Options configure a Client for one session
type Options struct {
	Output             model.OutputSettings
	Exporter           model.ExporterSettings
	ProjectAudioOffset float64
	Encode             FrameEncoder
	// OnDrop is called for every frame counted but not transmitted
	OnDrop func(index int)
}

type reply struct {
	data json.RawMessage
	err  error
}

// Client is the exporter side of the encoder RPC protocol. Acknowledgments
// resolve the oldest pending call of the same method.
type Client struct {
	ch   Channel
	opts Options

	mu          sync.Mutex
	pending     map[string][]chan reply
	unsubscribe func()

	frame int
}

// NewClient subscribes to ch and returns a client ready for Start
func NewClient(ch Channel, opts Options) *Client {
	if opts.Encode == nil {
		opts.Encode = PNGEncoder
	}
	c := &Client{
		ch:      ch,
		opts:    opts,
		pending: make(map[string][]chan reply),
	}
	c.unsubscribe = ch.Subscribe(c.handleAck)
	return c
}

// Start announces the render to the encoder and waits for its acknowledgment
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.frame = 0
	c.mu.Unlock()

	includeAudio := c.opts.Output.IncludeAudio || c.opts.Exporter.Options.IncludeAudio
	data := model.StartData{
		Settings:     c.opts.Output,
		Exporter:     c.opts.Exporter,
		IncludeAudio: includeAudio,
		AudioOffset:  c.opts.ProjectAudioOffset - c.opts.Output.Range[0],
	}

	_, err := c.invoke(ctx, model.MethodStart, data)
	return err
}

// HandleFrame sends one frame and blocks until the encoder acknowledged it.
// The engine emits one trailing frame past the range; frames at or beyond
// totalFrames-1 are counted but not transmitted.
func (c *Client) HandleFrame(ctx context.Context, img image.Image) error {
	c.mu.Lock()
	index := c.frame
	c.frame++
	c.mu.Unlock()

	total := c.opts.Output.TotalFrames()
	if index >= total-1 {
		if c.opts.OnDrop != nil {
			c.opts.OnDrop(index)
		}
		return nil
	}

	frame, err := c.opts.Encode(img)
	if err != nil {
		return fmt.Errorf("failed to encode frame %d: %w", index, err)
	}

	_, err = c.invoke(ctx, model.MethodHandleFrame, model.FrameData{Index: index, Frame: frame})
	return err
}

// Stop sends the final result. Cleanup runs even when the encoder rejects it.
func (c *Client) Stop(ctx context.Context, result model.RenderResult) (*model.EndAckData, error) {
	defer c.close()

	data, err := c.invoke(ctx, model.MethodEnd, model.EndData{Result: result})
	if err != nil {
		return nil, err
	}

	var ack model.EndAckData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("failed to unmarshal end ack: %w", err)
		}
	}
	return &ack, nil
}

// Frame returns how many frames HandleFrame has seen since Start
func (c *Client) Frame() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

func (c *Client) invoke(ctx context.Context, method string, data any) (json.RawMessage, error) {
	done := make(chan reply, 1)

	// Enqueue before sending so a fast ack cannot overtake its waiter.
	c.mu.Lock()
	c.pending[method] = append(c.pending[method], done)
	c.mu.Unlock()

	if err := c.ch.Send(ctx, model.RPCRequest{Method: method, Data: data}); err != nil {
		c.remove(method, done)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case r := <-done:
		return r.data, r.err
	case <-c.ch.Done():
		select {
		case r := <-done:
			return r.data, r.err
		default:
		}
		return nil, ErrChannelClosed
	case <-ctx.Done():
		// The waiter stays queued: a late ack must still consume this slot.
		return nil, ctx.Err()
	}
}

func (c *Client) handleAck(ack model.RPCAck) {
	c.mu.Lock()
	queue := c.pending[ack.Method]
	if len(queue) == 0 {
		c.mu.Unlock()
		log.Printf("[Encoder] ack for %q with no pending call, dropping", ack.Method)
		return
	}
	done := queue[0]
	if len(queue) == 1 {
		delete(c.pending, ack.Method)
	} else {
		c.pending[ack.Method] = queue[1:]
	}
	c.mu.Unlock()

	if ack.Status == model.AckStatusError {
		msg := ack.Message
		if msg == "" {
			msg = "unknown encoder error"
		}
		done <- reply{err: &EncoderError{Method: ack.Method, Message: msg}}
		return
	}
	done <- reply{data: ack.Data}
}

func (c *Client) remove(method string, done chan reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.pending[method]
	for i, q := range queue {
		if q == done {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.pending, method)
	} else {
		c.pending[method] = queue
	}
}

func (c *Client) close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	pending := c.pending
	c.pending = make(map[string][]chan reply)
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, queue := range pending {
		for _, done := range queue {
			done <- reply{err: ErrStopped}
		}
	}
}

// pendingCount is the number of outstanding calls for method
func (c *Client) pendingCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[method])
}
