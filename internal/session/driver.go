// Package session runs one headless render session end to end
package session

import (
	"context"
	"fmt"
	"log"

	"github.com/cutline/render/internal/channel"
	"github.com/cutline/render/internal/encoder"
	"github.com/cutline/render/internal/engine"
	"github.com/cutline/render/internal/model"
)

// PayloadFetcher retrieves the payload a token stands for
type PayloadFetcher interface {
	FetchPayload(ctx context.Context, token string) (*model.HeadlessJobPayload, error)
}

// Conn is a closable encoder channel
type Conn interface {
	encoder.Channel
	Close() error
}

// Dialer opens the duplex channel for a token and returns once it is connected
type Dialer func(ctx context.Context, token string) (Conn, error)

// WebsocketDialer dials <baseURL>/ws/encoder/<token>
func WebsocketDialer(baseURL string, opts channel.DialOptions) Dialer {
	return func(ctx context.Context, token string) (Conn, error) {
		u, err := channel.EndpointURL(baseURL, token)
		if err != nil {
			return nil, err
		}
		conn, err := channel.Dial(ctx, u, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Host receives session callbacks
type Host interface {
	OnRenderProgress(frame, total int)
	OnRenderEnd(result model.RenderResult)
	OnRenderError(message string)
}

// ConnectionError means the duplex channel never came up
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("encoder connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PayloadFetchError means the job payload could not be retrieved
type PayloadFetchError struct {
	Token string
	Err   error
}

func (e *PayloadFetchError) Error() string {
	return fmt.Sprintf("failed to fetch job payload: %v", e.Err)
}

func (e *PayloadFetchError) Unwrap() error { return e.Err }

// Driver wires payload, channel, engine and host together
type Driver struct {
	Fetcher PayloadFetcher
	Dial    Dialer
	Engine  engine.Engine
	Host    Host
	// Encode overrides the frame encoding; PNG when nil
	Encode encoder.FrameEncoder
	// OnFrameDropped observes frames the encoder client does not transmit
	OnFrameDropped func(index int)
}

// Run executes the session. Errors are reported to the host before being
// returned, and the channel is closed on every path.
func (d *Driver) Run(ctx context.Context, params *LaunchParams) error {
	var conn Conn
	defer func() {
		if conn != nil {
			if err := conn.Close(); err != nil {
				log.Printf("[Session] close channel: %v", err)
			}
		}
	}()

	if err := d.run(ctx, params, &conn); err != nil {
		log.Printf("[Session] token=%s failed: %v", params.Token, err)
		d.Host.OnRenderError(err.Error())
		return err
	}
	return nil
}

func (d *Driver) run(ctx context.Context, params *LaunchParams, conn *Conn) error {
	payload, err := d.Fetcher.FetchPayload(ctx, params.Token)
	if err != nil {
		return &PayloadFetchError{Token: params.Token, Err: err}
	}
	ApplySegment(payload, params.Segment)

	c, err := d.Dial(ctx, params.Token)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	*conn = c

	d.Engine.SetVariables(payload.Variables)

	exporter := encoder.NewClient(c, encoder.Options{
		Output:             payload.Output,
		Exporter:           payload.Exporter,
		ProjectAudioOffset: payload.Project.AudioOffset,
		Encode:             d.Encode,
		OnDrop:             d.OnFrameDropped,
	})

	total := payload.Output.TotalFrames()
	log.Printf("[Session] token=%s rendering %d frames (range %.3f-%.3f @ %.2f fps)",
		params.Token, total, payload.Output.Range[0], payload.Output.Range[1], payload.Output.FPS)

	listener := engine.Listener{
		OnFrameChanged: func(frame int) {
			d.Host.OnRenderProgress(frame, total)
		},
		OnFinished: func(result model.RenderResult) {
			d.Host.OnRenderEnd(result)
		},
	}
	return d.Engine.Render(ctx, engine.SettingsFromOutput(payload.Output), exporter, listener)
}
