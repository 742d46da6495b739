package encoderd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/gofiber/contrib/websocket"

	"github.com/cutline/render/internal/metrics"
	"github.com/cutline/render/internal/model"
	"github.com/cutline/render/internal/storage"
)

var errNotStarted = errors.New("encoder not started")

// Conn is the JSON side of one session's websocket
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

// Sink consumes the frames of one render
type Sink interface {
	WriteFrame(index int, frame []byte) error
	// Finish flushes the encoder and returns the local path of the output file
	Finish(ctx context.Context) (string, error)
	Abort() error
}

// SinkFactory opens a sink for a started render
type SinkFactory func(ctx context.Context, token string, start model.StartData) (Sink, error)

// Gateway is the encoder end of the session channel: it acknowledges start,
// handleFrame and end, feeds frames into a Sink and uploads the result.
type Gateway struct {
	NewSink SinkFactory
	Storage storage.Client   // nil keeps outputs on local disk
	Metrics *metrics.Metrics // optional
}

// HandleConnection serves one encoder websocket until the session disconnects
func (g *Gateway) HandleConnection(c *websocket.Conn, token string) {
	if err := g.Serve(context.Background(), c, token); err != nil {
		log.Printf("[Gateway] session %s: %v", token, err)
	}
}

// Serve reads requests from conn and replies with acks carrying the same method.
// It returns when the connection is closed; an open sink is aborted.
func (g *Gateway) Serve(ctx context.Context, conn Conn, token string) error {
	s := &gatewaySession{gateway: g, token: token}
	defer s.abort()

	for {
		var req model.RPCInbound
		if err := conn.ReadJSON(&req); err != nil {
			if s.sink != nil {
				return fmt.Errorf("connection closed mid-render: %w", err)
			}
			return nil
		}

		data, err := s.dispatch(ctx, req)
		ack := model.RPCAck{Status: model.AckStatusSuccess, Method: req.Method, Data: data}
		if err != nil {
			log.Printf("[Gateway] session %s: %s failed: %v", token, req.Method, err)
			ack = model.RPCAck{Status: model.AckStatusError, Method: req.Method, Message: err.Error()}
		}
		if err := conn.WriteJSON(ack); err != nil {
			return fmt.Errorf("failed to write ack: %w", err)
		}
	}
}

type gatewaySession struct {
	gateway *Gateway
	token   string
	start   model.StartData
	sink    Sink
}

func (s *gatewaySession) dispatch(ctx context.Context, req model.RPCInbound) (json.RawMessage, error) {
	switch req.Method {
	case model.MethodStart:
		return nil, s.handleStart(ctx, req.Data)
	case model.MethodHandleFrame:
		return nil, s.handleFrame(req.Data)
	case model.MethodEnd:
		return s.handleEnd(ctx, req.Data)
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (s *gatewaySession) handleStart(ctx context.Context, raw json.RawMessage) error {
	if s.sink != nil {
		return errors.New("encoder already started")
	}
	var start model.StartData
	if err := json.Unmarshal(raw, &start); err != nil {
		return fmt.Errorf("invalid start data: %w", err)
	}
	if start.Settings.FPS <= 0 {
		return errors.New("fps must be positive")
	}

	sink, err := s.gateway.NewSink(ctx, s.token, start)
	if err != nil {
		return fmt.Errorf("failed to open encoder: %w", err)
	}
	s.start = start
	s.sink = sink
	log.Printf("[Gateway] session %s started %s/%s at %gfps, %d frames",
		s.token, start.Exporter.Options.Format, start.Exporter.Options.Quality, start.Settings.FPS, start.Settings.TotalFrames())
	return nil
}

func (s *gatewaySession) handleFrame(raw json.RawMessage) error {
	if s.sink == nil {
		return errNotStarted
	}
	var frame model.FrameData
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("invalid frame data: %w", err)
	}
	if len(frame.Frame) == 0 {
		return fmt.Errorf("frame %d is empty", frame.Index)
	}
	if err := s.sink.WriteFrame(frame.Index, frame.Frame); err != nil {
		return err
	}
	if m := s.gateway.Metrics; m != nil {
		m.FramesEncoded.Inc()
	}
	return nil
}

func (s *gatewaySession) handleEnd(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var end model.EndData
	if err := json.Unmarshal(raw, &end); err != nil {
		return nil, fmt.Errorf("invalid end data: %w", err)
	}

	if end.Result != model.RenderResultSuccess {
		log.Printf("[Gateway] session %s ended with %s, discarding output", s.token, end.Result)
		s.abort()
		return nil, nil
	}
	if s.sink == nil {
		return nil, errNotStarted
	}

	sink := s.sink
	s.sink = nil
	localPath, err := sink.Finish(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize output: %w", err)
	}

	ack, err := s.publish(ctx, localPath)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ack)
}

// publish uploads the finished file to its output path
func (s *gatewaySession) publish(ctx context.Context, localPath string) (*model.EndAckData, error) {
	outputPath := s.start.Exporter.Options.Output
	if outputPath == "" {
		outputPath = s.start.Settings.FilePath
	}

	st := s.gateway.Storage
	if st == nil || outputPath == "" {
		log.Printf("[Gateway] session %s output kept at %s", s.token, localPath)
		return &model.EndAckData{OutputPath: localPath}, nil
	}
	defer os.Remove(localPath)

	key := storage.KeyFromPath(outputPath)
	format := string(s.start.Exporter.Options.Format)
	if format == "" {
		format = string(s.start.Settings.Format)
	}
	downloadURL, err := st.UploadFile(ctx, key, localPath, storage.ContentType(format))
	if err != nil {
		return nil, fmt.Errorf("failed to upload output: %w", err)
	}
	if m := s.gateway.Metrics; m != nil {
		if info, err := os.Stat(localPath); err == nil {
			m.UploadBytes.Add(float64(info.Size()))
		}
	}

	log.Printf("[Gateway] session %s uploaded %s", s.token, key)
	return &model.EndAckData{OutputPath: outputPath, DownloadURL: downloadURL}, nil
}

func (s *gatewaySession) abort() {
	if s.sink == nil {
		return
	}
	if err := s.sink.Abort(); err != nil {
		log.Printf("[Gateway] session %s: abort failed: %v", s.token, err)
	}
	s.sink = nil
}
