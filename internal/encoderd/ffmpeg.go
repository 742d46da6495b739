package encoderd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cutline/render/internal/model"
)

// FFmpegConfig locates the ffmpeg binary and its scratch directory
type FFmpegConfig struct {
	Path    string
	WorkDir string
}

// NewFFmpegFactory returns a SinkFactory that pipes PNG frames into ffmpeg
func NewFFmpegFactory(cfg FFmpegConfig) SinkFactory {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return func(ctx context.Context, token string, start model.StartData) (Sink, error) {
		format := outputFormat(start)
		out := filepath.Join(cfg.WorkDir, fmt.Sprintf("cutline-%s.%s", token, format))

		cmd := exec.Command(cfg.Path, ffmpegArgs(start, out)...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		sink := &ffmpegSink{cmd: cmd, stdin: stdin, out: out}
		cmd.Stderr = &sink.stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
		}
		return sink, nil
	}
}

// crf per quality tier; lower is better
var crfByQuality = map[model.Quality]int{
	model.QualityDraft:  32,
	model.QualityWeb:    26,
	model.QualityHigh:   20,
	model.QualityStudio: 16,
}

func outputFormat(start model.StartData) model.Format {
	if f := start.Exporter.Options.Format; f != "" {
		return f
	}
	if start.Settings.Format != "" {
		return start.Settings.Format
	}
	return model.FormatMP4
}

func outputQuality(start model.StartData) model.Quality {
	if q := start.Exporter.Options.Quality; q != "" {
		return q
	}
	if start.Settings.Quality != "" {
		return start.Settings.Quality
	}
	return model.QualityWeb
}

// ffmpegArgs builds the command line for one render
func ffmpegArgs(start model.StartData, out string) []string {
	fps := strconv.FormatFloat(start.Settings.FPS, 'f', -1, 64)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe", "-framerate", fps, "-c:v", "png", "-i", "pipe:0",
	}

	format := outputFormat(start)
	audioURL := start.Exporter.Options.AudioURL
	withAudio := start.IncludeAudio && audioURL != "" && format != model.FormatGIF
	if withAudio {
		args = append(args,
			"-itsoffset", strconv.FormatFloat(start.AudioOffset, 'f', -1, 64),
			"-i", audioURL,
		)
	}

	crfValue, ok := crfByQuality[outputQuality(start)]
	if !ok {
		crfValue = crfByQuality[model.QualityWeb]
	}
	crf := strconv.Itoa(crfValue)

	switch format {
	case model.FormatWebM:
		args = append(args, "-c:v", "libvpx-vp9", "-crf", crf, "-b:v", "0", "-pix_fmt", "yuv420p")
		if withAudio {
			args = append(args, "-c:a", "libopus")
		}
	case model.FormatGIF:
		args = append(args, "-vf", "split[a][b];[a]palettegen[p];[b][p]paletteuse", "-loop", "0")
	default:
		args = append(args, "-c:v", "libx264", "-preset", "medium", "-crf", crf, "-pix_fmt", "yuv420p")
		if withAudio {
			args = append(args, "-c:a", "aac", "-b:a", "192k")
		}
		if start.Settings.FastStart || start.Exporter.Options.FastStart {
			args = append(args, "-movflags", "+faststart")
		}
	}

	if withAudio {
		args = append(args, "-map", "0:v:0", "-map", "1:a:0?", "-shortest")
	}

	return append(args, out)
}

type ffmpegSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	out    string

	waitOnce sync.Once
	waitErr  error
}

func (s *ffmpegSink) WriteFrame(index int, frame []byte) error {
	if _, err := s.stdin.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", index, err)
	}
	return nil
}

func (s *ffmpegSink) Finish(ctx context.Context) (string, error) {
	s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.wait() }()

	select {
	case err := <-done:
		if err != nil {
			os.Remove(s.out)
			return "", fmt.Errorf("ffmpeg exited: %w%s", err, s.tail())
		}
		return s.out, nil
	case <-ctx.Done():
		s.cmd.Process.Kill()
		<-done
		os.Remove(s.out)
		return "", ctx.Err()
	}
}

func (s *ffmpegSink) Abort() error {
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.wait()
	if err := os.Remove(s.out); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *ffmpegSink) wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

// tail must only be called after the process exited
func (s *ffmpegSink) tail() string {
	msg := strings.TrimSpace(s.stderr.String())
	if msg == "" {
		return ""
	}
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	return ": " + msg
}
