package playback

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Stream is a running encoder producing Ogg/Opus.
type Stream interface {
	Output() io.Reader
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Encoder starts a Stream for an input path or URL.
type Encoder interface {
	Name() string
	Start(ctx context.Context, input string) (Stream, error)
}

// AudioSettings are the fixed output parameters of the re-encode strategy.
type AudioSettings struct {
	SampleRate int
	Channels   int
	Bitrate    int
}

func DefaultAudioSettings() AudioSettings {
	return AudioSettings{SampleRate: 48000, Channels: 2, Bitrate: 96000}
}

// FFmpegEncoder runs ffmpeg with one argument layout. Start only returns
// once the first Ogg page has been verified as Opus, so a strategy that
// cannot handle the input fails here and the next one gets a chance.
type FFmpegEncoder struct {
	Binary       string
	Label        string
	StartTimeout time.Duration
	Args         func(input string) []string
}

func (e *FFmpegEncoder) Name() string {
	return e.Label
}

func (e *FFmpegEncoder) Start(ctx context.Context, input string) (Stream, error) {
	binary := e.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg pipe: %w", err)
	}

	stderr := &tailBuffer{limit: 4096}
	cmd := exec.Command(binary, e.Args(input)...)
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	_ = pw.Close()

	s := &ffmpegStream{
		cmd:    cmd,
		pipe:   pr,
		reader: bufio.NewReaderSize(pr, 65536),
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go s.wait()

	if err := s.awaitFirstPage(ctx, e.startTimeout()); err != nil {
		_ = s.Kill()
		<-s.done
		_ = pr.Close()
		return nil, fmt.Errorf("%s: %w%s", e.Label, err, s.stderrSuffix())
	}

	return s, nil
}

func (e *FFmpegEncoder) startTimeout() time.Duration {
	if e.StartTimeout > 0 {
		return e.StartTimeout
	}
	return 20 * time.Second
}

// FFmpegStrategies returns the encoders tried for every track, in order:
// Opus passthrough into Ogg, libopus into Ogg, then a constant-bitrate
// re-encode with fixed parameters.
func FFmpegStrategies(binary string, audio AudioSettings) []Encoder {
	return []Encoder{
		&FFmpegEncoder{
			Binary: binary,
			Label:  "ogg-copy",
			Args: func(input string) []string {
				return ffmpegArgs(input, "-c:a", "copy")
			},
		},
		&FFmpegEncoder{
			Binary: binary,
			Label:  "ogg-libopus",
			Args: func(input string) []string {
				return ffmpegArgs(input,
					"-c:a", "libopus",
					"-b:a", bitrateArg(audio.Bitrate),
					"-vbr", "on",
					"-frame_duration", "20",
					"-application", "audio",
				)
			},
		},
		&FFmpegEncoder{
			Binary: binary,
			Label:  "reencode-fixed",
			Args: func(input string) []string {
				return ffmpegArgs(input,
					"-ar", strconv.Itoa(audio.SampleRate),
					"-ac", strconv.Itoa(audio.Channels),
					"-c:a", "libopus",
					"-b:a", bitrateArg(audio.Bitrate),
					"-vbr", "off",
					"-frame_duration", "20",
					"-application", "audio",
					"-err_detect", "ignore_err",
				)
			},
		},
	}
}

func ffmpegArgs(input string, codec ...string) []string {
	args := []string{"-hide_banner", "-nostdin"}
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	args = append(args, "-i", input, "-vn", "-map", "0:a:0")
	args = append(args, codec...)
	args = append(args, "-f", "ogg", "-loglevel", "warning", "pipe:1")
	return args
}

func bitrateArg(bps int) string {
	if bps <= 0 {
		bps = 96000
	}
	return strconv.Itoa(bps/1000) + "k"
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	pipe   *os.File
	reader *bufio.Reader
	stderr *tailBuffer
	done   chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (s *ffmpegStream) wait() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.waitErr = err
	s.mu.Unlock()
	close(s.done)
}

func (s *ffmpegStream) awaitFirstPage(ctx context.Context, timeout time.Duration) error {
	result := make(chan error, 1)
	go func() {
		result <- checkOpusHead(s.reader)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errors.New("encoder produced no audio")
		}
		return err
	case <-ctx.Done():
		_ = s.Kill()
		<-result
		return ctx.Err()
	case <-timer.C:
		_ = s.Kill()
		<-result
		return errors.New("timed out waiting for encoder output")
	}
}

func (s *ffmpegStream) Output() io.Reader {
	return s.reader
}

func (s *ffmpegStream) Terminate() error {
	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (s *ffmpegStream) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (s *ffmpegStream) Done() <-chan struct{} {
	return s.done
}

// Err returns the exit error once Done is closed, annotated with the tail
// of ffmpeg's stderr.
func (s *ffmpegStream) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}

	s.mu.Lock()
	err := s.waitErr
	s.mu.Unlock()

	if err == nil {
		return nil
	}
	return fmt.Errorf("ffmpeg: %w%s", err, s.stderrSuffix())
}

// Close releases the read end of the pipe. Call after Done.
func (s *ffmpegStream) Close() error {
	return s.pipe.Close()
}

func (s *ffmpegStream) stderrSuffix() string {
	tail := strings.TrimSpace(s.stderr.String())
	if tail == "" {
		return ""
	}
	return ": " + tail
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
