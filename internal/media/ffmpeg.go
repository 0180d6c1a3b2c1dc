package media

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"time"

	"github.com/andresmejia3/facecanvas/internal/utils"
	"github.com/pkg/errors"
)

const megabyte = 1024 * 1024

// FFProbe implements Prober with the ffprobe binary.
type FFProbe struct{}

func (FFProbe) Probe(ctx context.Context, path string) (Info, error) {
	vi, err := utils.ProbeVideo(ctx, path)
	if err != nil {
		return Info{}, err
	}
	return Info{Width: vi.Width, Height: vi.Height, FPS: vi.FPS, Duration: vi.Duration}, nil
}

// FFmpegDecoder implements Decoder by piping raw RGBA frames out of ffmpeg.
type FFmpegDecoder struct{}

func (FFmpegDecoder) Open(ctx context.Context, path string, from time.Duration, info Info) (FrameReader, error) {
	cmd := utils.NewFFmpegRawDecoder(ctx, path, from)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create decoder pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start decoder")
	}
	return &rawReader{cmd: cmd, out: out, width: info.Width, height: info.Height}, nil
}

type rawReader struct {
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	width  int
	height int
}

func (r *rawReader) ReadFrame() (image.Image, error) {
	// Frames outlive the read (the detector samples them later), so no buffer reuse here
	buf := make([]byte, r.width*r.height*4)
	if _, err := io.ReadFull(r.out, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// A clean stream ends on a frame boundary with ffmpeg exiting 0
			if waitErr := r.cmd.Wait(); waitErr != nil {
				return nil, errors.Errorf("ffmpeg: %v: %s", waitErr, strings.TrimSpace(r.cmd.Stderr.String()))
			}
			return nil, io.EOF
		}
		return nil, err
	}
	return &image.RGBA{
		Pix:    buf,
		Stride: r.width * 4,
		Rect:   image.Rect(0, 0, r.width, r.height),
	}, nil
}

func (r *rawReader) Close() error {
	r.out.Close()
	if r.cmd.ProcessState == nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
		r.cmd.Wait()
	}
	return nil
}

// Grab decodes the single JPEG frame at `at` through ffmpeg's image2pipe muxer.
func (FFmpegDecoder) Grab(ctx context.Context, path string, at time.Duration) (image.Image, error) {
	cmd := utils.NewFFmpegFrameGrab(ctx, path, at)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start ffmpeg")
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	var frame []byte
	if scanner.Scan() {
		frame = bytes.Clone(scanner.Bytes())
	}
	io.Copy(io.Discard, out)
	if err := cmd.Wait(); err != nil {
		return nil, errors.Errorf("ffmpeg: %v: %s", err, strings.TrimSpace(cmd.Stderr.String()))
	}
	if frame == nil {
		return nil, errors.Errorf("no frame at %s", at)
	}
	return jpeg.Decode(bytes.NewReader(frame))
}
