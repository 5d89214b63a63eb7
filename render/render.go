// Package render turns a compiled score into an OSC score file and drives
// scsynth's non-realtime mode over it.
package render

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/chabad360/go-osc/osc"

	"github.com/mkarvonen/kaanon"
	"github.com/mkarvonen/kaanon/score"
)

// ntpEpoch anchors bundle timetags: scsynth reads score file timetags as
// seconds from zero, which is the NTP epoch.
var ntpEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// WriteScore serializes the bundle sequence in scsynth's OSC score file
// format: each bundle prefixed with its byte length as a big-endian int32.
func WriteScore(w io.Writer, sc *score.Score) error {
	for _, b := range sc.Bundles {
		bundle := osc.NewBundle(ntpEpoch.Add(time.Duration(b.Offset * float64(time.Second))))
		for _, m := range b.Messages {
			if err := bundle.Append(m); err != nil {
				return fmt.Errorf("write score: %w", err)
			}
		}
		data, err := bundle.MarshalBinary()
		if err != nil {
			return fmt.Errorf("write score: %w", err)
		}
		if err := binary.Write(w, binary.BigEndian, int32(len(data))); err != nil {
			return fmt.Errorf("write score: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write score: %w", err)
		}
	}
	return nil
}

// Renderer runs scsynth in non-realtime mode over a compiled score. The zero
// value renders 44.1 kHz AIFF int24 with the scsynth found on PATH.
type Renderer struct {
	Command       string
	SampleRate    int
	HeaderFormat  string
	SampleFormat  string
	InputPath     string   // optional input soundfile
	ServerOptions []string // extra scsynth flags, passed through verbatim
}

func (r *Renderer) command() string {
	if r.Command == "" {
		return "scsynth"
	}
	return r.Command
}

func (r *Renderer) sampleRate() int {
	if r.SampleRate == 0 {
		return 44100
	}
	return r.SampleRate
}

func (r *Renderer) headerFormat() string {
	if r.HeaderFormat == "" {
		return "aiff"
	}
	return r.HeaderFormat
}

func (r *Renderer) sampleFormat() string {
	if r.SampleFormat == "" {
		return "int24"
	}
	return r.SampleFormat
}

// CommandLine returns the scsynth invocation for a score file and output
// path, mirroring what Render executes.
func (r *Renderer) CommandLine(session *kaanon.Session, scorePath, outputPath string) []string {
	input := r.InputPath
	if input == "" {
		input = "_"
	}
	opts := session.Options()
	args := []string{
		r.command(),
		"-N", scorePath, input, outputPath,
		strconv.Itoa(r.sampleRate()), r.headerFormat(), r.sampleFormat(),
		"-o", strconv.Itoa(opts.OutputBusChannels),
		"-i", strconv.Itoa(opts.InputBusChannels),
	}
	return append(args, r.ServerOptions...)
}

// Render compiles the session truncated to duration (zero for the session's
// own duration), writes the score to a temporary file next to the output and
// runs scsynth over it. The score file is removed afterwards.
func (r *Renderer) Render(ctx context.Context, session *kaanon.Session, duration float64, outputPath string) error {
	sc, err := score.Compile(session, duration)
	if err != nil {
		return err
	}
	binPath, err := exec.LookPath(r.command())
	if err != nil {
		return fmt.Errorf("render: %s: %w", r.command(), kaanon.ErrMissingCollaborator)
	}
	scoreFile, err := os.CreateTemp("", "kaanon-*.osc")
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	defer os.Remove(scoreFile.Name())
	if err := WriteScore(scoreFile, sc); err != nil {
		scoreFile.Close()
		return err
	}
	if err := scoreFile.Close(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	argv := r.CommandLine(session, scoreFile.Name(), outputPath)
	cmd := exec.CommandContext(ctx, binPath, argv[1:]...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("render: %s: %w", r.command(), err)
	}
	return nil
}
