package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mkarvonen/kaanon"
	"github.com/mkarvonen/kaanon/render"
	"github.com/mkarvonen/kaanon/scene"
	"github.com/mkarvonen/kaanon/score"
	"github.com/mkarvonen/kaanon/smfimport"
	"github.com/mkarvonen/kaanon/version"
)

func main() {
	outPath := flag.String("o", "", "Output file. Defaults to the input file name with the output extension, in the current directory.")
	duration := flag.Float64("d", 0, "Render duration in seconds. Defaults to the session's own duration; required when the session is open-ended.")
	sampleRate := flag.Int("r", 44100, "Output sample rate.")
	headerFormat := flag.String("header", "aiff", "Output header format: aiff, wav and friends.")
	sampleFormat := flag.String("sample", "int24", "Output sample format: int16, int24, float and friends.")
	scoreOnly := flag.Bool("s", false, "Do not run scsynth; write the OSC score file instead.")
	scsynth := flag.String("scsynth", "scsynth", "Path to the scsynth executable.")
	synthdefPath := flag.String("synthdef", "", "Synthdef scene file declaring the instrument used for MIDI input.")
	help := flag.Bool("h", false, "Show help.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if flag.NArg() != 1 || *help {
		flag.Usage()
		os.Exit(0)
	}
	inputPath := flag.Arg(0)

	session, err := buildSession(inputPath, *synthdefPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading %s: %v\n", inputPath, err)
		os.Exit(1)
	}

	output := *outPath
	if output == "" {
		base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
		ext := "." + *headerFormat
		if *scoreOnly {
			ext = ".osc"
		}
		output = base + ext
	}

	if *scoreOnly {
		if err := writeScoreFile(session, *duration, output); err != nil {
			fmt.Fprintf(os.Stderr, "error writing score: %v\n", err)
			os.Exit(1)
		}
		return
	}

	renderer := render.Renderer{
		Command:      *scsynth,
		SampleRate:   *sampleRate,
		HeaderFormat: *headerFormat,
		SampleFormat: *sampleFormat,
	}
	if err := renderer.Render(context.Background(), session, *duration, output); err != nil {
		fmt.Fprintf(os.Stderr, "error rendering: %v\n", err)
		os.Exit(1)
	}
}

// buildSession reads a scene YAML or a standard MIDI file, chosen by
// extension. MIDI input needs a scene file providing the instrument.
func buildSession(inputPath, synthdefPath string) (*kaanon.Session, error) {
	switch strings.ToLower(filepath.Ext(inputPath)) {
	case ".mid", ".midi", ".smf":
		def, err := loadInstrument(synthdefPath)
		if err != nil {
			return nil, err
		}
		return smfimport.ReadFile(inputPath, smfimport.Options{Synthdef: def})
	default:
		sc, err := scene.ReadFile(inputPath)
		if err != nil {
			return nil, err
		}
		return sc.Build()
	}
}

// loadInstrument pulls the first synthdef out of a scene file.
func loadInstrument(path string) (*kaanon.Synthdef, error) {
	if path == "" {
		return nil, fmt.Errorf("midi input needs -synthdef: %w", kaanon.ErrMissingCollaborator)
	}
	sc, err := scene.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(sc.Synthdefs) == 0 {
		return nil, fmt.Errorf("%s declares no synthdefs: %w", path, kaanon.ErrMissingCollaborator)
	}
	decl := sc.Synthdefs[0]
	def := &kaanon.Synthdef{Name: decl.Name, Body: decl.Body}
	for _, p := range decl.Params {
		rate := kaanon.ControlRate
		switch p.Rate {
		case "scalar":
			rate = kaanon.Scalar
		case "audio":
			rate = kaanon.AudioRate
		}
		def.Parameters = append(def.Parameters, kaanon.Parameter{Name: p.Name, Rate: rate, Default: p.Default})
	}
	return def, nil
}

func writeScoreFile(session *kaanon.Session, duration float64, output string) error {
	sc, err := score.Compile(session, duration)
	if err != nil {
		return err
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := render.WriteScore(f, sc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Renders a session described by a scene YAML or a MIDI file into a soundfile using scsynth.\n")
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] [path to input file]\n", os.Args[0])
	flag.PrintDefaults()
}
