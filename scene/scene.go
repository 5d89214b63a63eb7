// Package scene defines a YAML description of a session: synthdefs, node
// placements, automation, buffers and buses, with everything positioned by
// absolute offsets. Build replays the description into a live session.
package scene

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mkarvonen/kaanon"
)

type (
	// Scene is the top-level YAML document.
	Scene struct {
		InputChannels  int     `yaml:",omitempty"`
		OutputChannels int     `yaml:",omitempty"`
		Padding        float64 `yaml:",omitempty"`
		Synthdefs      []SynthdefDecl
		Buses          []BusDecl    `yaml:",omitempty"`
		Buffers        []BufferDecl `yaml:",omitempty"`
		Groups         []GroupDecl  `yaml:",omitempty"`
		Synths         []SynthDecl
	}

	// SynthdefDecl declares one compiled definition; Body is the base64-coded
	// compiled blob (yaml !!binary) and Params the declared parameters.
	SynthdefDecl struct {
		Name   string `yaml:",omitempty"`
		Body   []byte
		Params []ParamDecl `yaml:",flow,omitempty"`
	}

	ParamDecl struct {
		Name    string
		Rate    string  `yaml:",omitempty"` // scalar, control or audio
		Default float32 `yaml:",omitempty"`
	}

	// BusDecl declares one named bus or bus group with optional automation.
	BusDecl struct {
		Name   string
		Rate   string      `yaml:",omitempty"` // control (default) or audio
		Count  int         `yaml:",omitempty"` // >1 makes a group
		Values []ValueDecl `yaml:",flow,omitempty"`
	}

	ValueDecl struct {
		Offset float64
		Value  float64
	}

	// BufferDecl declares one named buffer, optionally file-backed.
	BufferDecl struct {
		Name     string
		Offset   float64 `yaml:",omitempty"`
		Duration float64 `yaml:",omitempty"`
		Channels int     `yaml:",omitempty"`
		Frames   int     `yaml:",omitempty"`
		File     string  `yaml:",omitempty"`
	}

	// GroupDecl declares one named group placed under the root (or under
	// Parent) at Offset.
	GroupDecl struct {
		Name     string
		Parent   string  `yaml:",omitempty"`
		Offset   float64 `yaml:",omitempty"`
		Duration float64 `yaml:",omitempty"` // zero means unbounded
	}

	// SynthDecl places one synth. Controls are creation-time values; string
	// values name buses or buffers declared elsewhere in the scene.
	// Automation holds later parameter breakpoints at absolute offsets.
	SynthDecl struct {
		Synthdef   string
		Parent     string           `yaml:",omitempty"`
		Offset     float64          `yaml:",omitempty"`
		Duration   float64          `yaml:",omitempty"`
		Controls   map[string]any   `yaml:",flow,omitempty"`
		Automation []AutomationDecl `yaml:",omitempty"`
	}

	AutomationDecl struct {
		Offset float64
		Key    string
		Value  any
	}
)

// ReadFile parses a scene document from a YAML file.
func ReadFile(path string) (*Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a scene document from YAML.
func Read(r io.Reader) (*Scene, error) {
	var sc Scene
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	return &sc, nil
}

// Write serializes the scene as YAML.
func (sc *Scene) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(sc)
}

// Build replays the scene into a fresh session. Declarations are applied in
// ascending offset order so that the resulting timeline matches what the
// same calls issued live would produce.
func (sc *Scene) Build() (*kaanon.Session, error) {
	inputs, outputs := sc.InputChannels, sc.OutputChannels
	if inputs == 0 {
		inputs = 8
	}
	if outputs == 0 {
		outputs = 8
	}
	session := kaanon.NewSessionWithOptions(kaanon.SessionOptions{
		InputBusChannels:  inputs,
		OutputBusChannels: outputs,
		Padding:           sc.Padding,
	})
	b := &builder{
		scene:   sc,
		session: session,
		defs:    make(map[string]*kaanon.Synthdef),
		objects: make(map[string]any),
		groups:  make(map[string]*kaanon.Group),
	}
	if err := b.declareSynthdefs(); err != nil {
		return nil, err
	}
	if err := b.declareBuses(); err != nil {
		return nil, err
	}
	if err := b.run(); err != nil {
		return nil, err
	}
	return session, nil
}

type builder struct {
	scene   *Scene
	session *kaanon.Session
	defs    map[string]*kaanon.Synthdef
	objects map[string]any // name -> *Bus, *BusGroup or *Buffer
	groups  map[string]*kaanon.Group
	steps   []step
}

// step is one timed action; steps run grouped by offset inside one moment
// per offset, in declaration order within equal offsets.
type step struct {
	offset float64
	run    func(m *kaanon.Moment) error
}

func (b *builder) declareSynthdefs() error {
	for _, decl := range b.scene.Synthdefs {
		if decl.Name == "" {
			return fmt.Errorf("build scene: synthdef without a name")
		}
		if _, ok := b.defs[decl.Name]; ok {
			return fmt.Errorf("build scene: duplicate synthdef %q", decl.Name)
		}
		def := &kaanon.Synthdef{Name: decl.Name, Body: decl.Body}
		for _, p := range decl.Params {
			rate, err := paramRate(p.Rate)
			if err != nil {
				return fmt.Errorf("build scene: synthdef %q: %w", decl.Name, err)
			}
			def.Parameters = append(def.Parameters, kaanon.Parameter{
				Name: p.Name, Rate: rate, Default: p.Default,
			})
		}
		b.defs[decl.Name] = def
	}
	return nil
}

func (b *builder) declareBuses() error {
	for _, decl := range b.scene.Buses {
		if _, ok := b.objects[decl.Name]; ok {
			return fmt.Errorf("build scene: duplicate name %q", decl.Name)
		}
		rate := kaanon.Control
		if decl.Rate == "audio" {
			rate = kaanon.Audio
		}
		if decl.Count > 1 {
			group, err := b.session.AddBusGroup(decl.Count, rate)
			if err != nil {
				return fmt.Errorf("build scene: bus %q: %w", decl.Name, err)
			}
			b.objects[decl.Name] = group
			continue
		}
		bus, err := b.session.AddBus(rate)
		if err != nil {
			return fmt.Errorf("build scene: bus %q: %w", decl.Name, err)
		}
		b.objects[decl.Name] = bus
		for _, v := range decl.Values {
			value := v.Value
			b.addStep(v.Offset, func(*kaanon.Moment) error {
				return bus.Set(value)
			})
		}
	}
	return nil
}

var errDeferred = fmt.Errorf("deferred")

func (b *builder) addStep(offset float64, run func(m *kaanon.Moment) error) {
	b.steps = append(b.steps, step{offset: offset, run: run})
}

func (b *builder) run() error {
	if err := b.planBuffers(); err != nil {
		return err
	}
	if err := b.planGroups(); err != nil {
		return err
	}
	if err := b.planSynths(); err != nil {
		return err
	}
	sort.SliceStable(b.steps, func(i, j int) bool { return b.steps[i].offset < b.steps[j].offset })
	for i := 0; i < len(b.steps); {
		offset := b.steps[i].offset
		m, err := b.session.At(offset)
		if err != nil {
			return fmt.Errorf("build scene: offset %v: %w", offset, err)
		}
		for ; i < len(b.steps) && b.steps[i].offset == offset; i++ {
			if err := b.steps[i].run(m); err != nil {
				m.Close()
				return fmt.Errorf("build scene: offset %v: %w", offset, err)
			}
		}
		if err := m.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) planBuffers() error {
	for _, decl := range b.scene.Buffers {
		decl := decl
		if _, ok := b.objects[decl.Name]; ok {
			return fmt.Errorf("build scene: duplicate name %q", decl.Name)
		}
		b.objects[decl.Name] = errDeferred
		b.addStep(decl.Offset, func(*kaanon.Moment) error {
			buffer, err := b.session.AddBuffer(kaanon.BufferOptions{
				ChannelCount: decl.Channels,
				FrameCount:   decl.Frames,
				FilePath:     decl.File,
				Duration:     decl.Duration,
			})
			if err != nil {
				return fmt.Errorf("buffer %q: %w", decl.Name, err)
			}
			b.objects[decl.Name] = buffer
			return nil
		})
	}
	return nil
}

func (b *builder) planGroups() error {
	for _, decl := range b.scene.Groups {
		decl := decl
		if _, ok := b.groups[decl.Name]; ok {
			return fmt.Errorf("build scene: duplicate group %q", decl.Name)
		}
		b.groups[decl.Name] = nil
		b.addStep(decl.Offset, func(*kaanon.Moment) error {
			parent, err := b.parentGroup(decl.Parent)
			if err != nil {
				return fmt.Errorf("group %q: %w", decl.Name, err)
			}
			group, err := parent.AddGroup(kaanon.AddToTail, sceneDuration(decl.Duration))
			if err != nil {
				return fmt.Errorf("group %q: %w", decl.Name, err)
			}
			b.groups[decl.Name] = group
			return nil
		})
	}
	return nil
}

func (b *builder) planSynths() error {
	for i, decl := range b.scene.Synths {
		decl := decl
		def, ok := b.defs[decl.Synthdef]
		if !ok {
			return fmt.Errorf("build scene: synth %d: unknown synthdef %q", i, decl.Synthdef)
		}
		var node *kaanon.Synth
		b.addStep(decl.Offset, func(*kaanon.Moment) error {
			parent, err := b.parentGroup(decl.Parent)
			if err != nil {
				return err
			}
			controls, err := b.resolveControls(decl.Controls)
			if err != nil {
				return err
			}
			node, err = parent.AddSynth(def, kaanon.AddToTail, sceneDuration(decl.Duration), controls)
			return err
		})
		for _, auto := range decl.Automation {
			auto := auto
			b.addStep(auto.Offset, func(*kaanon.Moment) error {
				if node == nil {
					return fmt.Errorf("automation at %v precedes its synth", auto.Offset)
				}
				value, err := b.resolveValue(auto.Value)
				if err != nil {
					return err
				}
				return node.Set(auto.Key, value)
			})
		}
	}
	return nil
}

func (b *builder) parentGroup(name string) (*kaanon.Group, error) {
	if name == "" {
		return b.session.Root(), nil
	}
	group, ok := b.groups[name]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", name)
	}
	if group == nil {
		return nil, fmt.Errorf("group %q is not alive yet", name)
	}
	return group, nil
}

func (b *builder) resolveControls(controls map[string]any) (map[string]any, error) {
	if len(controls) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(controls))
	for key, value := range controls {
		resolved, err := b.resolveValue(value)
		if err != nil {
			return nil, fmt.Errorf("control %q: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

// resolveValue maps string values to the named bus, bus group or buffer;
// everything else passes through as a plain value.
func (b *builder) resolveValue(value any) (any, error) {
	name, ok := value.(string)
	if !ok {
		return value, nil
	}
	object, ok := b.objects[name]
	if !ok {
		return nil, fmt.Errorf("unknown object %q: %w", name, kaanon.ErrUnresolvedReference)
	}
	if object == errDeferred {
		return nil, fmt.Errorf("object %q is not alive yet: %w", name, kaanon.ErrUnresolvedReference)
	}
	return object, nil
}

func sceneDuration(d float64) float64 {
	if d == 0 {
		return kaanon.Unbounded
	}
	return d
}

func paramRate(rate string) (kaanon.ParameterRate, error) {
	switch rate {
	case "", "control":
		return kaanon.ControlRate, nil
	case "scalar":
		return kaanon.Scalar, nil
	case "audio":
		return kaanon.AudioRate, nil
	}
	return 0, fmt.Errorf("unknown parameter rate %q", rate)
}
