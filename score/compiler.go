package score

import (
	"fmt"
	"math"
	"sort"

	"github.com/chabad360/go-osc/osc"

	"github.com/mkarvonen/kaanon"
)

// Bundle is one timestamped group of requests; Offset is in seconds from the
// session start.
type Bundle struct {
	Offset   float64
	Messages []*osc.Message
}

// Score is a compiled session: one bundle per offset with content, ascending
// by offset, ending with the sentinel request at the render's final offset.
type Score struct {
	Bundles  []Bundle
	Duration float64
	IDs      *IDMap
}

// Sentinel is the no-op request appended at the final offset so the
// transport has an explicit end-of-timeline marker.
const Sentinel = "/nothing"

// Compile translates the session into its bundle sequence, truncated (or
// extended) to duration seconds. A zero duration uses the session's own
// duration; a session without a finite positive duration needs an explicit
// one or compilation fails with ErrOpenEndedRender.
func Compile(session *kaanon.Session, duration float64) (*Score, error) {
	if duration == 0 {
		duration = session.Duration()
	}
	if duration <= 0 || math.IsInf(duration, 1) || math.IsNaN(duration) {
		return nil, fmt.Errorf("compile: %w", kaanon.ErrOpenEndedRender)
	}
	c := &compiler{
		session:    session,
		duration:   duration,
		ids:        BuildIDMap(session),
		openStates: make(map[int32]bool),
		visited:    make(map[*kaanon.Synthdef]bool),
	}
	if err := c.collectBufferSettings(); err != nil {
		return nil, err
	}
	if err := c.collectBusSettings(); err != nil {
		return nil, err
	}
	offsets := session.Offsets()[1:]
	if i := sort.SearchFloat64s(offsets, duration); i == len(offsets) || offsets[i] != duration {
		offsets = append(offsets, 0)
		copy(offsets[i+1:], offsets[i:])
		offsets[i] = duration
	}
	result := &Score{Duration: duration, IDs: c.ids}
	for _, offset := range offsets {
		isLast := offset == duration
		messages, err := c.collectAt(offset, isLast)
		if err != nil {
			return nil, err
		}
		if isLast {
			messages = append(messages, msg(Sentinel))
		}
		if len(messages) > 0 {
			result.Bundles = append(result.Bundles, Bundle{Offset: offset, Messages: messages})
		}
		if isLast {
			break
		}
	}
	return result, nil
}

// bufferOp pairs a recorded buffer event with its owning buffer.
type bufferOp struct {
	buffer *kaanon.Buffer
	event  kaanon.BufferEvent
}

type compiler struct {
	session  *kaanon.Session
	duration float64
	ids      *IDMap

	bufferSettings map[float64][]bufferOp
	busSettings    map[float64]map[int32]float32

	openStates map[int32]bool // buffer id -> file currently open
	visited    map[*kaanon.Synthdef]bool
}

func (c *compiler) collectBufferSettings() error {
	c.bufferSettings = make(map[float64][]bufferOp)
	buffers := c.session.Buffers()
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].ID() < buffers[j].ID() })
	for _, b := range buffers {
		for _, ev := range b.Events() {
			c.bufferSettings[ev.Offset] = append(c.bufferSettings[ev.Offset], bufferOp{buffer: b, event: ev})
		}
	}
	return nil
}

func (c *compiler) collectBusSettings() error {
	c.busSettings = make(map[float64]map[int32]float32)
	for _, bus := range c.session.Buses() {
		if bus.Rate() != kaanon.Control {
			continue
		}
		id, err := c.ids.BusID(bus)
		if err != nil {
			return err
		}
		for _, bp := range bus.Breakpoints() {
			settings, ok := c.busSettings[bp.Offset]
			if !ok {
				settings = make(map[int32]float32)
				c.busSettings[bp.Offset] = settings
			}
			settings[id] = float32(bp.Value)
		}
	}
	return nil
}

// collectAt emits the requests for one offset in the fixed category order:
// definition receives, buffer allocations, post-allocation buffer ops, node
// tree actions, control bus sets, node parameter sets, node frees, pre-free
// buffer ops, buffer frees. The order is a correctness contract; later
// categories assume ids and open states established by earlier ones.
func (c *compiler) collectAt(offset float64, isLast bool) ([]*osc.Message, error) {
	state := c.session.ResolveStateAt(offset)
	startNodes := state.StartNodes()
	stopNodes := append([]kaanon.Node{}, state.StopNodes()...)
	stopBuffers := append([]*kaanon.Buffer{}, state.StopBuffers()...)
	if isLast {
		stopNodes = mergeNodes(stopNodes, c.session.OverlapNodes(offset))
		stopBuffers = mergeBuffers(stopBuffers, c.session.OverlapBuffers(offset))
	}
	settings := c.collectNodeSettings(offset, state)

	var messages []*osc.Message
	messages = append(messages, c.synthdefRequests(startNodes)...)

	allocs, err := c.bufferAllocateRequests(state.StartBuffers())
	if err != nil {
		return nil, err
	}
	messages = append(messages, allocs...)

	postAlloc, err := c.bufferOpRequests(offset, postAllocKinds)
	if err != nil {
		return nil, err
	}
	messages = append(messages, postAlloc...)

	actions, err := c.nodeActionRequests(state, startNodes, settings)
	if err != nil {
		return nil, err
	}
	messages = append(messages, actions...)

	messages = append(messages, c.busSetRequests(offset)...)

	sets, err := c.nodeSetRequests(settings)
	if err != nil {
		return nil, err
	}
	messages = append(messages, sets...)

	frees, err := c.nodeFreeRequests(stopNodes)
	if err != nil {
		return nil, err
	}
	messages = append(messages, frees...)

	preFree, err := c.bufferOpRequests(offset, preFreeKinds)
	if err != nil {
		return nil, err
	}
	messages = append(messages, preFree...)

	bufferFrees, err := c.bufferFreeRequests(stopBuffers)
	if err != nil {
		return nil, err
	}
	messages = append(messages, bufferFrees...)
	return messages, nil
}

// Category 1: /d_recv for definitions first used at this offset, sorted by
// content hash.
func (c *compiler) synthdefRequests(startNodes []kaanon.Node) []*osc.Message {
	var defs []*kaanon.Synthdef
	for _, node := range startNodes {
		synth, ok := node.(*kaanon.Synth)
		if !ok || c.visited[synth.Def()] {
			continue
		}
		c.visited[synth.Def()] = true
		defs = append(defs, synth.Def())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].AnonymousName() < defs[j].AnonymousName() })
	var messages []*osc.Message
	for _, def := range defs {
		messages = append(messages, msg("/d_recv", def.Body))
	}
	return messages
}

// Category 2: buffer allocation, folding in the backing file read when one
// is configured.
func (c *compiler) bufferAllocateRequests(startBuffers []*kaanon.Buffer) ([]*osc.Message, error) {
	var messages []*osc.Message
	for _, b := range startBuffers {
		id, err := c.ids.BufferID(b)
		if err != nil {
			return nil, err
		}
		opts := b.Options()
		switch {
		case opts.FilePath != "" && len(opts.ChannelIndices) > 0:
			args := []any{id, opts.FilePath, int32(opts.StartingFrame), frameArg(opts.FrameCount)}
			for _, ch := range opts.ChannelIndices {
				args = append(args, int32(ch))
			}
			messages = append(messages, msg("/b_allocReadChannel", args...))
		case opts.FilePath != "" && opts.ChannelCount > 0:
			args := []any{id, opts.FilePath, int32(opts.StartingFrame), frameArg(opts.FrameCount)}
			for ch := 0; ch < opts.ChannelCount; ch++ {
				args = append(args, int32(ch))
			}
			messages = append(messages, msg("/b_allocReadChannel", args...))
		case opts.FilePath != "":
			messages = append(messages, msg("/b_allocRead", id, opts.FilePath, int32(opts.StartingFrame), frameArg(opts.FrameCount)))
		default:
			frames := opts.FrameCount
			if frames < 1 {
				frames = 1
			}
			channels := opts.ChannelCount
			if channels < 1 {
				channels = 1
			}
			messages = append(messages, msg("/b_alloc", id, int32(frames), int32(channels)))
		}
		c.openStates[id] = false
	}
	return messages, nil
}

var postAllocKinds = []kaanon.BufferEventKind{
	kaanon.BufferRead,
	kaanon.BufferReadChannel,
	kaanon.BufferZero,
	kaanon.BufferFill,
	kaanon.BufferGenerate,
	kaanon.BufferSet,
	kaanon.BufferSetContiguous,
	kaanon.BufferNormalize,
	kaanon.BufferCopy,
}

var preFreeKinds = []kaanon.BufferEventKind{
	kaanon.BufferWrite,
}

// Categories 3 and 8: recorded buffer operations in fixed kind order. File
// operations on an already-open buffer close it first and track the new open
// state from the operation's leave-open flag.
func (c *compiler) bufferOpRequests(offset float64, kinds []kaanon.BufferEventKind) ([]*osc.Message, error) {
	ops := c.bufferSettings[offset]
	if len(ops) == 0 {
		return nil, nil
	}
	var messages []*osc.Message
	for _, kind := range kinds {
		for _, op := range ops {
			if op.event.Kind != kind {
				continue
			}
			id, err := c.ids.BufferID(op.buffer)
			if err != nil {
				return nil, err
			}
			if fileOp(kind) {
				if c.openStates[id] {
					messages = append(messages, msg("/b_close", id))
				}
				c.openStates[id] = op.event.LeaveOpen
			}
			m, err := c.bufferOpMessage(id, op.event)
			if err != nil {
				return nil, err
			}
			messages = append(messages, m)
		}
	}
	return messages, nil
}

func fileOp(kind kaanon.BufferEventKind) bool {
	return kind == kaanon.BufferRead || kind == kaanon.BufferReadChannel || kind == kaanon.BufferWrite
}

func (c *compiler) bufferOpMessage(id int32, ev kaanon.BufferEvent) (*osc.Message, error) {
	switch ev.Kind {
	case kaanon.BufferRead, kaanon.BufferReadChannel:
		args := []any{id, ev.Path, int32(ev.FileStartFrame), frameArg(ev.FrameCount), int32(ev.BufferStart), boolArg(ev.LeaveOpen)}
		if ev.Kind == kaanon.BufferRead {
			return msg("/b_read", args...), nil
		}
		for _, ch := range ev.ChannelIndices {
			args = append(args, int32(ch))
		}
		return msg("/b_readChannel", args...), nil
	case kaanon.BufferZero:
		return msg("/b_zero", id), nil
	case kaanon.BufferFill:
		args := []any{id}
		for _, t := range ev.FillTriples {
			args = append(args, int32(t.Start), int32(t.Count), t.Value)
		}
		return msg("/b_fill", args...), nil
	case kaanon.BufferGenerate:
		args := []any{id, ev.GenCommand}
		for _, a := range ev.GenArgs {
			args = append(args, a)
		}
		return msg("/b_gen", args...), nil
	case kaanon.BufferSet:
		args := []any{id}
		for _, p := range ev.SetPairs {
			args = append(args, int32(p.Index), p.Value)
		}
		return msg("/b_set", args...), nil
	case kaanon.BufferSetContiguous:
		args := []any{id, int32(ev.BufferStart), int32(len(ev.Values))}
		for _, v := range ev.Values {
			args = append(args, v)
		}
		return msg("/b_setn", args...), nil
	case kaanon.BufferNormalize:
		command := "normalize"
		if ev.AsWavetable {
			command = "wnormalize"
		}
		return msg("/b_gen", id, command, ev.NewMax), nil
	case kaanon.BufferCopy:
		sourceID, err := c.ids.BufferID(ev.Source)
		if err != nil {
			return nil, err
		}
		return msg("/b_gen", id, "copy", int32(ev.BufferStart), sourceID, int32(ev.SourceStart), frameArg(ev.FrameCount)), nil
	case kaanon.BufferWrite:
		return msg("/b_write", id, ev.Path, ev.HeaderFormat, ev.SampleFormat, frameArg(ev.FrameCount), int32(ev.BufferStart), boolArg(ev.LeaveOpen)), nil
	}
	return nil, fmt.Errorf("buffer event kind %d: %w", int(ev.Kind), kaanon.ErrUnresolvedReference)
}

// Category 4: tree transitions in recorded order. Transitions whose subject
// starts here become creation requests carrying the subject's parameter
// snapshot; the rest become move requests.
func (c *compiler) nodeActionRequests(state *kaanon.State, startNodes []kaanon.Node, settings *nodeSettingList) ([]*osc.Message, error) {
	starting := make(map[kaanon.Node]bool, len(startNodes))
	for _, n := range startNodes {
		starting[n] = true
	}
	var messages []*osc.Message
	for _, t := range state.Transitions() {
		subjectID, err := c.ids.NodeID(t.Subject)
		if err != nil {
			return nil, err
		}
		targetID, err := c.ids.NodeID(t.Target)
		if err != nil {
			return nil, err
		}
		if !starting[t.Subject] {
			switch t.Action {
			case kaanon.AddToHead:
				messages = append(messages, msg("/g_head", targetID, subjectID))
			case kaanon.AddToTail:
				messages = append(messages, msg("/g_tail", targetID, subjectID))
			case kaanon.AddBefore:
				messages = append(messages, msg("/n_before", subjectID, targetID))
			case kaanon.AddAfter:
				messages = append(messages, msg("/n_after", subjectID, targetID))
			}
			continue
		}
		synth, ok := t.Subject.(*kaanon.Synth)
		if !ok {
			messages = append(messages, msg("/g_new", subjectID, int32(t.Action), targetID))
			continue
		}
		controls := synth.Controls()
		for _, setting := range settings.pop(t.Subject) {
			controls[setting.Key] = setting.Value
		}
		if synth.Def().HasParameter("duration") {
			nodeDuration := synth.Duration()
			if c.duration < synth.StopOffset() {
				nodeDuration = c.duration - synth.StartOffset()
			}
			controls["duration"] = nodeDuration
		}
		args := []any{synth.Def().RequestName(), subjectID, int32(t.Action), targetID}
		keys := make([]string, 0, len(controls))
		for k := range controls {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			value, err := c.controlArg(controls[k])
			if err != nil {
				return nil, err
			}
			if value == nil {
				continue
			}
			args = append(args, k, value)
		}
		messages = append(messages, msg("/s_new", args...))
	}
	return messages, nil
}

// controlArg encodes a creation-time control value: numbers become floats,
// buses become map strings, buffers become their wire ids.
func (c *compiler) controlArg(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		return float32(v), nil
	case *kaanon.Bus:
		id, err := c.ids.BusID(v)
		if err != nil {
			return nil, err
		}
		return busMapString(v.Rate(), id), nil
	case *kaanon.BusGroup:
		id, err := c.ids.BusGroupID(v)
		if err != nil {
			return nil, err
		}
		return busMapString(v.Bus(0).Rate(), id), nil
	case *kaanon.Buffer:
		id, err := c.ids.BufferID(v)
		if err != nil {
			return nil, err
		}
		return id, nil
	case *kaanon.BufferGroup:
		id, err := c.ids.BufferGroupID(v)
		if err != nil {
			return nil, err
		}
		return id, nil
	}
	return nil, fmt.Errorf("control value %T: %w", value, kaanon.ErrUnresolvedReference)
}

func busMapString(rate kaanon.CalculationRate, id int32) string {
	if rate == kaanon.Audio {
		return fmt.Sprintf("a%d", id)
	}
	return fmt.Sprintf("c%d", id)
}

// Category 5: one batched /c_set per offset, index-ascending.
func (c *compiler) busSetRequests(offset float64) []*osc.Message {
	settings := c.busSettings[offset]
	if len(settings) == 0 {
		return nil
	}
	indices := make([]int32, 0, len(settings))
	for idx := range settings {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	args := make([]any, 0, len(indices)*2)
	for _, idx := range indices {
		args = append(args, idx, settings[idx])
	}
	return []*osc.Message{msg("/c_set", args...)}
}

// Category 6: parameter sets for nodes already in the tree, split into plain
// values, audio bus maps and control bus maps, in tree order. Scalar-rate
// parameters only exist at creation and are skipped.
func (c *compiler) nodeSetRequests(settings *nodeSettingList) ([]*osc.Message, error) {
	var messages []*osc.Message
	for _, node := range settings.order {
		nodeSettings, ok := settings.byNode[node]
		if !ok {
			continue
		}
		nodeID, err := c.ids.NodeID(node)
		if err != nil {
			return nil, err
		}
		synth, _ := node.(*kaanon.Synth)
		plain := msg("/n_set", nodeID)
		audio := msg("/n_mapa", nodeID)
		control := msg("/n_map", nodeID)
		plainCount, audioCount, controlCount := 0, 0, 0
		for _, setting := range nodeSettings {
			if synth != nil {
				if p, ok := synth.Def().Parameter(setting.Key); ok && p.Rate == kaanon.Scalar {
					continue
				}
			}
			switch v := setting.Value.(type) {
			case nil:
				control.Append(setting.Key)
				control.Append(int32(-1))
				controlCount++
			case *kaanon.Bus:
				id, err := c.ids.BusID(v)
				if err != nil {
					return nil, err
				}
				if v.Rate() == kaanon.Audio {
					audio.Append(setting.Key)
					audio.Append(id)
					audioCount++
				} else {
					control.Append(setting.Key)
					control.Append(id)
					controlCount++
				}
			case *kaanon.BusGroup:
				id, err := c.ids.BusGroupID(v)
				if err != nil {
					return nil, err
				}
				if v.Bus(0).Rate() == kaanon.Audio {
					audio.Append(setting.Key)
					audio.Append(id)
					audioCount++
				} else {
					control.Append(setting.Key)
					control.Append(id)
					controlCount++
				}
			case *kaanon.Buffer:
				id, err := c.ids.BufferID(v)
				if err != nil {
					return nil, err
				}
				plain.Append(setting.Key)
				plain.Append(id)
				plainCount++
			case float64:
				plain.Append(setting.Key)
				plain.Append(float32(v))
				plainCount++
			default:
				return nil, fmt.Errorf("parameter %q value %T: %w", setting.Key, setting.Value, kaanon.ErrUnresolvedReference)
			}
		}
		if plainCount > 0 {
			messages = append(messages, plain)
		}
		if audioCount > 0 {
			messages = append(messages, audio)
		}
		if controlCount > 0 {
			messages = append(messages, control)
		}
	}
	return messages, nil
}

// Category 7: nodes stopping here. Definitions exposing a gate parameter get
// a soft release; everything else with a real duration gets a hard free.
func (c *compiler) nodeFreeRequests(stopNodes []kaanon.Node) ([]*osc.Message, error) {
	var freeIDs, gateIDs []int32
	for _, node := range stopNodes {
		id, err := c.ids.NodeID(node)
		if err != nil {
			return nil, err
		}
		if synth, ok := node.(*kaanon.Synth); ok && synth.Def().HasParameter("gate") {
			gateIDs = append(gateIDs, id)
		} else if node.Duration() != 0 {
			freeIDs = append(freeIDs, id)
		}
	}
	sort.Slice(freeIDs, func(i, j int) bool { return freeIDs[i] < freeIDs[j] })
	sort.Slice(gateIDs, func(i, j int) bool { return gateIDs[i] < gateIDs[j] })
	var messages []*osc.Message
	if len(freeIDs) > 0 {
		args := make([]any, len(freeIDs))
		for i, id := range freeIDs {
			args[i] = id
		}
		messages = append(messages, msg("/n_free", args...))
	}
	for _, id := range gateIDs {
		messages = append(messages, msg("/n_set", id, "gate", int32(0)))
	}
	return messages, nil
}

// Category 9: close still-open files, then free, buffer id ascending.
func (c *compiler) bufferFreeRequests(stopBuffers []*kaanon.Buffer) ([]*osc.Message, error) {
	sort.Slice(stopBuffers, func(i, j int) bool { return stopBuffers[i].ID() < stopBuffers[j].ID() })
	var messages []*osc.Message
	for _, b := range stopBuffers {
		id, err := c.ids.BufferID(b)
		if err != nil {
			return nil, err
		}
		if c.openStates[id] {
			messages = append(messages, msg("/b_close", id))
		}
		messages = append(messages, msg("/b_free", id))
		delete(c.openStates, id)
	}
	return messages, nil
}

// nodeSettingList holds per-node parameter breakpoints falling exactly at
// one offset, in the tree order of that offset's resolved state.
type nodeSettingList struct {
	order  []kaanon.Node
	byNode map[kaanon.Node][]kaanon.Setting
}

func (c *compiler) collectNodeSettings(offset float64, state *kaanon.State) *nodeSettingList {
	list := &nodeSettingList{byNode: make(map[kaanon.Node][]kaanon.Setting)}
	for _, node := range state.NodeOrder() {
		settings := node.SettingsAt(offset)
		if len(settings) == 0 {
			continue
		}
		list.order = append(list.order, node)
		list.byNode[node] = settings
	}
	return list
}

func (l *nodeSettingList) pop(node kaanon.Node) []kaanon.Setting {
	settings, ok := l.byNode[node]
	if !ok {
		return nil
	}
	delete(l.byNode, node)
	return settings
}

func mergeNodes(stop []kaanon.Node, overlap []kaanon.Node) []kaanon.Node {
	seen := make(map[kaanon.Node]bool, len(stop))
	for _, n := range stop {
		seen[n] = true
	}
	for _, n := range overlap {
		if !seen[n] {
			stop = append(stop, n)
		}
	}
	return stop
}

func mergeBuffers(stop []*kaanon.Buffer, overlap []*kaanon.Buffer) []*kaanon.Buffer {
	seen := make(map[*kaanon.Buffer]bool, len(stop))
	for _, b := range stop {
		seen[b] = true
	}
	for _, b := range overlap {
		if !seen[b] {
			stop = append(stop, b)
		}
	}
	return stop
}

func msg(address string, args ...any) *osc.Message {
	m := osc.NewMessage(address)
	for _, arg := range args {
		m.Append(arg)
	}
	return m
}

func frameArg(frameCount int) int32 {
	if frameCount == 0 {
		return -1
	}
	return int32(frameCount)
}

func boolArg(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
