package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/livedoc/internal/value"
)

// FrameKind distinguishes the streamback frames.
type FrameKind int

const (
	FrameStatus FrameKind = iota
	FrameData
	FrameAck
	FrameFilter
)

// Connection statuses.
const (
	StatusConnected    = "Connected"
	StatusDisconnected = "Disconnected"
)

// Frame is one message pushed to a viewer.
type Frame struct {
	Kind   FrameKind
	Status string

	// Data is a merge patch against the previous view; the first data
	// frame of a connection patches the empty object.
	Data value.Object
	Seq  int64

	Filter []string
}

// String renders the frame in its wire form.
func (f Frame) String() string {
	switch f.Kind {
	case FrameStatus:
		return "STATUS:" + f.Status
	case FrameData:
		return fmt.Sprintf(`{"data":%s,"seq":%d}`, value.MustEncode(f.Data), f.Seq)
	case FrameAck:
		return fmt.Sprintf(`{"seq":%d}`, f.Seq)
	case FrameFilter:
		filter := f.Filter
		if filter == nil {
			filter = []string{}
		}
		out, _ := json.Marshal(map[string][]string{"view-state-filter": filter})
		return string(out)
	}
	return fmt.Sprintf("frame(%d)", f.Kind)
}

// Streamback receives the frames of one connection, in view-seq order.
// Push is called from an engine worker and must not block for long.
type Streamback interface {
	Push(f Frame)
}

// StreamFunc adapts a function to Streamback.
type StreamFunc func(f Frame)

func (fn StreamFunc) Push(f Frame) { fn(f) }

// Recorder keeps every frame it receives.
//
// Thread-safety: Recorder is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	frames []Frame
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Push(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

// Frames returns a copy of the recorded frames.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Lines returns the recorded frames in wire form.
func (r *Recorder) Lines() []string {
	frames := r.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.String()
	}
	return out
}

// View folds the data frames into the viewer's current state.
func (r *Recorder) View() value.Object {
	view := value.Object{}
	for _, f := range r.Frames() {
		if f.Kind == FrameData {
			view = value.Merge(view, f.Data)
		}
	}
	return view
}

// Reset forgets the recorded frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}
