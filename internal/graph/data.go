package graph

import "fmt"

// Data is the closed set of per-type node payloads. Consumers depend only on
// the exported fields of the concrete variants, never on node internals.
type Data interface {
	isData()
	clone() Data
}

// Stateful is implemented by payloads of runnable nodes. The task runner
// drives status transitions exclusively through this interface.
type Stateful interface {
	Data
	TaskStatus() NodeStatus
	SetTaskStatus(status NodeStatus)
	SetTaskError(msg string)
}

// taskState is embedded by runnable payloads.
type taskState struct {
	Status NodeStatus `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func (s *taskState) TaskStatus() NodeStatus {
	if s.Status == "" {
		return StatusIdle
	}
	return s.Status
}

func (s *taskState) SetTaskStatus(status NodeStatus) {
	s.Status = status
	if status != StatusError {
		s.Error = ""
	}
}

func (s *taskState) SetTaskError(msg string) {
	s.Status = StatusError
	s.Error = msg
}

// PromptData carries manually entered prompt text.
type PromptData struct {
	Text string `json:"text"`
}

// ImageImportData references a user-supplied image. Media holds either a
// reference token or an inline data URL awaiting migration.
type ImageImportData struct {
	Media string `json:"media"`
	MIME  string `json:"mime,omitempty"`
}

// ImageGenData drives a synchronous image generation call.
// Prompt is the manual override; an empty prompt inherits from the connected
// predecessor. Output holds the reference token of the generated image.
type ImageGenData struct {
	taskState
	Prompt      string `json:"prompt,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	Model       string `json:"model,omitempty"`
	Output      string `json:"output,omitempty"`
}

// VideoGenData drives an asynchronous video generation task.
// Mode selects the provider shape: "direct" polls the provider itself,
// "proxy" routes the handshake through the local signing service.
type VideoGenData struct {
	taskState
	Prompt     string `json:"prompt,omitempty"`
	Model      string `json:"model,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Duration   int    `json:"duration,omitempty"`
	InputImage string `json:"inputImage,omitempty"`
	Output     string `json:"output,omitempty"`
}

// GridSplitData decomposes a source image into rows*cols per-slot images.
// Cells maps slot ids to the reference tokens of the cut cell images.
type GridSplitData struct {
	taskState
	Rows   int               `json:"rows"`
	Cols   int               `json:"cols"`
	Source string            `json:"source,omitempty"`
	Cells  map[string]string `json:"cells,omitempty"`
}

// GridComposeData recomposes per-slot images into one canvas.
// Inputs maps slot ids to reference tokens; slots with no connected edge
// stay unset and render as empty cells.
type GridComposeData struct {
	taskState
	Rows    int               `json:"rows"`
	Cols    int               `json:"cols"`
	Options GridOptions       `json:"options"`
	Inputs  map[string]string `json:"inputs,omitempty"`
	Output  string            `json:"output,omitempty"`
}

func (*PromptData) isData()      {}
func (*ImageImportData) isData() {}
func (*ImageGenData) isData()    {}
func (*VideoGenData) isData()    {}
func (*GridSplitData) isData()   {}
func (*GridComposeData) isData() {}

func (d *PromptData) clone() Data      { c := *d; return &c }
func (d *ImageImportData) clone() Data { c := *d; return &c }
func (d *ImageGenData) clone() Data    { c := *d; return &c }
func (d *VideoGenData) clone() Data    { c := *d; return &c }

func (d *GridSplitData) clone() Data {
	c := *d
	c.Cells = cloneMap(d.Cells)
	return &c
}

func (d *GridComposeData) clone() Data {
	c := *d
	c.Inputs = cloneMap(d.Inputs)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SlotID returns the canonical slot id for a row-major slot index.
func SlotID(index int) string {
	return fmt.Sprintf("cell-%d", index)
}

// FitMode controls how a cell image is placed into its cell rectangle.
type FitMode string

const (
	FitStretch FitMode = "stretch" // ignore aspect ratio
	FitContain FitMode = "contain" // preserve ratio, letterbox with background
	FitCover   FitMode = "cover"   // preserve ratio, crop overflow
)

// GridOptions are the rendering options of a grid-compose node.
type GridOptions struct {
	ShowBorder  bool    `json:"showBorder,omitempty"`
	BorderWidth int     `json:"borderWidth,omitempty"`
	BorderColor string  `json:"borderColor,omitempty"`
	ShowLabels  bool    `json:"showLabels,omitempty"`
	LabelSize   int     `json:"labelSize,omitempty"`
	LabelColor  string  `json:"labelColor,omitempty"`
	Background  string  `json:"background,omitempty"`
	CellPadding int     `json:"cellPadding,omitempty"`
	Fit         FitMode `json:"fit,omitempty"`

	// FixedCellHeight switches composition to the fixed-height layout: every
	// cell is scaled to this height and keeps its own aspect-derived width,
	// so total canvas width becomes the sum of per-slot widths.
	FixedCellHeight int `json:"fixedCellHeight,omitempty"`
}
