// Package compositor implements the deterministic grid decomposition and
// composition pixel math. Everything here is pure: images in, images out.
package compositor

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kalambet/mediagraph/internal/graph"
)

// labelMargin is the fixed extra height of the label bar beyond the text size.
const labelMargin = 8

// defaultCellSize is used when a composition receives no images at all.
const defaultCellSize = 256

// Decompose slices a composed image into rows*cols per-slot images. Slot
// ordering is row-major; cell rectangles use integer-truncated division of
// the source dimensions so cells never overlap or leave seams.
func Decompose(img image.Image, rows, cols int) (map[string]*image.RGBA, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("invalid grid %dx%d", rows, cols)
	}
	b := img.Bounds()
	cellW := b.Dx() / cols
	cellH := b.Dy() / rows
	if cellW < 1 || cellH < 1 {
		return nil, fmt.Errorf("image %dx%d too small for a %dx%d grid", b.Dx(), b.Dy(), rows, cols)
	}

	cells := make(map[string]*image.RGBA, rows*cols)
	for i := 0; i < rows*cols; i++ {
		row := i / cols
		col := i % cols

		src := image.Rect(
			b.Min.X+col*cellW,
			b.Min.Y+row*cellH,
			b.Min.X+col*cellW+cellW,
			b.Min.Y+row*cellH+cellH,
		)
		// Each cell is rendered in isolation onto its own canvas.
		cell := image.NewRGBA(image.Rect(0, 0, cellW, cellH))
		draw.Draw(cell, cell.Bounds(), img, src.Min, draw.Src)
		cells[graph.SlotID(i)] = cell
	}
	return cells, nil
}

// Compose renders per-slot images onto one canvas. Missing slots render as
// background-filled cells. With Options.FixedCellHeight set, every cell
// keeps its own aspect-derived width and the canvas width is the exact sum
// of per-slot widths plus border gaps plus padding.
func Compose(cells map[string]image.Image, rows, cols int, opts graph.GridOptions) (*image.RGBA, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("invalid grid %dx%d", rows, cols)
	}

	bw := 0
	if opts.ShowBorder && opts.BorderWidth > 0 {
		bw = opts.BorderWidth
	}
	pad := opts.CellPadding
	if pad < 0 {
		pad = 0
	}
	labelH := 0
	if opts.ShowLabels {
		size := opts.LabelSize
		if size <= 0 {
			size = 13
		}
		labelH = size + labelMargin
	}

	widths, rowHeights := layout(cells, rows, cols, opts)

	canvasW := 0
	for r := 0; r < rows; r++ {
		rowW := cols * bw
		for c := 0; c < cols; c++ {
			rowW += widths[r*cols+c]
		}
		if rowW > canvasW {
			canvasW = rowW
		}
	}
	canvasW += 2 * pad

	canvasH := 2 * pad
	for r := 0; r < rows; r++ {
		canvasH += rowHeights[r] + labelH + bw
	}

	canvas := image.NewRGBA(image.Rect(0, 0, canvasW, canvasH))
	background := parseHexColor(opts.Background, color.RGBA{255, 255, 255, 255})
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	borderColor := parseHexColor(opts.BorderColor, color.RGBA{0, 0, 0, 255})
	labelColor := parseHexColor(opts.LabelColor, color.RGBA{255, 255, 255, 255})

	y := pad
	for r := 0; r < rows; r++ {
		x := pad
		for c := 0; c < cols; c++ {
			i := r*cols + c
			w := widths[i]
			cellRect := image.Rect(x, y, x+w, y+rowHeights[r])

			if img := cells[graph.SlotID(i)]; img != nil {
				drawFitted(canvas, cellRect, img, opts.Fit, opts.FixedCellHeight > 0)
			}

			if labelH > 0 {
				bar := image.Rect(x, y+rowHeights[r], x+w, y+rowHeights[r]+labelH)
				draw.Draw(canvas, bar, image.NewUniform(color.RGBA{0, 0, 0, 255}), image.Point{}, draw.Src)
				drawCenteredLabel(canvas, bar, graph.SlotID(i), labelColor)
			}

			x += w
			if bw > 0 {
				border := image.Rect(x, y, x+bw, y+rowHeights[r]+labelH)
				draw.Draw(canvas, border, image.NewUniform(borderColor), image.Point{}, draw.Src)
			}
			x += bw
		}

		y += rowHeights[r] + labelH
		if bw > 0 {
			border := image.Rect(pad, y, canvasW-pad, y+bw)
			draw.Draw(canvas, border, image.NewUniform(borderColor), image.Point{}, draw.Src)
		}
		y += bw
	}

	return canvas, nil
}

// layout computes per-slot widths and per-row heights for both grid modes.
func layout(cells map[string]image.Image, rows, cols int, opts graph.GridOptions) (widths []int, rowHeights []int) {
	widths = make([]int, rows*cols)
	rowHeights = make([]int, rows)

	if h := opts.FixedCellHeight; h > 0 {
		// Fixed-height mode: every cell spans exactly h pixels of height and
		// derives its width from its own aspect ratio. Rows may contain cells
		// of different widths; this is intentional, not an approximation.
		for i := 0; i < rows*cols; i++ {
			w := h // empty slots render square
			if img := cells[graph.SlotID(i)]; img != nil {
				b := img.Bounds()
				if b.Dy() > 0 {
					w = b.Dx() * h / b.Dy()
				}
				if w < 1 {
					w = 1
				}
			}
			widths[i] = w
		}
		for r := 0; r < rows; r++ {
			rowHeights[r] = h
		}
		return widths, rowHeights
	}

	// Uniform mode: one cell size for the whole grid, the maximum of the
	// provided images so nothing is forced smaller than its source.
	cellW, cellH := 0, 0
	for i := 0; i < rows*cols; i++ {
		if img := cells[graph.SlotID(i)]; img != nil {
			b := img.Bounds()
			if b.Dx() > cellW {
				cellW = b.Dx()
			}
			if b.Dy() > cellH {
				cellH = b.Dy()
			}
		}
	}
	if cellW == 0 {
		cellW = defaultCellSize
	}
	if cellH == 0 {
		cellH = defaultCellSize
	}
	for i := range widths {
		widths[i] = cellW
	}
	for r := range rowHeights {
		rowHeights[r] = cellH
	}
	return widths, rowHeights
}

// drawFitted places img into rect honoring the aspect-fit mode. In
// fixed-height mode the rect already matches the image ratio, so a plain
// scale is exact.
func drawFitted(dst *image.RGBA, rect image.Rectangle, img image.Image, fit graph.FitMode, exactRatio bool) {
	src := img.Bounds()
	if src.Dx() < 1 || src.Dy() < 1 || rect.Dx() < 1 || rect.Dy() < 1 {
		return
	}
	if exactRatio || fit == graph.FitStretch || fit == "" {
		draw.CatmullRom.Scale(dst, rect, img, src, draw.Over, nil)
		return
	}

	switch fit {
	case graph.FitContain:
		// Preserve ratio, letterbox inside rect. The background fill already
		// painted the letterbox area.
		w, h := rect.Dx(), rect.Dy()
		if src.Dx()*h > src.Dy()*w {
			h = src.Dy() * w / src.Dx()
		} else {
			w = src.Dx() * h / src.Dy()
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		x := rect.Min.X + (rect.Dx()-w)/2
		y := rect.Min.Y + (rect.Dy()-h)/2
		draw.CatmullRom.Scale(dst, image.Rect(x, y, x+w, y+h), img, src, draw.Over, nil)

	case graph.FitCover:
		// Preserve ratio, crop the overflow: scale the centered source
		// sub-rectangle that matches the cell's ratio.
		srcW, srcH := src.Dx(), src.Dy()
		cropW, cropH := srcW, srcH
		if srcW*rect.Dy() > srcH*rect.Dx() {
			cropW = srcH * rect.Dx() / rect.Dy()
		} else {
			cropH = srcW * rect.Dy() / rect.Dx()
		}
		if cropW < 1 {
			cropW = 1
		}
		if cropH < 1 {
			cropH = 1
		}
		crop := image.Rect(
			src.Min.X+(srcW-cropW)/2,
			src.Min.Y+(srcH-cropH)/2,
			src.Min.X+(srcW-cropW)/2+cropW,
			src.Min.Y+(srcH-cropH)/2+cropH,
		)
		draw.CatmullRom.Scale(dst, rect, img, crop, draw.Over, nil)

	default:
		draw.CatmullRom.Scale(dst, rect, img, src, draw.Over, nil)
	}
}

func drawCenteredLabel(dst *image.RGBA, bar image.Rectangle, text string, c color.Color) {
	face := basicfont.Face7x13
	textW := font.MeasureString(face, text).Ceil()
	x := bar.Min.X + (bar.Dx()-textW)/2
	y := bar.Min.Y + (bar.Dy()+face.Ascent)/2 - 1
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// parseHexColor parses "#rgb" and "#rrggbb" values, falling back to def.
func parseHexColor(s string, def color.RGBA) color.RGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(s) {
	case 3:
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	case 6:
	default:
		return def
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return def
	}
	return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 255}
}
