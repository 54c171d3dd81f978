package task

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mediagraph/internal/backoff"
	"github.com/kalambet/mediagraph/internal/compositor"
	"github.com/kalambet/mediagraph/internal/graph"
	"github.com/kalambet/mediagraph/internal/media"
	"github.com/kalambet/mediagraph/internal/provider"
)

const (
	retryAttempts = 3
	retryInitial  = 2 * time.Second
)

func (r *Runner) runImageGen(ctx context.Context, nodeID string) (commitFn, error) {
	if r.images == nil {
		return nil, &provider.Error{Kind: provider.KindMissingCredentials, Msg: "image generation is not configured"}
	}
	node, _ := r.state.Node(nodeID)
	d := node.Data.(*graph.ImageGenData)

	prompt := r.state.EffectivePrompt(nodeID)
	if prompt == "" {
		return nil, &provider.Error{Kind: provider.KindInvalidInput, Msg: "no prompt entered or connected"}
	}

	req := provider.Request{
		Prompt:      prompt,
		AspectRatio: d.AspectRatio,
		Model:       d.Model,
	}
	if ref := r.state.EffectiveImage(nodeID); ref != "" {
		data, _, err := r.resolveValue(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving reference image: %w", err)
		}
		req.ReferenceImages = append(req.ReferenceImages, data)
	}

	var result *provider.Result
	err := backoff.Retry(ctx, retryAttempts, retryInitial, func() error {
		var genErr error
		result, genErr = r.images.Generate(ctx, req)
		return genErr
	}, provider.IsRateLimited)
	if err != nil {
		return nil, err
	}

	ref, err := r.media.Put(ctx, uuid.NewString(), result.Data, result.MIME, nodeID, media.PutOptions{Compress: true})
	if err != nil {
		return nil, err
	}
	token := ref.String()
	return func(n *graph.Node) error {
		n.Data.(*graph.ImageGenData).Output = token
		return nil
	}, nil
}

func (r *Runner) runVideoGen(ctx context.Context, nodeID string) (commitFn, error) {
	node, _ := r.state.Node(nodeID)
	d := node.Data.(*graph.VideoGenData)

	gen := r.videoDirect
	if d.Mode == "proxy" {
		gen = r.videoProxy
	}
	if gen == nil {
		return nil, &provider.Error{Kind: provider.KindMissingCredentials, Msg: fmt.Sprintf("video generation (%s) is not configured", modeLabel(d.Mode))}
	}

	prompt := r.state.EffectivePrompt(nodeID)
	if prompt == "" {
		return nil, &provider.Error{Kind: provider.KindInvalidInput, Msg: "no prompt entered or connected"}
	}

	req := provider.Request{
		Prompt:   prompt,
		Model:    d.Model,
		Duration: d.Duration,
	}
	input := d.InputImage
	if input == "" {
		input = r.state.EffectiveImage(nodeID)
	}
	if input != "" {
		data, _, err := r.resolveValue(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("resolving input image: %w", err)
		}
		req.ReferenceImages = append(req.ReferenceImages, data)
	}

	var result *provider.Result
	err := backoff.Retry(ctx, retryAttempts, retryInitial, func() error {
		var genErr error
		result, genErr = gen.Generate(ctx, req)
		return genErr
	}, provider.IsRateLimited)
	if err != nil {
		return nil, err
	}

	mime := result.MIME
	if mime == "" {
		mime = "video/mp4"
	}
	ref, err := r.media.Put(ctx, uuid.NewString(), result.Data, mime, nodeID, media.PutOptions{})
	if err != nil {
		return nil, err
	}
	token := ref.String()
	return func(n *graph.Node) error {
		n.Data.(*graph.VideoGenData).Output = token
		return nil
	}, nil
}

func modeLabel(mode string) string {
	if mode == "proxy" {
		return "proxy"
	}
	return "direct"
}

func (r *Runner) runGridSplit(ctx context.Context, nodeID string) (commitFn, error) {
	node, _ := r.state.Node(nodeID)
	d := node.Data.(*graph.GridSplitData)

	source := d.Source
	if source == "" {
		source = r.state.EffectiveImage(nodeID)
	}
	if source == "" {
		return nil, &provider.Error{Kind: provider.KindInvalidInput, Msg: "no source image entered or connected"}
	}

	data, _, err := r.resolveValue(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("resolving source image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding source image: %w", err)
	}

	cells, err := compositor.Decompose(img, d.Rows, d.Cols)
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]string, len(cells))
	for i := 0; i < d.Rows*d.Cols; i++ {
		slot := graph.SlotID(i)
		encoded, err := encodePNG(cells[slot])
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", slot, err)
		}
		ref, err := r.media.Put(ctx, uuid.NewString(), encoded, "image/png", nodeID, media.PutOptions{})
		if err != nil {
			return nil, fmt.Errorf("caching %s: %w", slot, err)
		}
		tokens[slot] = ref.String()
	}

	return func(n *graph.Node) error {
		n.Data.(*graph.GridSplitData).Cells = tokens
		return nil
	}, nil
}

func (r *Runner) runGridCompose(ctx context.Context, nodeID string) (commitFn, error) {
	node, _ := r.state.Node(nodeID)
	d := node.Data.(*graph.GridComposeData)

	slots, err := r.state.SlotInputs(nodeID)
	if err != nil {
		return nil, err
	}

	cells := make(map[string]image.Image)
	for slot, token := range slots {
		if token == "" {
			continue // unconnected slots render as empty cells
		}
		data, _, err := r.resolveValue(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", slot, err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", slot, err)
		}
		cells[slot] = img
	}

	canvas, err := compositor.Compose(cells, d.Rows, d.Cols, d.Options)
	if err != nil {
		return nil, err
	}
	encoded, err := encodePNG(canvas)
	if err != nil {
		return nil, fmt.Errorf("encoding composed grid: %w", err)
	}
	ref, err := r.media.Put(ctx, uuid.NewString(), encoded, "image/png", nodeID, media.PutOptions{})
	if err != nil {
		return nil, err
	}
	token := ref.String()
	return func(n *graph.Node) error {
		n.Data.(*graph.GridComposeData).Output = token
		return nil
	}, nil
}

// resolveValue loads the bytes behind any media value a node field can hold:
// an inline data URL or a reference token.
func (r *Runner) resolveValue(ctx context.Context, value string) ([]byte, string, error) {
	if mime, data, ok := media.DecodeDataURL(value); ok {
		return data, mime, nil
	}
	if media.IsRef(value) {
		ref, err := media.ParseRef(value)
		if err != nil {
			return nil, "", err
		}
		return r.media.Resolve(ctx, ref)
	}
	// Bare ids predate reference tokens; treat them as local.
	return r.media.Resolve(ctx, media.LocalRef(value))
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
