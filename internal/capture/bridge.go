package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os/exec"
)

// BridgeStrategy shells out to a configured command whose stdout is a PNG of
// the display. It is the escape hatch for virtualized and remote
// environments where no local graphics API exists, e.g.
//
//	ssh vm screencapture -x -t png -
//	adb exec-out screencap -p
type BridgeStrategy struct {
	command []string
}

// NewBridgeStrategy creates the strategy from the capability descriptor.
func NewBridgeStrategy(caps Capabilities) *BridgeStrategy {
	return &BridgeStrategy{command: caps.BridgeCommand}
}

// Name implements Strategy.
func (s *BridgeStrategy) Name() string { return "bridge" }

// Available implements Strategy.
func (s *BridgeStrategy) Available() bool { return len(s.command) > 0 }

// Bounds implements Strategy. The bridge target's geometry is unknown until
// a frame arrives; the chain uses the captured image bounds instead.
func (s *BridgeStrategy) Bounds() (image.Rectangle, error) {
	return image.Rectangle{}, errors.New("bridge does not report display bounds")
}

// Capture implements Strategy. The command is killed when ctx expires.
func (s *BridgeStrategy) Capture(ctx context.Context) (*image.RGBA, error) {
	if len(s.command) == 0 {
		return nil, errors.New("no bridge command configured")
	}

	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("bridge command: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("bridge command: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("bridge command produced no output")
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode bridge output: %w", err)
	}
	return toRGBA(img), nil
}
