// Package store persists frames emitted on confirmed changes: the full PNG,
// a JSON metadata sidecar and a downscaled thumbnail.
package store

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/avandersteldt/regionwatch/internal/detect"
	"github.com/avandersteldt/regionwatch/internal/events"
	"github.com/avandersteldt/regionwatch/internal/logger"
)

// Options configure a Store.
type Options struct {
	// Dir is the destination directory, created on demand.
	Dir string

	// MaxFrames caps how many captures are retained; older ones are pruned.
	// Zero disables pruning.
	MaxFrames int

	// ThumbnailWidth is the thumbnail pixel width; zero disables thumbnails.
	ThumbnailWidth int
}

// Metadata is the JSON sidecar written next to each frame.
type Metadata struct {
	SessionID  string         `json:"session_id"`
	CapturedAt time.Time      `json:"captured_at"`
	Strategy   string         `json:"capture_strategy"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Clamped    bool           `json:"clamped,omitempty"`
	Verdict    detect.Verdict `json:"verdict"`
	ImagePath  string         `json:"image_path"`
	ThumbPath  string         `json:"thumb_path,omitempty"`
}

type job struct {
	frame   *capture.Frame
	verdict detect.Verdict
	session string
}

// Store writes change frames to disk. Event handlers only enqueue; the disk
// work runs on a dedicated worker goroutine so the bus publish never blocks
// on I/O.
type Store struct {
	opts Options

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates the store and starts its worker.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("storage directory must not be empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	s := &Store{
		opts: opts,
		jobs: make(chan job, 64),
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Attach subscribes the store to ChangeDetected events and returns the
// unsubscribe function.
func (s *Store) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.TypeChangeDetected, func(e events.Event) {
		if e.Frame == nil || e.Verdict == nil {
			return
		}
		s.enqueue(job{frame: e.Frame, verdict: *e.Verdict, session: e.SessionID})
	})
}

func (s *Store) enqueue(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.jobs <- j:
	default:
		logger.WithComponent("store").Warn().Msg("store queue full, dropping frame")
	}
}

// Close drains pending writes and stops the worker.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Store) worker() {
	defer s.wg.Done()
	log := logger.WithComponent("store")
	for j := range s.jobs {
		if err := s.write(j); err != nil {
			log.Error().Err(err).Msg("failed to persist change frame")
			continue
		}
		if s.opts.MaxFrames > 0 {
			if err := s.prune(); err != nil {
				log.Warn().Err(err).Msg("retention prune failed")
			}
		}
	}
}

func (s *Store) write(j job) error {
	stamp := j.frame.CapturedAt.UTC().Format("20060102T150405.000000000Z")
	base := filepath.Join(s.opts.Dir, "change-"+stamp)

	imagePath := base + ".png"
	if err := os.WriteFile(imagePath, j.frame.Data, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	meta := Metadata{
		SessionID:  j.session,
		CapturedAt: j.frame.CapturedAt,
		Strategy:   j.frame.Strategy,
		Width:      j.frame.Width,
		Height:     j.frame.Height,
		Clamped:    j.frame.Clamped,
		Verdict:    j.verdict,
		ImagePath:  imagePath,
	}

	if s.opts.ThumbnailWidth > 0 {
		thumbPath := base + "_thumb.png"
		written, err := s.writeThumbnail(j.frame, thumbPath)
		if err != nil {
			logger.WithComponent("store").Warn().Err(err).Msg("thumbnail generation failed")
		} else if written {
			meta.ThumbPath = thumbPath
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(base+".json", data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// writeThumbnail downscales the frame preserving aspect ratio. Frames already
// at or below the thumbnail width are skipped; the sidecar then points only at
// the full image.
func (s *Store) writeThumbnail(frame *capture.Frame, path string) (bool, error) {
	img, err := frame.Image()
	if err != nil {
		return false, err
	}
	b := img.Bounds()
	if b.Dx() <= s.opts.ThumbnailWidth {
		return false, nil
	}
	h := b.Dy() * s.opts.ThumbnailWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	thumb := image.NewRGBA(image.Rect(0, 0, s.opts.ThumbnailWidth, h))
	xdraw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, b, xdraw.Src, nil)

	f, err := os.Create(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return true, png.Encode(f, thumb)
}

// prune removes the oldest captures beyond MaxFrames, counting by metadata
// sidecar so image, sidecar and thumbnail go together.
func (s *Store) prune() error {
	entries, err := filepath.Glob(filepath.Join(s.opts.Dir, "change-*.json"))
	if err != nil {
		return err
	}
	if len(entries) <= s.opts.MaxFrames {
		return nil
	}
	sort.Strings(entries)
	for _, meta := range entries[:len(entries)-s.opts.MaxFrames] {
		base := strings.TrimSuffix(meta, ".json")
		os.Remove(meta)
		os.Remove(base + ".png")
		os.Remove(base + "_thumb.png")
	}
	return nil
}
