package voice

import (
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// UnitID identifies one scheduled playback unit.
type UnitID uint64

// Scheduler queues decoded model audio gaplessly on an [audio.Output].
//
// Each unit starts at max(cursor, output clock) and advances the cursor by its
// duration, so consecutive chunks abut when they arrive ahead of playback and
// start immediately when playback has caught up. The cursor is kept as a
// frame index at the output rate so that summed chunk lengths never drift
// from where the output actually places them. Not safe for concurrent use;
// the manager's actor owns it. Natural completion is reported through the
// ended callback, which may run on any goroutine; the owner hands the ID back
// through [Scheduler.Release] on its own goroutine.
type Scheduler struct {
	out   audio.Output
	dec   audio.Decoder
	ended func(UnitID)

	rate   audio.Format
	cursor int64 // frames
	next   UnitID
	active map[UnitID]audio.Source
}

// NewScheduler creates a scheduler for out. ended may be nil.
func NewScheduler(out audio.Output, dec audio.Decoder, ended func(UnitID)) *Scheduler {
	if dec == nil {
		dec = audio.NewMIMEDecoder(out.Format())
	}
	return &Scheduler{
		out:    out,
		dec:    dec,
		ended:  ended,
		rate:   out.Format(),
		active: make(map[UnitID]audio.Source),
	}
}

// Enqueue decodes c and schedules it after everything already queued. A
// decode failure returns an error wrapping [audio.ErrDecode] and leaves the
// schedule untouched.
func (s *Scheduler) Enqueue(c audio.Chunk) (UnitID, error) {
	buf, err := s.dec.Decode(c)
	if err != nil {
		return 0, err
	}
	if len(buf.Samples) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", audio.ErrDecode)
	}

	start := max(s.cursor, s.rate.FrameAt(s.out.Clock()))
	s.next++
	id := s.next

	var onEnded func()
	if s.ended != nil {
		ended := s.ended
		onEnded = func() { ended(id) }
	}
	src, err := s.out.Play(buf, s.rate.FrameTime(start), onEnded)
	if err != nil {
		return 0, fmt.Errorf("voice: schedule unit: %w", err)
	}
	s.active[id] = src
	s.cursor = start + s.frames(buf)
	return id, nil
}

// Release forgets a unit that finished playing. Unknown IDs are ignored, so a
// completion racing a [Scheduler.Flush] is harmless.
func (s *Scheduler) Release(id UnitID) {
	delete(s.active, id)
}

// Flush stops every unit that has not finished, empties the active set and
// moves the cursor to the output's current clock. It returns the number of
// units stopped.
func (s *Scheduler) Flush() int {
	n := len(s.active)
	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.cursor = s.rate.FrameAt(s.out.Clock())
	return n
}

// frames returns the length of buf in output frames.
func (s *Scheduler) frames(buf audio.Buffer) int64 {
	if !buf.Format.Valid() {
		return 0
	}
	n := int64(len(buf.Samples) / buf.Format.Channels)
	if buf.Format.SampleRate == s.rate.SampleRate {
		return n
	}
	return s.rate.FrameAt(buf.Format.FrameTime(n))
}

// Cursor returns the time at which the next unit would start if playback had
// not caught up with it.
func (s *Scheduler) Cursor() time.Duration { return s.rate.FrameTime(s.cursor) }

// Pending returns the number of scheduled units that have not finished.
func (s *Scheduler) Pending() int { return len(s.active) }
