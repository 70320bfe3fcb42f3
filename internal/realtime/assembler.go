package realtime

import (
	"encoding/base64"
	"log/slog"
	"time"
)

const (
	// DefaultAudioDebounce is how long the assembler waits after the last
	// fragment of a response before emitting a segment.
	DefaultAudioDebounce = 100 * time.Millisecond

	audioSampleRate    = 24000
	audioBytesPerFrame = 2
)

type pendingAudio struct {
	buf   []byte
	gen   uint64
	timer *time.Timer
}

// assembler coalesces streamed audio fragments into segments per response.
// Every method except the timer callback runs on the orchestrator goroutine;
// timers only post a flush request back into that loop.
type assembler struct {
	debounce time.Duration
	post     func(responseID string, gen uint64)
	pending  map[string]*pendingAudio
	logger   *slog.Logger

	// gen increases across entries so a stale timer never matches a
	// response that restarted after a flush.
	gen uint64
}

func newAssembler(debounce time.Duration, post func(string, uint64), logger *slog.Logger) *assembler {
	if debounce <= 0 {
		debounce = DefaultAudioDebounce
	}
	return &assembler{
		debounce: debounce,
		post:     post,
		pending:  make(map[string]*pendingAudio),
		logger:   logger,
	}
}

// add takes one fragment and returns any segment completed by it.
func (a *assembler) add(f AudioFragment) *AudioSegment {
	if f.Done {
		p, ok := a.pending[f.ResponseID]
		if !ok {
			return nil
		}
		delete(a.pending, f.ResponseID)
		if p.timer != nil {
			p.timer.Stop()
		}
		return segment(f.ResponseID, p.buf)
	}

	pcm, err := base64.StdEncoding.DecodeString(f.Base64)
	switch {
	case err != nil:
		a.logger.Debug("Dropping undecodable audio fragment", "response_id", f.ResponseID, "error", err)
		return nil
	case len(pcm) == 0 || len(pcm)%audioBytesPerFrame != 0:
		a.logger.Debug("Dropping partial-sample audio fragment", "response_id", f.ResponseID, "bytes", len(pcm))
		return nil
	}

	p, ok := a.pending[f.ResponseID]
	if !ok {
		p = &pendingAudio{}
		a.pending[f.ResponseID] = p
	}
	p.buf = append(p.buf, pcm...)
	a.gen++
	p.gen = a.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	id, gen := f.ResponseID, p.gen
	p.timer = time.AfterFunc(a.debounce, func() { a.post(id, gen) })
	return nil
}

// flush emits the buffered audio of responseID and forgets the response if
// no fragment arrived since the timer for gen was armed.
func (a *assembler) flush(responseID string, gen uint64) *AudioSegment {
	p, ok := a.pending[responseID]
	if !ok || p.gen != gen || len(p.buf) == 0 {
		return nil
	}
	delete(a.pending, responseID)
	return segment(responseID, p.buf)
}

// close stops all timers and discards buffered audio.
func (a *assembler) close() {
	for id, p := range a.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(a.pending, id)
	}
}

func segment(responseID string, pcm []byte) *AudioSegment {
	if len(pcm) == 0 {
		return nil
	}
	return &AudioSegment{
		ResponseID: responseID,
		PCM:        pcm,
		Bytes:      len(pcm),
		DurationMs: int64(len(pcm)) * 1000 / (audioSampleRate * audioBytesPerFrame),
	}
}
