package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aide-hq/aide/pkg/classifier"
	"github.com/aide-hq/aide/pkg/config"
	"github.com/aide-hq/aide/pkg/kernel"
	"github.com/aide-hq/aide/pkg/llm"
	"github.com/aide-hq/aide/pkg/prompt"
	"github.com/aide-hq/aide/pkg/telemetry"
)

// TurnState is what the store hands a turn inside the per-aide lock.
type TurnState struct {
	Snapshot  *kernel.Snapshot
	Blueprint prompt.Blueprint
	Tail      []prompt.Turn
}

// Store is the slice of the persistence facade a turn needs. An empty
// userMessage means no conversation rows are written (direct edits).
type Store interface {
	LoadForTurn(ctx context.Context, aideID string) (*TurnState, error)
	PersistTurn(ctx context.Context, aideID string, applied []*kernel.Event, snap *kernel.Snapshot, userMessage string, assistant prompt.Turn) error
}

// TurnRequest identifies one conversational turn.
type TurnRequest struct {
	AideID    string
	UserID    string
	MessageID string
	Message   string
}

// DirectEditRequest is a client-side field edit that bypasses the LLM.
type DirectEditRequest struct {
	AideID   string
	UserID   string
	EntityID string
	Field    string
	Value    any
}

// Orchestrator drives turns: classify, prompt, stream, parse, reduce,
// broadcast, persist. One instance serves all aides; per-aide serialization
// comes from the lock registry.
type Orchestrator struct {
	cfg     *config.Config
	store   Store
	client  llm.Client
	class   *classifier.Classifier
	prompts *prompt.Builder
	queue   *telemetry.Queue
	shadows *telemetry.ShadowRunner
	locks   *LockRegistry

	mu     sync.Mutex
	active map[string]chan struct{}
}

// New builds an orchestrator. The shadow runner may be nil when no shadow
// models are configured.
func New(cfg *config.Config, store Store, client llm.Client, queue *telemetry.Queue, shadows *telemetry.ShadowRunner) (*Orchestrator, error) {
	class, err := classifier.New(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		client:  client,
		class:   class,
		prompts: prompt.NewBuilder(prompt.Config{TTL: cfg.Cache.TTLs()}),
		queue:   queue,
		shadows: shadows,
		locks:   NewLockRegistry(),
		active:  make(map[string]chan struct{}),
	}, nil
}

// Interrupt flags the in-flight turn on an aide, if any. The turn stops
// reading from the model, keeps everything applied so far, persists, and
// emits stream.interrupted. Returns false when no turn is running.
func (o *Orchestrator) Interrupt(aideID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.active[aideID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		// already interrupted
	default:
		close(ch)
	}
	return true
}

func (o *Orchestrator) register(aideID string) chan struct{} {
	ch := make(chan struct{})
	o.mu.Lock()
	o.active[aideID] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) unregister(aideID string) {
	o.mu.Lock()
	delete(o.active, aideID)
	o.mu.Unlock()
}

// ProcessTurn runs one conversational turn, emitting ordered frames to the
// sink. The error return covers turn-level failures (busy aide, load or
// persist failure); reducer rejections and malformed model output are
// in-band frames, not errors.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest, sink Sink) error {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	log := slog.With("aide_id", req.AideID, "message_id", req.MessageID)

	release, err := o.locks.Acquire(ctx, req.AideID, o.cfg.Turn.LockTimeout)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Turn.Timeout)
	defer cancel()

	state, err := o.store.LoadForTurn(ctx, req.AideID)
	if err != nil {
		return fmt.Errorf("load for turn: %w", err)
	}

	rec := telemetry.NewRecorder(o.queue, o.cfg.Pricing, req.AideID, req.UserID, req.MessageID)
	rec.Message = req.Message
	if h, err := kernel.Hash(state.Snapshot); err == nil {
		rec.HashBefore = h
	}
	defer rec.Flush()

	interrupt := o.register(req.AideID)
	defer o.unregister(req.AideID)

	o.send(ctx, sink, streamStartFrame(req.MessageID))

	cls := o.class.Classify(req.Message, state.Snapshot)
	model := o.cfg.Models.ForTier(cls.Tier)
	o.send(ctx, sink, classificationFrame(string(cls.Tier), model, cls.Reason))
	log.Info("Turn classified", "tier", cls.Tier, "model", model, "reason", cls.Reason)

	run, err := o.runStream(ctx, req, state, cls.Tier, model, false, rec, sink, interrupt)
	if err != nil {
		return err
	}

	if run.escalate && cls.Tier == classifier.TierL2 {
		// One re-entry: the partial L2 application is discarded and the
		// turn re-runs from the loaded state at L3.
		rec.RecordEscalation(string(cls.Tier), run.escalateReason)
		log.Info("Turn escalated", "from", cls.Tier, "to", classifier.TierL3, "reason", run.escalateReason)

		model = o.cfg.Models.ForTier(classifier.TierL3)
		o.send(ctx, sink, classificationFrame(string(classifier.TierL3), model, "escalated: "+run.escalateReason))
		run, err = o.runStream(ctx, req, state, classifier.TierL3, model, true, rec, sink, interrupt)
		if err != nil {
			return err
		}
	}

	rec.LinesEmitted = run.linesEmitted
	rec.LinesAccepted = len(run.applied)
	rec.LinesRejected = run.linesRejected
	rec.Voice = run.voice
	if h, err := kernel.Hash(run.snap); err == nil {
		rec.HashAfter = h
	}

	if invErr := kernel.CheckInvariants(run.snap); invErr != nil {
		// Programmer error: the reducer produced an inconsistent snapshot.
		// Abort without persisting; the last persisted state stays
		// authoritative and the next turn re-hydrates from it.
		log.Error("Snapshot invariants violated after reduction, aborting turn",
			"error", invErr,
			"applied_events", len(run.applied),
			"hash_before", rec.HashBefore)
		o.send(ctx, sink, streamEndFrame(req.MessageID, "internal error"))
		return fmt.Errorf("snapshot invariants violated: %w", invErr)
	}

	persistCtx := ctx
	if run.interrupted {
		// Bounded persist after an interrupt; if it cannot finish within
		// the grace window the write is skipped entirely.
		var pcancel context.CancelFunc
		persistCtx, pcancel = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Turn.InterruptGrace)
		defer pcancel()
	}

	assistant := prompt.Turn{Role: "assistant", Text: run.voice, OpsApplied: len(run.applied)}
	if err := o.store.PersistTurn(persistCtx, req.AideID, run.applied, run.snap, req.Message, assistant); err != nil {
		if run.interrupted {
			log.Warn("Skipping persist after interrupt grace expired", "error", err)
			o.send(ctx, sink, interruptedFrame(req.MessageID))
			return nil
		}
		log.Error("Persist failed, last persisted snapshot remains authoritative", "error", err)
		o.send(ctx, sink, streamEndFrame(req.MessageID, "persist failed"))
		return fmt.Errorf("persist turn: %w", err)
	}

	switch {
	case run.interrupted:
		o.send(ctx, sink, interruptedFrame(req.MessageID))
	case run.streamErr != nil:
		o.send(ctx, sink, streamEndFrame(req.MessageID, "model stream error"))
	default:
		o.send(ctx, sink, streamEndFrame(req.MessageID, ""))
	}

	log.Info("Turn complete",
		"applied", len(run.applied),
		"rejected", run.linesRejected,
		"interrupted", run.interrupted,
		"duration_ms", rec.Elapsed().Milliseconds())
	return nil
}

// streamOutcome is the result of one model stream pass.
type streamOutcome struct {
	snap          *kernel.Snapshot
	applied       []*kernel.Event
	voice         string
	escalate      bool
	escalateReason string
	interrupted   bool
	streamErr     error
	linesEmitted  int
	linesRejected int
}

func (o *Orchestrator) runStream(ctx context.Context, req TurnRequest, state *TurnState, tier classifier.Tier, model string, escalated bool, rec *telemetry.Recorder, sink Sink, interrupt <-chan struct{}) (*streamOutcome, error) {
	p, err := o.prompts.Build(tier, state.Blueprint, state.Snapshot, state.Tail, req.Message)
	if err != nil {
		return nil, err
	}
	llmReq := &llm.Request{Model: model, Prompt: p}

	start := time.Now()
	stream, err := o.client.Stream(ctx, llmReq)
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	defer stream.Close()

	// Interrupts cancel the provider stream so a blocked Recv unblocks.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-interrupt:
			stream.Close()
		case <-watchDone:
		}
	}()

	out := &streamOutcome{snap: state.Snapshot}
	parser := &LineParser{}
	var (
		usage     llm.Usage
		ttfc      time.Duration
		voiceBuf  []byte
		batching  bool
		batchBuf  []Frame
	)

	emitDelta := func(f Frame) {
		if batching {
			batchBuf = append(batchBuf, f)
			return
		}
		o.send(ctx, sink, f)
	}
	flushBatch := func() {
		for _, f := range batchBuf {
			o.send(ctx, sink, f)
		}
		batchBuf = batchBuf[:0]
	}

	handleUnit := func(u ParsedLine) bool {
		if u.Event == nil {
			voiceBuf = append(voiceBuf, u.Voice...)
			o.send(ctx, sink, voiceFrame(u.Voice))
			return true
		}
		ev := u.Event
		switch ev.Type {
		case kernel.PrimVoice:
			if v, ok := ev.Payload.(kernel.Voice); ok && v.Text != "" {
				voiceBuf = append(voiceBuf, v.Text...)
				o.send(ctx, sink, voiceFrame(v.Text))
			}
			return true
		case kernel.PrimEscalate:
			if escalated || tier != classifier.TierL2 {
				// Already escalated (or not eligible): ignore the hint.
				return true
			}
			out.escalate = true
			if e, ok := ev.Payload.(kernel.Escalate); ok {
				out.escalateReason = e.Reason
			}
			return false
		case kernel.PrimBatchStart:
			if !batching {
				batching = true
				o.send(ctx, sink, Frame{Type: FrameBatchStart})
			}
			return true
		case kernel.PrimBatchEnd:
			if batching {
				batching = false
				flushBatch()
				o.send(ctx, sink, Frame{Type: FrameBatchEnd})
			}
			return true
		}

		// Stamp before reducing: meta.annotate folds the envelope timestamp
		// into the snapshot, so replaying the persisted log must see the
		// same value the live reduction saw.
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
		res := kernel.Reduce(out.snap, ev)
		if !res.Applied {
			out.linesRejected++
			o.send(ctx, sink, rejectionFrame(ev.Type, res.Err))
			return true
		}
		out.snap = res.Snapshot
		ev.Sequence = res.Snapshot.Sequence
		out.applied = append(out.applied, ev)
		if f, ok := deltaFrame(ev, out.snap); ok {
			emitDelta(f)
		}
		return true
	}

loop:
	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			select {
			case <-interrupt:
				out.interrupted = true
			default:
				out.streamErr = recvErr
				slog.Warn("Model stream error, persisting partial state",
					"aide_id", req.AideID, "error", recvErr)
			}
			break
		}
		if chunk.Usage != nil {
			usage.Add(*chunk.Usage)
		}
		if chunk.Text != "" {
			if ttfc == 0 {
				ttfc = time.Since(start)
			}
			for _, u := range parser.Feed(chunk.Text) {
				// Checked between reductions, not just between chunks: one
				// chunk can carry many lines.
				select {
				case <-interrupt:
					out.interrupted = true
					break loop
				default:
				}
				if !handleUnit(u) {
					break loop
				}
			}
		}
		select {
		case <-interrupt:
			out.interrupted = true
			break loop
		default:
		}
	}

	if !out.interrupted && !out.escalate && out.streamErr == nil {
		for _, u := range parser.Flush() {
			handleUnit(u)
		}
	}
	if batching {
		// Stream ended inside an unterminated batch window; flush so the
		// client is not left holding a half-open group.
		flushBatch()
		o.send(ctx, sink, Frame{Type: FrameBatchEnd})
	}

	out.voice = string(voiceBuf)
	out.linesEmitted = parser.Emitted + parser.Malformed
	out.linesRejected += parser.Malformed

	rec.RecordLLMCall(telemetry.LLMCall{
		Tier:      string(tier),
		Model:     model,
		PromptVer: p.Version,
		TTFC:      ttfc,
		TTC:       time.Since(start),
		Usage:     usage,
		Escalated: escalated,
		Err:       out.streamErr,
		LinesEmit: out.linesEmitted,
		LinesOK:   len(out.applied),
		LinesBad:  out.linesRejected,
	})

	if o.shadows != nil && !out.escalate {
		if models := o.cfg.Models.ShadowsForTier(tier); len(models) > 0 {
			o.shadows.Run(req.AideID, req.UserID, req.MessageID, string(tier), models, llmReq)
		}
	}
	return out, nil
}

// DirectEdit validates, reduces, persists, and broadcasts a synthetic
// entity.update. Classification and the LLM are skipped entirely. Errors
// surface as a direct_edit.error frame; state is never mutated on failure.
func (o *Orchestrator) DirectEdit(ctx context.Context, req DirectEditRequest, sink Sink) error {
	start := time.Now()
	rec := telemetry.NewRecorder(o.queue, o.cfg.Pricing, req.AideID, req.UserID, uuid.NewString())
	defer rec.Flush()

	fail := func(msg string, err error) error {
		rec.RecordDirectEdit(time.Since(start), err)
		o.send(ctx, sink, Frame{Type: FrameDirectEditError, Error: msg})
		return nil
	}

	release, err := o.locks.Acquire(ctx, req.AideID, o.cfg.Turn.LockTimeout)
	if err != nil {
		return fail("aide is busy", err)
	}
	defer release()

	state, err := o.store.LoadForTurn(ctx, req.AideID)
	if err != nil {
		rec.RecordDirectEdit(time.Since(start), err)
		return fmt.Errorf("load for direct edit: %w", err)
	}

	if _, ok := state.Snapshot.LiveEntity(req.EntityID); !ok {
		return fail(fmt.Sprintf("entity %q not found", req.EntityID),
			&kernel.ReduceError{Code: kernel.CodeEntityNotFound, Message: "entity not found: " + req.EntityID})
	}

	ev := &kernel.Event{
		Type:      kernel.PrimEntityUpdate,
		Source:    "direct_edit",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   kernel.EntityUpdate{Ref: req.EntityID, Props: map[string]any{req.Field: req.Value}},
	}
	res := kernel.Reduce(state.Snapshot, ev)
	if !res.Applied {
		return fail(res.Err.Message, res.Err)
	}
	ev.Sequence = res.Snapshot.Sequence

	if err := o.store.PersistTurn(ctx, req.AideID, []*kernel.Event{ev}, res.Snapshot, "", prompt.Turn{}); err != nil {
		return fail("persist failed", err)
	}

	rec.RecordDirectEdit(time.Since(start), nil)
	if f, ok := deltaFrame(ev, res.Snapshot); ok {
		o.send(ctx, sink, f)
	}
	return nil
}

// send delivers one frame best-effort; a sink failure is the client's
// problem, never the turn's.
func (o *Orchestrator) send(ctx context.Context, sink Sink, f Frame) {
	if err := sink.Send(ctx, f); err != nil {
		slog.Debug("Dropping frame, sink write failed", "type", f.Type, "error", err)
	}
}
