package doppler

// ProgressStage names one step of [CreatePipeline]'s load sequence, in
// the fixed order they occur; later stages never fire before earlier
// ones for the same pipeline creation, per spec.md §4.9's progress
// monotonicity guarantee.
type ProgressStage string

const (
	StageManifest    ProgressStage = "manifest"
	StageShards      ProgressStage = "shards"
	StageLayers      ProgressStage = "layers"
	StageGPUTransfer ProgressStage = "gpu_transfer"
	StagePipeline    ProgressStage = "pipeline"
	StageComplete    ProgressStage = "complete"
)

var stageOrder = map[ProgressStage]int{
	StageManifest:    0,
	StageShards:      1,
	StageLayers:      2,
	StageGPUTransfer: 3,
	StagePipeline:    4,
	StageComplete:    5,
}

// ProgressEvent is one point-in-time report during [CreatePipeline].
type ProgressEvent struct {
	Stage   ProgressStage
	Percent float64 // [0,1] within Stage
	Detail  string
}

// ProgressFunc receives progress events during pipeline creation. It may
// be nil, in which case no events are emitted.
type ProgressFunc func(ProgressEvent)

// progressReporter wraps a ProgressFunc with the monotonicity check: an
// event for a stage earlier than the last-reported one is dropped without
// reaching the callback, rather than emitted out of order.
type progressReporter struct {
	fn       ProgressFunc
	lastRank int
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn, lastRank: -1}
}

func (p *progressReporter) emit(stage ProgressStage, percent float64, detail string) {
	if p.fn == nil {
		return
	}
	rank := stageOrder[stage]
	if rank < p.lastRank {
		// Monotonicity violation: a well-formed pipeline never does this,
		// so silently clamp rather than letting a bug reorder the stream.
		return
	}
	p.lastRank = rank
	p.fn(ProgressEvent{Stage: stage, Percent: percent, Detail: detail})
}
