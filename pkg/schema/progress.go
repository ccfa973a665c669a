package schema

// Phase names a position in a node's multi-phase run. Each node kind declares
// its own closed subset; every subset starts at PhasePreparing and ends at
// PhaseComplete.
type Phase string

const (
	PhasePreparing   Phase = "preparing"
	PhaseResearching Phase = "researching"
	PhaseDiscovering Phase = "discovering"
	PhaseEnriching   Phase = "enriching"
	PhaseAnalyzing   Phase = "analyzing"
	PhasePlanning    Phase = "planning"
	PhaseGenerating  Phase = "generating"
	PhaseReplicating Phase = "replicating"
	PhaseRefining    Phase = "refining"
	PhasePackaging   Phase = "packaging"
	PhaseUploading   Phase = "uploading"
	PhaseBuilding    Phase = "building"
	PhaseAggregating Phase = "aggregating"
	PhaseComplete    Phase = "complete"
)

// PhaseProgress describes where a multi-phase run currently is.
type PhaseProgress struct {
	Phase           Phase  `json:"phase"`
	CurrentItem     string `json:"current_item,omitempty"`
	Completed       int    `json:"completed"`
	Total           int    `json:"total"`
	Failed          int    `json:"failed,omitempty"`
	CacheHits       int    `json:"cache_hits,omitempty"`
	BytesGenerated  int64  `json:"bytes_generated,omitempty"`
	AssetsGenerated int    `json:"assets_generated,omitempty"`
}

// InitialProgress is the value progress is reset to when a run starts or is stopped.
func InitialProgress() *PhaseProgress {
	return &PhaseProgress{Phase: PhasePreparing}
}

// Fraction returns completed/total in [0,1]; zero when total is unknown.
func (p *PhaseProgress) Fraction() float64 {
	if p == nil || p.Total <= 0 {
		return 0
	}
	f := float64(p.Completed) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}
