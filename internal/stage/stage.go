package stage

// Stage identifies one step of the procurement workflow. The ordering of the
// constants is the workflow ordering; a later stage is only reachable once
// evidence for it exists.
type Stage int

const (
	// StageIntake is the opening conversation where the buyer states a need.
	StageIntake Stage = iota
	// StageRequirements covers structuring and confirming the requirement list.
	StageRequirements
	// StageMatching covers supplier discovery against the confirmed requirements.
	StageMatching
	// StageComparison covers quote collection and side-by-side comparison.
	StageComparison
	// StageDecision covers the final supplier recommendation and order intent.
	StageDecision
)

var stageNames = map[Stage]string{
	StageIntake:       "intake",
	StageRequirements: "requirements",
	StageMatching:     "matching",
	StageComparison:   "comparison",
	StageDecision:     "decision",
}

// String returns the stable wire name of the stage.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Stages returns the full workflow ordering, first stage first.
func Stages() []Stage {
	return []Stage{StageIntake, StageRequirements, StageMatching, StageComparison, StageDecision}
}

// firstStage and lastStage bound manual navigation.
const (
	firstStage = StageIntake
	lastStage  = StageDecision
)
