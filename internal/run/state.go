package run

// Step is the derived lifecycle position of a run.
type Step string

const (
	StepNew              Step = "new"
	StepReadyForDialogue Step = "ready_for_dialogue"
	StepReadyForAudio    Step = "ready_for_audio"
	StepGeneratingImages Step = "generating_images"
	StepReadyForVideo    Step = "ready_for_video"
	StepReadyForMetadata Step = "ready_for_metadata"
	StepReadyToUpload    Step = "ready_to_upload"
	StepUploaded         Step = "uploaded"
)

// Presence records which artifacts exist for a run.
type Presence struct {
	Seed           bool `json:"has_seed"`
	NewsData       bool `json:"has_news_data"`
	Dialogue       bool `json:"has_dialogue"`
	Audio          bool `json:"has_audio"`
	Timeline       bool `json:"has_timeline"`
	Images         bool `json:"has_images"`
	ImagesManifest bool `json:"has_images_manifest"`
	Video          bool `json:"has_video"`
	Metadata       bool `json:"has_yt_metadata"`
	Upload         bool `json:"has_yt_upload"`
}

// State is the lifecycle step plus the legal actions for a run. It is a pure
// function of artifact presence; a capability is granted only when its whole
// upstream artifact chain exists, so stale downstream artifacts left behind by
// a drop grant nothing.
type State struct {
	CurrentStep Step `json:"current_step"`

	CanGenerateDialogue bool `json:"can_generate_dialogue"`
	CanEditDialogue     bool `json:"can_edit_dialogue"`
	CanGenerateAudio    bool `json:"can_generate_audio"`
	CanGenerateImages   bool `json:"can_generate_images"`
	CanRegenerateImage  bool `json:"can_regenerate_image"`
	CanGenerateVideo    bool `json:"can_generate_video"`
	CanGenerateMetadata bool `json:"can_generate_metadata"`
	CanUpload           bool `json:"can_upload"`
	CanDropAudio        bool `json:"can_drop_audio"`
	CanDropImages       bool `json:"can_drop_images"`
	CanDropVideo        bool `json:"can_drop_video"`
}

// DeriveState maps any artifact combination to a defined state. The step is
// the one after the longest intact prefix of the pipeline chain; yt_upload
// short-circuits to the terminal step.
func DeriveState(p Presence) State {
	seed := p.Seed
	dialogue := seed && p.Dialogue
	audio := dialogue && p.Audio && p.Timeline
	images := audio && p.Images && p.ImagesManifest
	video := images && p.Video
	metadata := video && p.Metadata

	s := State{
		CanGenerateDialogue: seed && !p.Dialogue,
		CanEditDialogue:     dialogue && !p.Audio,
		CanGenerateAudio:    dialogue && !p.Audio,
		CanGenerateImages:   audio && !p.Images,
		CanRegenerateImage:  audio && p.Images && p.ImagesManifest,
		CanGenerateVideo:    images && !p.Video,
		CanGenerateMetadata: video && !p.Metadata,
		CanUpload:           metadata && !p.Upload,
		CanDropAudio:        p.Audio,
		CanDropImages:       p.Images,
		CanDropVideo:        p.Video,
	}

	switch {
	case p.Upload:
		s.CurrentStep = StepUploaded
	case metadata:
		s.CurrentStep = StepReadyToUpload
	case video:
		s.CurrentStep = StepReadyForMetadata
	case images:
		s.CurrentStep = StepReadyForVideo
	case audio:
		s.CurrentStep = StepGeneratingImages
	case dialogue:
		s.CurrentStep = StepReadyForAudio
	case seed:
		s.CurrentStep = StepReadyForDialogue
	default:
		s.CurrentStep = StepNew
	}

	if p.Upload {
		// Terminal: a run that has been uploaded accepts no further mutation.
		return State{CurrentStep: StepUploaded}
	}
	return s
}
