package run

import "testing"

func presenceFromBits(bits int) Presence {
	return Presence{
		Seed:           bits&(1<<0) != 0,
		NewsData:       bits&(1<<1) != 0,
		Dialogue:       bits&(1<<2) != 0,
		Audio:          bits&(1<<3) != 0,
		Timeline:       bits&(1<<4) != 0,
		Images:         bits&(1<<5) != 0,
		ImagesManifest: bits&(1<<6) != 0,
		Video:          bits&(1<<7) != 0,
		Metadata:       bits&(1<<8) != 0,
		Upload:         bits&(1<<9) != 0,
	}
}

// DeriveState must be total and deterministic over every artifact combination
// and must never grant a capability whose precondition artifacts are absent.
func TestDeriveStateTotal(t *testing.T) {
	for bits := 0; bits < 1<<10; bits++ {
		p := presenceFromBits(bits)
		s := DeriveState(p)
		if s.CurrentStep == "" {
			t.Fatalf("bits %010b: empty step", bits)
		}
		if again := DeriveState(p); again != s {
			t.Fatalf("bits %010b: non-deterministic state", bits)
		}

		if s.CanGenerateDialogue && (!p.Seed || p.Dialogue) {
			t.Fatalf("bits %010b: can_generate_dialogue granted out of order", bits)
		}
		if s.CanGenerateAudio && (!p.Dialogue || p.Audio) {
			t.Fatalf("bits %010b: can_generate_audio granted out of order", bits)
		}
		if s.CanEditDialogue && (!p.Dialogue || p.Audio) {
			t.Fatalf("bits %010b: can_edit_dialogue granted out of order", bits)
		}
		if s.CanGenerateImages && (!p.Audio || !p.Timeline || p.Images) {
			t.Fatalf("bits %010b: can_generate_images granted out of order", bits)
		}
		if s.CanGenerateVideo && (!p.Audio || !p.Timeline || !p.Images || !p.ImagesManifest || p.Video) {
			t.Fatalf("bits %010b: can_generate_video granted out of order", bits)
		}
		if s.CanGenerateMetadata && (!p.Video || p.Metadata) {
			t.Fatalf("bits %010b: can_generate_metadata granted out of order", bits)
		}
		if s.CanUpload && (!p.Video || !p.Metadata || p.Upload) {
			t.Fatalf("bits %010b: can_upload granted out of order", bits)
		}
		if s.CanDropAudio && !p.Audio {
			t.Fatalf("bits %010b: can_drop_audio without audio", bits)
		}
		if s.CanDropImages && !p.Images {
			t.Fatalf("bits %010b: can_drop_images without images", bits)
		}
		if s.CanDropVideo && !p.Video {
			t.Fatalf("bits %010b: can_drop_video without video", bits)
		}
	}
}

func TestDeriveStateSeedOnly(t *testing.T) {
	s := DeriveState(Presence{Seed: true, NewsData: true})
	if s.CurrentStep != StepReadyForDialogue {
		t.Fatalf("expected ready_for_dialogue, got %s", s.CurrentStep)
	}
	if !s.CanGenerateDialogue {
		t.Fatalf("expected can_generate_dialogue")
	}
	if s.CanUpload {
		t.Fatalf("did not expect can_upload")
	}
}

func TestDeriveStateReadyToUpload(t *testing.T) {
	s := DeriveState(Presence{
		Seed: true, NewsData: true, Dialogue: true,
		Audio: true, Timeline: true,
		Images: true, ImagesManifest: true,
		Video: true, Metadata: true,
	})
	if s.CurrentStep != StepReadyToUpload {
		t.Fatalf("expected ready_to_upload, got %s", s.CurrentStep)
	}
	if !s.CanUpload {
		t.Fatalf("expected can_upload")
	}
}

func TestDeriveStateUploadedIsTerminal(t *testing.T) {
	s := DeriveState(Presence{
		Seed: true, Dialogue: true, Audio: true, Timeline: true,
		Images: true, ImagesManifest: true, Video: true, Metadata: true, Upload: true,
	})
	if s.CurrentStep != StepUploaded {
		t.Fatalf("expected uploaded, got %s", s.CurrentStep)
	}
	if s.CanUpload || s.CanDropAudio || s.CanEditDialogue {
		t.Fatalf("uploaded run must not accept further mutation: %+v", s)
	}
}

// Dropping audio leaves stale images/video behind; the derived state must not
// let them satisfy downstream preconditions.
func TestDeriveStateStaleDownstreamAfterAudioDrop(t *testing.T) {
	s := DeriveState(Presence{
		Seed: true, Dialogue: true,
		Audio: false, Timeline: false,
		Images: true, ImagesManifest: true, Video: true,
	})
	if s.CurrentStep != StepReadyForAudio {
		t.Fatalf("expected ready_for_audio, got %s", s.CurrentStep)
	}
	if s.CanGenerateVideo {
		t.Fatalf("stale images must not enable video generation")
	}
	if s.CanGenerateImages {
		t.Fatalf("images require audio and timeline")
	}
	if !s.CanGenerateAudio {
		t.Fatalf("expected can_generate_audio after drop")
	}
	// Stale artifacts can still be dropped explicitly.
	if !s.CanDropImages || !s.CanDropVideo {
		t.Fatalf("expected drops to remain available for stale artifacts")
	}
}
