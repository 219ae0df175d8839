package orchestrator

import (
	"strings"

	"stemsplit-backend/internal/models"
)

const (
	ModelDefault  = "htdemucs"
	ModelSixStems = "htdemucs_6s"

	Stems2 = "2stems"
	Stems4 = "4stems"
	Stems6 = "6stems"
)

// Params is the engine configuration derived for one job.
type Params struct {
	Model       string
	Stems       string
	SoundSource string
}

// DeriveParams maps a tool and an optional sound source hint to engine
// parameters. The hint is only forwarded when it is recognised.
func DeriveParams(toolCode, soundSource string) Params {
	source := strings.ToLower(strings.TrimSpace(soundSource))

	switch source {
	case "piano", "guitar":
		return Params{Model: ModelSixStems, Stems: Stems6, SoundSource: source}
	case "bass", "drums", "vocals":
		return Params{Model: ModelDefault, Stems: Stems2, SoundSource: source}
	}

	if source == "" && toolCode == models.ToolVocalRemover {
		return Params{Model: ModelDefault, Stems: Stems2}
	}
	return Params{Model: ModelDefault, Stems: Stems4}
}
