package configutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var out struct {
		Instruction string `mapstructure:"instruction"`
		VoiceName   string `mapstructure:"voice_name"`
	}
	err := DecodeSettings(map[string]any{
		"Instruction": "be brief",
		"voice-name":  "Puck",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "be brief", out.Instruction)
	assert.Equal(t, "Puck", out.VoiceName)
}

func TestDecodeSettingsEmptyInput(t *testing.T) {
	var out struct {
		Instruction string `mapstructure:"instruction"`
	}
	require.NoError(t, DecodeSettings(nil, &out))
	assert.Empty(t, out.Instruction)
}

func TestValidateSettingsMissingRequired(t *testing.T) {
	err := ValidateSettings(map[string]any{"voice": "Puck"}, Schema{
		Required: []string{"instruction"},
		Optional: []string{"voice"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing: instruction")
}

func TestValidateSettingsUnknownKey(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"instruction": "be brief",
		"voicename":   "Puck",
		"bogus":       1,
	}, Schema{
		Required: []string{"instruction"},
		Optional: []string{"voice_name"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown: bogus")
}

func TestValidateSettingsEmptyRequiredValue(t *testing.T) {
	err := ValidateSettings(map[string]any{"instruction": "   "}, Schema{
		Required: []string{"instruction"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing: instruction")
}

func TestRequireString(t *testing.T) {
	require.NoError(t, RequireString("x", "field"))
	err := RequireString("  ", "session.endpoint")
	require.Error(t, err)
	assert.Equal(t, "session.endpoint is required", err.Error())
}
