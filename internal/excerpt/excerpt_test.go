package excerpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const kbText = `Organizations shall maintain an inventory of information assets. ` +
	`Each asset must have an assigned owner. The weather is not relevant here. ` +
	`Asset inventories should be reviewed at least annually.`

func TestSelect_PicksRelevantSentencesInOrder(t *testing.T) {
	s := NewSelector()
	got := s.Select("Inventory of assets and asset owners", []string{kbText}, 2, 0)
	assert.Equal(t, "Organizations shall maintain an inventory of information assets. Each asset must have an assigned owner.", got)
	assert.NotContains(t, got, "weather")
}

func TestSelect_NoOverlap(t *testing.T) {
	s := NewSelector()
	assert.Empty(t, s.Select("cryptography", []string{kbText}, 3, 0))
	assert.Empty(t, s.Select("the and of", []string{kbText}, 3, 0))
	assert.Empty(t, s.Select("asset", nil, 3, 0))
}

func TestSelect_Truncates(t *testing.T) {
	s := NewSelector()
	got := s.Select("asset inventory", []string{kbText}, 3, 18)
	assert.Equal(t, "Organizations shal…", got)
}

func TestSelect_AcrossChunks(t *testing.T) {
	s := NewSelector()
	got := s.Select("encryption keys", []string{"Keys are rotated yearly.", "Encryption keys are stored in an HSM."}, 1, 0)
	assert.Equal(t, "Encryption keys are stored in an HSM.", got)
}
