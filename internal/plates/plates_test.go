package plates

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/DealerPipe/internal/textnorm"
)

func TestValid(t *testing.T) {
	for _, p := range []string{"ABC123", "ABC123D", "abc123", " NSZ314B "} {
		assert.True(t, Valid(p), p)
	}
	for _, p := range []string{"AB123C", "ABCD123", "123ABC", "ABC12", "ABC1234", "ABC123DE", ""} {
		assert.False(t, Valid(p), p)
	}
}

func TestFind(t *testing.T) {
	p, ok := Find("quiero ver las multas de la placa abc123d por favor")
	assert.True(t, ok)
	assert.Equal(t, "ABC123D", p)

	p, ok = Find("mi placa es XYZ12")
	assert.True(t, ok)
	assert.Equal(t, "XYZ12", p)
	assert.False(t, Valid(p))

	p, ok = Find("placa PAH1313")
	assert.True(t, ok)
	assert.False(t, Valid(p))

	_, ok = Find("tengo multas?")
	assert.False(t, ok)

	_, ok = Find("ABCD123")
	assert.False(t, ok)
}

func TestHasIntent(t *testing.T) {
	assert.True(t, HasIntent(textnorm.Normalize("¿Tengo multas?")))
	assert.True(t, HasIntent(textnorm.Normalize("Consultar PLACAS")))
	assert.True(t, HasIntent(textnorm.Normalize("infracción de tránsito")))
	assert.False(t, HasIntent(textnorm.Normalize("busco un jetta")))
}
