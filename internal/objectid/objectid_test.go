package objectid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDeterministic(t *testing.T) {
	b := Builder{Type: Device, Subtype: 1, Features: Features{HasOwner: true}}
	content := []byte("descriptor-bytes")

	id1 := b.Build(content)
	id2 := b.Build(content)
	assert.Equal(t, id1, id2)

	id3 := b.Build([]byte("different-descriptor-bytes"))
	assert.NotEqual(t, id1, id3)
}

func TestFeatureFlagsPreserved(t *testing.T) {
	area := Area{Country: 86, Carrier: 1, City: 10, DeviceType: 3}
	b := Builder{
		Type:    Device,
		Subtype: 1,
		Area:    &area,
		Features: Features{
			HasArea:      true,
			HasOwner:     true,
			HasAuthor:    true,
			HasPublicKey: true,
		},
	}

	id := b.Build([]byte("x"))
	f := id.Features()
	assert.True(t, f.HasArea)
	assert.True(t, f.HasOwner)
	assert.True(t, f.HasAuthor)
	assert.True(t, f.HasPublicKey)

	gotArea, ok := id.Area()
	require.True(t, ok)
	assert.Equal(t, area, gotArea)

	bNoArea := Builder{Type: Device, Subtype: 1}
	id2 := bNoArea.Build([]byte("x"))
	_, ok2 := id2.Area()
	assert.False(t, ok2)
}

func TestTypeAndSubtypeRoundTrip(t *testing.T) {
	b := Builder{Type: Service, Subtype: 7}
	id := b.Build([]byte("svc"))
	assert.Equal(t, Service, id.Type())
	assert.Equal(t, uint8(7), id.Subtype())
}

func TestBase58DisplayRoundTrip(t *testing.T) {
	b := Builder{Type: Thing, Subtype: 2}
	id := b.Build([]byte("thing-descriptor"))

	s := id.String()
	assert.NotEmpty(t, s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseRejectsInvalidString(t *testing.T) {
	_, err := Parse("0OIl-not-base58")
	assert.Error(t, err)
}
