package persistence

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSegmentDirectoryRegisterAndRemove(t *testing.T) {
	dir := t.TempDir()
	sd, err := openSegmentDirectory(dir)
	assert.NoError(t, err)
	assert.True(t, sd.Empty())

	desc := SegmentDescriptor{Prefix: "changelog", FromIdx: 1, ToIdx: 5, Path: segmentPath(dir, "changelog", 1, 5)}
	f, err := os.Create(desc.Path)
	assert.NoError(t, err)
	assert.NoError(t, f.Close())
	sd.Register(desc)
	assert.False(t, sd.Empty())

	assert.NoError(t, sd.Remove(1))
	assert.True(t, sd.Empty())
	_, err = os.Stat(desc.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSegmentDirectoryDescriptorCovering(t *testing.T) {
	dir := t.TempDir()
	sd, err := openSegmentDirectory(dir)
	assert.NoError(t, err)

	sd.Register(SegmentDescriptor{FromIdx: 1, ToIdx: 5, Path: segmentPath(dir, "changelog", 1, 5)})
	sd.Register(SegmentDescriptor{FromIdx: 6, ToIdx: 10, Path: segmentPath(dir, "changelog", 6, 10)})

	desc, ok := sd.descriptorCovering(7)
	assert.True(t, ok)
	assert.Equal(t, uint64(6), desc.FromIdx)

	desc, ok = sd.descriptorCovering(5)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), desc.FromIdx)

	_, ok = sd.descriptorCovering(0)
	assert.False(t, ok)
}
