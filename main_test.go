package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-vision/kestrel/internal/vision/source"
)

func TestDemoScene(t *testing.T) {
	t.Parallel()

	src := demoScene()

	frames, detections := 0, 0
	var sawPair, sawEmpty bool
	for {
		f, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames++

		dets, err := source.FixtureDetector{}.Detect(context.Background(), f)
		require.NoError(t, err)
		detections += len(dets)
		switch len(dets) {
		case 2:
			sawPair = true
		case 0:
			sawEmpty = true
		}
		for _, d := range dets {
			assert.Equal(t, "person", d.Label)
		}
	}

	assert.Equal(t, 600, frames)
	// Walker frames 0-200, loiterer 0-500, runner 250-320 (inclusive).
	assert.Equal(t, 201+501+71, detections)
	assert.True(t, sawPair, "the scene should have overlapping paths")
	assert.True(t, sawEmpty, "the scene should end with empty frames")
}
