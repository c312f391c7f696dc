package media

import (
	"strings"
	"testing"
)

func TestFilterGraphSingleClip(t *testing.T) {
	clips := []StitchClip{{Path: "a.mp4", Duration: 3}}
	filter, videoLabel, audioLabel := buildFilterGraph(clips, StitchOptions{}, -1, -1)

	if !strings.Contains(filter, "trim=duration=3") {
		t.Errorf("missing trim: %s", filter)
	}
	if !strings.Contains(filter, "scale=768:1280") || !strings.Contains(filter, "pad=768:1280") {
		t.Errorf("missing normalize chain: %s", filter)
	}
	if videoLabel != "[c0]" {
		t.Errorf("unexpected video label %q", videoLabel)
	}
	if audioLabel != "" {
		t.Errorf("no music configured, got audio label %q", audioLabel)
	}
}

func TestFilterGraphXfadeChain(t *testing.T) {
	clips := []StitchClip{
		{Path: "a.mp4", Duration: 3, Transition: "fade", TransitionDuration: 0.5},
		{Path: "b.mp4", Duration: 3, Transition: "fade", TransitionDuration: 0.5},
		{Path: "c.mp4", Duration: 3},
	}
	filter, videoLabel, _ := buildFilterGraph(clips, StitchOptions{}, -1, -1)

	if strings.Count(filter, "xfade=") != 2 {
		t.Errorf("expected 2 xfades: %s", filter)
	}
	// First join starts at 3-0.5=2.5s into the chain.
	if !strings.Contains(filter, "offset=2.5") {
		t.Errorf("wrong first xfade offset: %s", filter)
	}
	if videoLabel != "[x2]" {
		t.Errorf("unexpected final label %q", videoLabel)
	}
}

func TestFilterGraphConcatWithoutTransitions(t *testing.T) {
	clips := []StitchClip{
		{Path: "a.mp4", Duration: 2},
		{Path: "b.mp4", Duration: 2},
	}
	filter, videoLabel, _ := buildFilterGraph(clips, StitchOptions{}, -1, -1)
	if !strings.Contains(filter, "concat=n=2:v=1:a=0") {
		t.Errorf("expected concat: %s", filter)
	}
	if strings.Contains(filter, "xfade") {
		t.Errorf("hard cuts should not xfade: %s", filter)
	}
	if videoLabel != "[cat]" {
		t.Errorf("unexpected label %q", videoLabel)
	}
}

func TestFilterGraphReverse(t *testing.T) {
	clips := []StitchClip{{Path: "a.mp4", Duration: 3, Reverse: true}}
	filter, _, _ := buildFilterGraph(clips, StitchOptions{}, -1, -1)
	if !strings.Contains(filter, ",reverse[c0]") {
		t.Errorf("reverse missing from clip chain: %s", filter)
	}
}

func TestFilterGraphWatermarkPlacement(t *testing.T) {
	clips := []StitchClip{{Path: "a.mp4", Duration: 3}}
	filter, videoLabel, _ := buildFilterGraph(clips, StitchOptions{WatermarkPath: "wm.png", WatermarkOpacity: 0.5}, -1, 1)

	if !strings.Contains(filter, "overlay=(W-w)/2:H-h-300") {
		t.Errorf("watermark should sit centered 300px above the bottom: %s", filter)
	}
	if !strings.Contains(filter, "colorchannelmixer=aa=0.5") {
		t.Errorf("watermark opacity missing: %s", filter)
	}
	if videoLabel != "[marked]" {
		t.Errorf("unexpected label %q", videoLabel)
	}
}

func TestFilterGraphColorFilterAndMusic(t *testing.T) {
	clips := []StitchClip{
		{Path: "a.mp4", Duration: 2},
		{Path: "b.mp4", Duration: 3},
	}
	opts := StitchOptions{
		ColorFilter: "eq=saturation=1.2",
		Music:       &MusicOptions{Path: "m.mp3", Volume: 0.8},
	}
	filter, videoLabel, audioLabel := buildFilterGraph(clips, opts, 2, -1)

	if !strings.Contains(filter, "eq=saturation=1.2[graded]") {
		t.Errorf("color filter missing: %s", filter)
	}
	if videoLabel != "[graded]" {
		t.Errorf("unexpected video label %q", videoLabel)
	}
	if audioLabel == "" {
		t.Fatal("music configured but no audio label")
	}
	// Music trimmed to the 5s total with a 1s fade-out.
	if !strings.Contains(filter, "atrim=duration=5") {
		t.Errorf("music should be trimmed to total duration: %s", filter)
	}
	if !strings.Contains(filter, "volume=0.8") {
		t.Errorf("music volume missing: %s", filter)
	}
	if !strings.Contains(filter, "afade=t=out:st=4:d=1") {
		t.Errorf("fade-out should start 1s before the end: %s", filter)
	}
}
