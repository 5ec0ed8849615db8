package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

func bytesReader(s string) io.Reader { return strings.NewReader(s) }

func emptyZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("readme.txt")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func manifestInput() map[string]any {
	return map[string]any{
		"title":           "Space Pirates",
		"intro_uri":       "artifact://tenant-a/ab/" + strings.Repeat("ab", 32),
		"outcome_uri":     "artifact://tenant-a/cd/" + strings.Repeat("cd", 32),
		"game_bundle_uri": "artifact://tenant-a/ef/" + strings.Repeat("ef", 32),
		"audio_uri":       "artifact://tenant-a/12/" + strings.Repeat("12", 32),
	}
}

func TestAssembleManifest(t *testing.T) {
	h := &assembleManifest{}
	ec := execContext(t)

	res, err := h.Execute(context.Background(), manifestInput(), ec)
	require.NoError(t, err)
	require.True(t, res.OK)

	manifest := res.Data["manifest"].(map[string]any)
	assert.Equal(t, "1.0.0", manifest["manifest_version"])

	flow := manifest["flow"].(map[string]any)
	assert.Equal(t, []any{"intro", "game", "outcome"}, flow["sequence"])

	container := manifest["interaction"].(map[string]any)["game_container"].(map[string]any)
	assert.Equal(t, "index.html", container["entry_point"])

	media := manifest["media"].(map[string]any)
	assert.Contains(t, media, "intro")
	assert.Contains(t, media, "outcome")
	assert.Contains(t, media, "audio")

	// Checksum is 64 hex chars.
	checksum := manifest["checksum"].(string)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), checksum)

	// And it is the hash of the canonical manifest with checksum blanked.
	blank := map[string]any{}
	raw, err := os.ReadFile(filepath.Join(ec.WorkspaceDir, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &blank))
	assert.Equal(t, checksum, blank["checksum"])
	blank["checksum"] = ""
	canonical, err := json.Marshal(blank)
	require.NoError(t, err)
	want := sha256.Sum256(canonical)
	assert.Equal(t, hex.EncodeToString(want[:]), checksum)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "json/campaign-manifest", res.Artifacts[0].Type)
	assert.Equal(t, "manifest.json", res.Artifacts[0].Path)
}

func TestAssembleManifest_Deterministic(t *testing.T) {
	h := &assembleManifest{}

	res1, err := h.Execute(context.Background(), manifestInput(), execContext(t))
	require.NoError(t, err)
	res2, err := h.Execute(context.Background(), manifestInput(), execContext(t))
	require.NoError(t, err)

	assert.Equal(t, res1.Data["checksum"], res2.Data["checksum"],
		"same inputs produce the same checksum")
}

func TestAssembleManifest_ChecksumTracksContent(t *testing.T) {
	h := &assembleManifest{}

	res1, err := h.Execute(context.Background(), manifestInput(), execContext(t))
	require.NoError(t, err)

	other := manifestInput()
	other["title"] = "Different Title"
	res2, err := h.Execute(context.Background(), other, execContext(t))
	require.NoError(t, err)

	assert.NotEqual(t, res1.Data["checksum"], res2.Data["checksum"])
}

func TestAssembleManifest_ButtonBounds(t *testing.T) {
	h := &assembleManifest{}
	input := manifestInput()
	input["button_bounds"] = map[string]any{
		"x": 0.0, "y": 0.0, "width": 200.0, "height": 60.0,
	}

	res, err := h.Execute(context.Background(), input, execContext(t))
	require.NoError(t, err)
	require.True(t, res.OK)

	manifest := res.Data["manifest"].(map[string]any)
	container := manifest["interaction"].(map[string]any)["game_container"].(map[string]any)
	assert.Equal(t, "index.html", container["entry_point"])

	bounds := container["button_bounds"].(map[string]any)
	assert.Equal(t, 200.0, bounds["width"])
	assert.Equal(t, 60.0, bounds["height"])
}

func TestAssembleManifest_RequiredURIs(t *testing.T) {
	h := &assembleManifest{}

	for _, missing := range []string{"intro_uri", "outcome_uri", "audio_uri", "game_bundle_uri"} {
		input := manifestInput()
		delete(input, missing)

		res, err := h.Execute(context.Background(), input, execContext(t))
		require.NoError(t, err)
		require.False(t, res.OK, missing)
		assert.Equal(t, enginerrors.CodeValidation, res.ErrorCode)
	}
}
