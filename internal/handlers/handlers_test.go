package handlers

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillweave/skillweave/internal/artifact"
	"github.com/skillweave/skillweave/internal/provider"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

// fakeGenerator returns canned responses, deterministic per prompt.
type fakeGenerator struct {
	text    string
	textErr error
}

func (f *fakeGenerator) GenerateTextAndWait(_ context.Context, req provider.TextRequest) (*provider.TextResult, error) {
	if f.textErr != nil {
		return nil, f.textErr
	}
	return &provider.TextResult{Text: f.text, Model: req.Model, Tokens: 128, RequestID: "req-t"}, nil
}

func (f *fakeGenerator) GenerateImageAndWait(_ context.Context, req provider.ImageRequest) (*provider.Binary, error) {
	return &provider.Binary{Data: []byte("png:" + req.Prompt), ContentType: "image/png", Model: req.Model}, nil
}

func (f *fakeGenerator) GenerateAudioAndWait(_ context.Context, req provider.AudioRequest) (*provider.Binary, error) {
	return &provider.Binary{Data: []byte("mp3:" + req.Prompt), ContentType: "audio/mpeg", Model: req.Model}, nil
}

func (f *fakeGenerator) Generate3DAssetAndWait(_ context.Context, req provider.AssetRequest) (*provider.Binary, error) {
	return &provider.Binary{Data: []byte("glb:" + req.Prompt), ContentType: "model/gltf-binary", Model: req.Model}, nil
}

func execContext(t *testing.T) *skill.ExecContext {
	t.Helper()
	return &skill.ExecContext{
		TenantID:     "tenant-a",
		RunID:        "run-1",
		StepID:       "step-1",
		WorkspaceDir: t.TempDir(),
	}
}

const validPlanJSON = `{
  "title": "Space Pirates",
  "scenes": [
    {"role": "intro", "prompt": "a pirate cove at dusk"},
    {"role": "outcome", "prompt": "victory aboard the flagship"}
  ],
  "game": {"difficulty": "normal", "theme": "space", "mechanics": ["dodge"]},
  "audio_prompt": "tense orchestral space theme",
  "asset_prompts": ["low-poly pirate ship"]
}`

func TestPlanCampaign(t *testing.T) {
	h := &planCampaign{gen: &fakeGenerator{text: validPlanJSON}}

	res, err := h.Execute(context.Background(), map[string]any{
		"brief": "space pirates raid a mining colony",
	}, execContext(t))
	require.NoError(t, err)
	require.True(t, res.OK)

	assert.Equal(t, "Space Pirates", res.Data["title"])
	scenes := res.Data["scenes"].([]any)
	assert.Len(t, scenes, 2)
	require.Len(t, res.Debug.ProviderCalls, 1)
	assert.Equal(t, 128, res.Debug.ProviderCalls[0].Tokens)
}

func TestPlanCampaign_FencedJSONAccepted(t *testing.T) {
	h := &planCampaign{gen: &fakeGenerator{text: "```json\n" + validPlanJSON + "\n```"}}

	res, err := h.Execute(context.Background(), map[string]any{"brief": "x"}, execContext(t))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestPlanCampaign_BadModelOutputIsRetryable(t *testing.T) {
	h := &planCampaign{gen: &fakeGenerator{text: "sorry, I cannot produce JSON"}}

	res, err := h.Execute(context.Background(), map[string]any{"brief": "x"}, execContext(t))
	require.NoError(t, err)
	require.False(t, res.OK)
	assert.Equal(t, enginerrors.CodeGenerationFailed, res.ErrorCode)
	assert.True(t, enginerrors.IsTransient(res.ErrorCode))
}

func TestPlanCampaign_MissingBrief(t *testing.T) {
	h := &planCampaign{gen: &fakeGenerator{text: validPlanJSON}}

	res, err := h.Execute(context.Background(), map[string]any{}, execContext(t))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, enginerrors.CodeValidation, res.ErrorCode)
}

func TestGenerateImage_WritesArtifact(t *testing.T) {
	h := &generateImage{gen: &fakeGenerator{}, kind: "intro"}
	ec := execContext(t)

	res, err := h.Execute(context.Background(), map[string]any{
		"prompt": "a pirate cove at dusk",
	}, ec)
	require.NoError(t, err)
	require.True(t, res.OK)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "image/intro", res.Artifacts[0].Type)
	assert.Equal(t, "intro.png", res.Artifacts[0].Path)

	data, err := os.ReadFile(filepath.Join(ec.WorkspaceDir, "intro.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png:a pirate cove at dusk"), data)
}

func TestGameConfig_MergesTemplateDefaults(t *testing.T) {
	h := &gameConfig{}
	ec := execContext(t)

	res, err := h.Execute(context.Background(), map[string]any{
		"config": map[string]any{"difficulty": "hard", "theme": "space"},
		"title":  "Space Pirates",
	}, ec)
	require.NoError(t, err)
	require.True(t, res.OK)

	cfg := res.Data["config"].(map[string]any)
	assert.Equal(t, "hard", cfg["difficulty"])
	assert.Equal(t, "space", cfg["theme"])
	assert.Equal(t, 3.0, cfg["lives"], "template default survives")
	assert.Equal(t, "Space Pirates", cfg["title"])

	raw, err := os.ReadFile(filepath.Join(ec.WorkspaceDir, "game_config.json"))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "hard", onDisk["difficulty"])
}

type memBlobs struct{ store *artifact.Store }

func (m memBlobs) Open(tenantID, hash string) (io.ReadCloser, error) {
	return m.store.Open(tenantID, hash)
}

func TestBundleAndValidate_RoundTrip(t *testing.T) {
	blobStore, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	blobs := memBlobs{store: blobStore}

	// Store an asset the bundle references.
	put, err := blobStore.Put(context.Background(), "tenant-a", bytesReader("glb bytes"))
	require.NoError(t, err)

	bundler := &bundleGame{blobs: blobs}
	ec := execContext(t)
	res, err := bundler.Execute(context.Background(), map[string]any{
		"config": map[string]any{"difficulty": "hard"},
		"title":  "Space Pirates",
		"assets": []any{put.URI},
	}, ec)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "index.html", res.Data["entry_point"])
	assert.Equal(t, 1, res.Data["asset_count"])

	// Store the bundle as an artifact and validate through the blob
	// store path.
	bundleBytes, err := os.ReadFile(filepath.Join(ec.WorkspaceDir, "bundle.zip"))
	require.NoError(t, err)
	bundlePut, err := blobStore.Put(context.Background(), "tenant-a", bytesReader(string(bundleBytes)))
	require.NoError(t, err)

	validator := &validateBundle{blobs: blobs}
	vres, err := validator.Execute(context.Background(), map[string]any{
		"bundle_uri": bundlePut.URI,
	}, execContext(t))
	require.NoError(t, err)
	require.True(t, vres.OK, vres.Error)
	assert.Equal(t, true, vres.Data["valid"])
	assert.GreaterOrEqual(t, vres.Data["entry_count"].(int), 3)
}

func TestValidateBundle_MissingEntries(t *testing.T) {
	validator := &validateBundle{blobs: memBlobs{}}
	ec := execContext(t)

	// A zip with none of the required entries.
	require.NoError(t, os.WriteFile(filepath.Join(ec.WorkspaceDir, "empty.zip"),
		emptyZip(t), 0o644))

	res, err := validator.Execute(context.Background(), map[string]any{
		"bundle_uri": "empty.zip",
	}, ec)
	require.NoError(t, err)
	require.False(t, res.OK)
	assert.Equal(t, enginerrors.CodeValidation, res.ErrorCode)
	assert.Contains(t, res.Error, "index.html")
}
